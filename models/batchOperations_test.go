package models_test

import (
	"context"
	"testing"

	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInBatchRecordsEvent(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 120, daysAgo(3))
	assert.Equal(t, models.BatchStatusGrowing, batch.Status)
	assert.Equal(t, 120, batch.InitialQuantity)
	assert.Equal(t, 120, batch.AvailableQuantity())

	events := l.batchEvents(t, batch.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCheckedIn, events[0].EventType)
	assert.Equal(t, 120, events[0].QuantityChange)
}

func TestCheckInBatchRejectsUnknownLocation(t *testing.T) {
	l := newLedger(t)
	missing := 999
	_, err := l.batches.CheckInBatch(testCtx(), models.CheckInBatchInput{ProductId: 1, Quantity: 1, PlantedAt: daysAgo(1), LocationId: &missing})
	require.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestRecordLossOnlyTouchesUnheldStock(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 20, daysAgo(10))
	l.allocate(t, batch, "oi-1", 15)

	_, err := l.batches.RecordLoss(ctx, models.RecordLossInput{BatchId: batch.ID, Quantity: 6, Kind: models.LossKindLoss, Reason: "aphids"})
	var batchErr *models.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)

	updated, err := l.batches.RecordLoss(ctx, models.RecordLossInput{BatchId: batch.ID, Quantity: 5, Kind: models.LossKindLoss, Reason: "aphids"})
	require.NoError(t, err)
	assert.Equal(t, 15, updated.CurrentQuantity)
	assert.Equal(t, 15, updated.ReservedQuantity)
}

func TestTransplantCreatesGrowingChild(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 50, daysAgo(10))

	result, err := l.batches.Transplant(testCtx(), models.TransplantInput{ParentBatchId: batch.ID, Quantity: 12, ProductId: 3, BatchNumber: "POT-1"})
	require.NoError(t, err)
	assert.Equal(t, 38, result.Parent.CurrentQuantity)
	assert.Equal(t, models.BatchStatusGrowing, result.Child.Status)
	assert.Equal(t, 12, result.Child.InitialQuantity)
	assert.Equal(t, 3, result.Child.ProductId)
	require.NotNil(t, result.Child.ParentBatchId)
	assert.Equal(t, batch.ID, *result.Child.ParentBatchId)

	in := l.batchEvents(t, result.Child.ID, models.EventTransplantIn)
	require.Len(t, in, 1)
	assert.Equal(t, 12, in[0].QuantityChange)
}

func TestRecordSaleRejectsDuplicateOrderItem(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(10))

	_, err := l.batches.RecordSale(ctx, models.RecordSaleInput{BatchId: batch.ID, OrderItemId: "oi-1", Quantity: 5})
	require.NoError(t, err)
	_, err = l.batches.RecordSale(ctx, models.RecordSaleInput{BatchId: batch.ID, OrderItemId: "oi-1", Quantity: 5})
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	// a pick for the same order item on the same batch would count the sale twice
	allocation := l.allocate(t, batch, "oi-1", 5)
	_, err = l.allocations.Pick(ctx, allocation.ID, 5)
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, 45, l.reload(t, batch.ID).CurrentQuantity)
}

func TestAdjustQuantityBounds(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(10))
	l.allocate(t, batch, "oi-1", 20)

	down, err := l.batches.AdjustQuantity(ctx, models.AdjustQuantityInput{BatchId: batch.ID, Delta: -30, Reason: "recount"})
	require.NoError(t, err)
	assert.Equal(t, 20, down.CurrentQuantity)

	_, err = l.batches.AdjustQuantity(ctx, models.AdjustQuantityInput{BatchId: batch.ID, Delta: -1, Reason: "recount"})
	var batchErr *models.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)

	_, err = l.batches.AdjustQuantity(ctx, models.AdjustQuantityInput{BatchId: batch.ID, Delta: 31, Reason: "found more"})
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	up, err := l.batches.AdjustQuantity(ctx, models.AdjustQuantityInput{BatchId: batch.ID, Delta: 30, Reason: "found more"})
	require.NoError(t, err)
	assert.Equal(t, 50, up.CurrentQuantity)

	_, err = l.batches.AdjustQuantity(ctx, models.AdjustQuantityInput{BatchId: batch.ID, Delta: 0, Reason: "noop"})
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestChangeStatusFollowsLifecycle(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 10, daysAgo(10))

	ready, err := l.batches.ChangeStatus(ctx, batch.ID, models.ChangeStatusInput{Status: models.BatchStatusReady})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusReady, ready.Status)

	allocation := l.allocate(t, batch, "oi-1", 4)
	_, err = l.batches.ChangeStatus(ctx, batch.ID, models.ChangeStatusInput{Status: models.BatchStatusShipped})
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	_, err = l.allocations.Deallocate(ctx, allocation.ID)
	require.NoError(t, err)
	_, err = l.batches.ChangeStatus(ctx, batch.ID, models.ChangeStatusInput{Status: models.BatchStatusDumped})
	require.NoError(t, err)
	_, err = l.batches.ChangeStatus(ctx, batch.ID, models.ChangeStatusInput{Status: models.BatchStatusArchived})
	require.NoError(t, err)
	_, err = l.batches.ChangeStatus(ctx, batch.ID, models.ChangeStatusInput{Status: models.BatchStatusGrowing})
	require.ErrorAs(t, err, &precond)

	changes := l.batchEvents(t, batch.ID, models.EventStatusChanged)
	require.Len(t, changes, 3)
	payload, err := changes[2].Payload()
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusArchived, payload.(*models.StatusPayload).To)
}

func TestOperationsRequireScope(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 10, daysAgo(10))
	_, err := l.batches.GetBatch(contextForOrg(""), batch.ID)
	require.ErrorIs(t, err, models.ErrMissingScope)

	_, err = l.batches.GetBatch(contextForOrg("org-other"), batch.ID)
	require.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestListingsAreScopedToContextOrganization(t *testing.T) {
	l := newLedger(t)
	own := l.checkIn(t, 1, 10, daysAgo(2))

	other, err := l.batches.CheckInBatch(contextForOrg("org-other"), models.CheckInBatchInput{
		ProductId:   1,
		BatchNumber: "B-other",
		Quantity:    7,
		PlantedAt:   daysAgo(1),
	})
	require.NoError(t, err)

	batches, err := l.batches.ListBatches(testCtx(), models.BatchListFilter{})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, own.ID, batches[0].ID)

	ids, err := l.distribution.BatchIds(contextForOrg("org-other"))
	require.NoError(t, err)
	assert.Equal(t, []int{other.ID}, ids)

	_, err = l.distribution.BatchIds(context.Background())
	require.ErrorIs(t, err, models.ErrMissingScope)
}
