package models_test

import (
	"testing"

	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionAccountsForEveryUnit(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 100, daysAgo(30))
	l.allocate(t, batch, "oi-1", 40)

	_, err := l.batches.RecordLoss(ctx, models.RecordLossInput{BatchId: batch.ID, Quantity: 10, Kind: models.LossKindDump, Reason: "root rot"})
	require.NoError(t, err)
	transplant, err := l.batches.Transplant(ctx, models.TransplantInput{ParentBatchId: batch.ID, Quantity: 20})
	require.NoError(t, err)

	d, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, d.Available)
	assert.Equal(t, 40, d.AllocatedSales.Total)
	assert.Equal(t, 0, d.AllocatedPotting.Total)
	assert.Equal(t, 0, d.Sold.Total)
	assert.Equal(t, 10, d.Dumped.Total)
	assert.Equal(t, 20, d.Transplanted.Total)
	assert.Equal(t, 100, d.TotalAccounted)
	assert.True(t, d.Reconciled)

	require.Len(t, d.Dumped.Details, 1)
	assert.Equal(t, "root rot", d.Dumped.Details[0].Reference)
	require.Len(t, d.Transplanted.Details, 1)
	require.NotNil(t, d.Transplanted.Details[0].ChildBatchId)
	assert.Equal(t, transplant.Child.ID, *d.Transplanted.Details[0].ChildBatchId)

	again, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestDistributionSoldCombinesPicksAndCounterSales(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 100, daysAgo(30))
	allocation := l.allocate(t, batch, "oi-1", 20)
	_, err := l.allocations.Pick(ctx, allocation.ID, 20)
	require.NoError(t, err)
	_, err = l.batches.RecordSale(ctx, models.RecordSaleInput{BatchId: batch.ID, OrderItemId: "oi-2", Quantity: 7})
	require.NoError(t, err)

	// the picked order item cannot be booked again as a counter sale
	_, err = l.batches.RecordSale(ctx, models.RecordSaleInput{BatchId: batch.ID, OrderItemId: "oi-1", Quantity: 1})
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	d, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 27, d.Sold.Total)
	assert.Len(t, d.Sold.Details, 2)
	assert.Equal(t, 73, d.Available)
	assert.True(t, d.Reconciled)
}

func TestDistributionCountsPlansAsPotting(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	parent := l.checkIn(t, 1, 100, daysAgo(30))
	planned, err := l.batches.PlanBatch(ctx, models.PlanBatchInput{
		ParentBatchId: &parent.ID, ProductId: 2, PlannedQuantity: 25, PlannedDate: daysAgo(-7),
	})
	require.NoError(t, err)

	d, err := l.distribution.ComputeDistribution(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, d.AllocatedPotting.Total)
	require.Len(t, d.AllocatedPotting.Details, 1)
	assert.Equal(t, planned.Plan.ID, *d.AllocatedPotting.Details[0].PlanId)
	assert.Equal(t, 75, d.Available)
	assert.True(t, d.Reconciled)
}

func TestDistributionReportsOvercommitment(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 30, daysAgo(30))
	first := l.allocate(t, batch, "oi-1", 20)
	l.allocate(t, batch, "oi-2", 10)
	_, err := l.allocations.Pick(ctx, first.ID, 25)
	require.NoError(t, err)

	d, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Available)
	assert.Equal(t, 5, d.Overcommitted)
	assert.Equal(t, 25, d.Sold.Total)
	assert.True(t, d.Reconciled)
}

func TestEventSumsMatchDistribution(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 100, daysAgo(30))
	allocation := l.allocate(t, batch, "oi-1", 15)
	_, err := l.allocations.Pick(ctx, allocation.ID, 12)
	require.NoError(t, err)
	_, err = l.batches.RecordLoss(ctx, models.RecordLossInput{BatchId: batch.ID, Quantity: 4, Kind: models.LossKindLoss, Reason: "frost"})
	require.NoError(t, err)
	_, err = l.batches.Transplant(ctx, models.TransplantInput{ParentBatchId: batch.ID, Quantity: 9, Kind: models.TransferKindMove})
	require.NoError(t, err)
	_, err = l.batches.AdjustQuantity(ctx, models.AdjustQuantityInput{BatchId: batch.ID, Delta: -2, Reason: "recount"})
	require.NoError(t, err)

	sums := map[models.EventType]int{}
	for _, ev := range l.batchEvents(t, batch.ID) {
		sums[ev.EventType] += ev.QuantityChange
	}
	d, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)

	assert.Equal(t, d.Sold.Total, -(sums[models.EventBatchPicked] + sums[models.EventBatchPickReversed] + sums[models.EventSale]))
	assert.Equal(t, d.Dumped.Total, -(sums[models.EventLoss] + sums[models.EventDump] + sums[models.EventManualAdjustment]))
	assert.Equal(t, d.Transplanted.Total, -(sums[models.EventTransplantOut] + sums[models.EventMove] + sums[models.EventConsumed]))
	assert.Equal(t, 100, sums[models.EventCheckedIn])
	assert.True(t, d.Reconciled)
}

func TestCheckConsistencyAndRebuild(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(30))
	l.allocate(t, batch, "oi-1", 12)

	report, err := l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)

	require.NoError(t, l.db.Model(&models.Batch{}).Where("id = ?", batch.ID).Update("reserved_quantity", 3).Error)

	report, err = l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, -9, report.ReservedDrift)

	rebuilt, err := l.batches.RebuildReservedQuantity(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, rebuilt.ReservedQuantity)

	report, err = l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	// the rebuild event moves no stock
	d, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Dumped.Total)
}

func TestRebuildReservedClampsToStockOnHand(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 10, daysAgo(10))
	first := l.allocate(t, batch, "oi-1", 6)
	l.allocate(t, batch, "oi-2", 4)
	_, err := l.allocations.Pick(ctx, first.ID, 9)
	require.NoError(t, err)

	require.NoError(t, l.db.Model(&models.Batch{}).Where("id = ?", batch.ID).Update("reserved_quantity", 0).Error)
	report, err := l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, 1, report.DerivedReserved)

	rebuilt, err := l.batches.RebuildReservedQuantity(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt.CurrentQuantity)
	assert.Equal(t, 1, rebuilt.ReservedQuantity)

	report, err = l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 3, report.Overcommitted)
}
