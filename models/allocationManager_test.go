package models_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAtProductLevelChecksPool(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	l.checkIn(t, 1, 30, daysAgo(10))
	l.checkIn(t, 1, 20, daysAgo(20))

	first, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-1", ProductId: 1, Quantity: 40})
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusReserved, first.Status)
	assert.Nil(t, first.BatchId)
	assert.Equal(t, 1, first.Tier())

	// 50 on hand, 40 already promised at product level
	_, err = l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-2", ProductId: 1, Quantity: 11})
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 10, stockErr.Available)

	backorder, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-2", ProductId: 1, Quantity: 11, AllowBackorder: true})
	require.NoError(t, err)
	assert.True(t, backorder.IsBackorder)

	events, err := l.events.Collect(ctx, models.EventFilter{OrderItemId: "oi-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventProductReserved, events[0].EventType)
	assert.Nil(t, events[0].BatchId)
	assert.Equal(t, -40, events[0].QuantityChange)
}

func TestReserveValidatesInput(t *testing.T) {
	l := newLedger(t)
	_, err := l.allocations.ReserveAtProductLevel(testCtx(), models.ReserveInput{ProductId: 1, Quantity: 0})
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSelectBatchHoldsStock(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 50, daysAgo(10))

	allocation := l.allocate(t, batch, "oi-1", 20)
	assert.Equal(t, models.AllocationStatusAllocated, allocation.Status)
	require.NotNil(t, allocation.BatchId)
	assert.Equal(t, batch.ID, *allocation.BatchId)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 20, reloaded.ReservedQuantity)
	assert.Equal(t, 50, reloaded.CurrentQuantity)

	events := l.batchEvents(t, batch.ID, models.EventBatchAllocated)
	require.Len(t, events, 1)
	assert.Equal(t, -20, events[0].QuantityChange)
}

func TestSelectBatchInsufficientLeavesNoTrace(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	small := l.checkIn(t, 1, 10, daysAgo(10))
	l.checkIn(t, 1, 50, daysAgo(20))

	reservation, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-1", ProductId: 1, Quantity: 15})
	require.NoError(t, err)

	_, err = l.allocations.SelectBatch(ctx, reservation.ID, small.ID)
	var batchErr *models.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 10, batchErr.Available)

	assert.Equal(t, 0, l.reload(t, small.ID).ReservedQuantity)
	assert.Empty(t, l.batchEvents(t, small.ID, models.EventBatchAllocated))
	still, err := l.allocations.GetAllocation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusReserved, still.Status)
	assert.Nil(t, still.BatchId)
}

func TestSelectBatchRejectsOtherProductAndTwiceSelected(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(10))
	other := l.checkIn(t, 2, 50, daysAgo(10))

	reservation, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-1", ProductId: 1, Quantity: 5})
	require.NoError(t, err)

	_, err = l.allocations.SelectBatch(ctx, reservation.ID, other.ID)
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	_, err = l.allocations.SelectBatch(ctx, reservation.ID, batch.ID)
	require.NoError(t, err)
	_, err = l.allocations.SelectBatch(ctx, reservation.ID, batch.ID)
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, 5, l.reload(t, batch.ID).ReservedQuantity)
}

func TestConcurrentSelectionsNeverOversubscribe(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 10, daysAgo(10))
	l.checkIn(t, 1, 100, daysAgo(20))

	var ids []int
	for _, oi := range []string{"oi-a", "oi-b"} {
		r, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: oi, ProductId: 1, Quantity: 8})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			_, errs[i] = l.allocations.SelectBatch(testCtx(), id, batch.ID)
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var batchErr *models.InsufficientBatchStockError
		assert.True(t, errors.As(err, &batchErr), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 8, l.reload(t, batch.ID).ReservedQuantity)
	assert.Len(t, l.batchEvents(t, batch.ID, models.EventBatchAllocated), 1)
}

func TestPickShortRecordsShortage(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 50, daysAgo(10))
	allocation := l.allocate(t, batch, "oi-1", 20)

	result, err := l.allocations.Pick(testCtx(), allocation.ID, 15)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusShort, result.Allocation.Status)
	assert.Equal(t, 15, result.Allocation.PickedQuantity)
	assert.Equal(t, 5, result.Shortage)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 35, reloaded.CurrentQuantity)
	assert.Equal(t, 0, reloaded.ReservedQuantity)

	shortages := l.batchEvents(t, batch.ID, models.EventShortageRecorded)
	require.Len(t, shortages, 1)
	assert.Equal(t, 5, shortages[0].QuantityChange)
	payload, err := shortages[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, 5, payload.(*models.DiscrepancyPayload).Difference)

	picks := l.batchEvents(t, batch.ID, models.EventBatchPicked)
	require.Len(t, picks, 1)
	assert.Equal(t, -15, picks[0].QuantityChange)
}

func TestPickOverAllocationRecordsOversell(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 30, daysAgo(10))
	first := l.allocate(t, batch, "oi-1", 20)
	l.allocate(t, batch, "oi-2", 10)

	result, err := l.allocations.Pick(testCtx(), first.ID, 25)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusPicked, result.Allocation.Status)
	assert.Equal(t, 5, result.Oversell)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 5, reloaded.CurrentQuantity)
	assert.LessOrEqual(t, reloaded.ReservedQuantity, reloaded.CurrentQuantity)

	oversells := l.batchEvents(t, batch.ID, models.EventOversellRecorded)
	require.Len(t, oversells, 1)
	assert.Equal(t, -5, oversells[0].QuantityChange)
	payload, err := oversells[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, 5, payload.(*models.DiscrepancyPayload).ReservedOverrun)
}

func TestPickBeyondStockOnHandFails(t *testing.T) {
	l := newLedger(t)
	batch := l.checkIn(t, 1, 10, daysAgo(10))
	allocation := l.allocate(t, batch, "oi-1", 10)

	_, err := l.allocations.Pick(testCtx(), allocation.ID, 11)
	var batchErr *models.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 10, l.reload(t, batch.ID).CurrentQuantity)
}

func TestPickRespectsOversellCap(t *testing.T) {
	l := newLedger(t)
	capped := models.NewAllocationManager(l.db, l.events, l.ranker, models.WithOversellCap(2))
	batch := l.checkIn(t, 1, 50, daysAgo(10))
	allocation := l.allocate(t, batch, "oi-1", 10)

	_, err := capped.Pick(testCtx(), allocation.ID, 13)
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	_, err = capped.Pick(testCtx(), allocation.ID, 12)
	require.NoError(t, err)
}

func TestReversePickRestoresHold(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(10))
	allocation := l.allocate(t, batch, "oi-1", 20)
	_, err := l.allocations.Pick(ctx, allocation.ID, 18)
	require.NoError(t, err)

	reversed, err := l.allocations.ReversePick(ctx, allocation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusAllocated, reversed.Status)
	assert.Equal(t, 0, reversed.PickedQuantity)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 50, reloaded.CurrentQuantity)
	assert.Equal(t, 20, reloaded.ReservedQuantity)
	require.Len(t, l.batchEvents(t, batch.ID, models.EventBatchPickReversed), 1)
}

func TestReversePickFailsWhenHoldNoLongerFits(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 30, daysAgo(10))
	first := l.allocate(t, batch, "oi-1", 20)
	_, err := l.allocations.Pick(ctx, first.ID, 10)
	require.NoError(t, err)
	// 20 left on hand, all of it now promised elsewhere
	l.allocate(t, batch, "oi-2", 20)

	_, err = l.allocations.ReversePick(ctx, first.ID)
	var batchErr *models.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 20, reloaded.CurrentQuantity)
	assert.Equal(t, 20, reloaded.ReservedQuantity)
	still, err := l.allocations.GetAllocation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusShort, still.Status)
}

func TestDeallocateReleasesBothTiers(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(10))

	reservation, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-1", ProductId: 1, Quantity: 10})
	require.NoError(t, err)
	cancelled, err := l.allocations.Deallocate(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.BatchId)

	allocation := l.allocate(t, batch, "oi-2", 15)
	_, err = l.allocations.Deallocate(ctx, allocation.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, l.reload(t, batch.ID).ReservedQuantity)
	released := l.batchEvents(t, batch.ID, models.EventBatchDeallocated)
	require.Len(t, released, 1)
	assert.Equal(t, 15, released[0].QuantityChange)

	_, err = l.allocations.Deallocate(ctx, allocation.ID)
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)
}

func TestShipAndQualityOutcome(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 50, daysAgo(10))
	allocation := l.allocate(t, batch, "oi-1", 10)

	_, err := l.allocations.Ship(ctx, allocation.ID)
	var precond *models.PreconditionFailedError
	require.ErrorAs(t, err, &precond)

	_, err = l.allocations.Pick(ctx, allocation.ID, 10)
	require.NoError(t, err)
	shipped, err := l.allocations.Ship(ctx, allocation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusShipped, shipped.Status)

	damaged, err := l.allocations.RecordQualityOutcome(ctx, allocation.ID, models.QualityOutcomeInput{Outcome: models.QualityOutcomeDamaged, Reason: "broken pots"})
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusDamaged, damaged.Status)

	adjustments := l.batchEvents(t, batch.ID, models.EventManualAdjustment)
	require.Len(t, adjustments, 1)
	assert.Equal(t, 0, adjustments[0].QuantityChange)
	assert.Equal(t, 40, l.reload(t, batch.ID).CurrentQuantity)
}

func TestSelectBatchesReportsPerItem(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	batch := l.checkIn(t, 1, 10, daysAgo(10))
	l.checkIn(t, 1, 100, daysAgo(20))

	ok, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-1", ProductId: 1, Quantity: 5})
	require.NoError(t, err)
	tooBig, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-2", ProductId: 1, Quantity: 50})
	require.NoError(t, err)

	result := l.allocations.SelectBatches(ctx, []models.BatchSelection{
		{AllocationId: ok.ID, BatchId: batch.ID},
		{AllocationId: tooBig.ID, BatchId: batch.ID},
	})
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.PartialSuccess)
	assert.False(t, result.AllFailed)
	assert.True(t, result.Results[0].Success)
	assert.NotEmpty(t, result.Results[1].Error)
}

func TestAutoSelectBatchPicksOldestThatFits(t *testing.T) {
	l := newLedger(t)
	ctx := testCtx()
	l.checkIn(t, 1, 5, daysAgo(90))
	fits := l.checkIn(t, 1, 40, daysAgo(60))
	l.checkIn(t, 1, 100, daysAgo(30))

	reservation, err := l.allocations.ReserveAtProductLevel(ctx, models.ReserveInput{OrderItemId: "oi-1", ProductId: 1, Quantity: 30})
	require.NoError(t, err)
	allocation, err := l.allocations.AutoSelectBatch(ctx, reservation.ID, models.CandidateFilters{})
	require.NoError(t, err)
	require.NotNil(t, allocation.BatchId)
	assert.Equal(t, fits.ID, *allocation.BatchId)

	_, err = l.allocations.AutoSelectBatch(ctx, 0, models.CandidateFilters{})
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

// overPickIntoSibling leaves oi-2 allocated on a batch whose stock oi-1's over-pick already took.
func overPickIntoSibling(t *testing.T) (*ledger, *models.Batch, *models.Allocation) {
	t.Helper()
	l := newLedger(t)
	batch := l.checkIn(t, 1, 10, daysAgo(10))
	first := l.allocate(t, batch, "oi-1", 5)
	second := l.allocate(t, batch, "oi-2", 5)

	result, err := l.allocations.Pick(testCtx(), first.ID, 8)
	require.NoError(t, err)
	require.Equal(t, 3, result.Oversell)
	reloaded := l.reload(t, batch.ID)
	require.Equal(t, 2, reloaded.CurrentQuantity)
	require.Equal(t, 2, reloaded.ReservedQuantity)
	return l, batch, second
}

func TestDeallocateAfterSiblingOverPick(t *testing.T) {
	l, batch, second := overPickIntoSibling(t)
	ctx := testCtx()

	report, err := l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 3, report.Overcommitted)

	cancelled, err := l.allocations.Deallocate(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusCancelled, cancelled.Status)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 2, reloaded.CurrentQuantity)
	assert.Equal(t, 0, reloaded.ReservedQuantity)

	released := l.batchEvents(t, batch.ID, models.EventBatchDeallocated)
	require.Len(t, released, 1)
	assert.Equal(t, 5, released[0].QuantityChange)
	payload, err := released[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, 3, payload.(*models.AllocationPayload).Unbacked)

	report, err = l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Zero(t, report.Overcommitted)

	d, err := l.distribution.ComputeDistribution(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Available)
	assert.Equal(t, 8, d.Sold.Total)
	assert.True(t, d.Reconciled)
}

func TestPickAfterSiblingOverPick(t *testing.T) {
	l, batch, second := overPickIntoSibling(t)
	ctx := testCtx()

	rebuilt, err := l.batches.RebuildReservedQuantity(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rebuilt.ReservedQuantity)

	_, err = l.allocations.Pick(ctx, second.ID, 5)
	var batchErr *models.InsufficientBatchStockError
	require.ErrorAs(t, err, &batchErr)

	result, err := l.allocations.Pick(ctx, second.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStatusShort, result.Allocation.Status)
	assert.Equal(t, 3, result.Shortage)

	reloaded := l.reload(t, batch.ID)
	assert.Equal(t, 0, reloaded.CurrentQuantity)
	assert.Equal(t, 0, reloaded.ReservedQuantity)

	report, err := l.distribution.CheckConsistency(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}
