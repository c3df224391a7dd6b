package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllocationManager moves allocations through reserve, select, pick and ship.
// Every transition writes its state change and event in one transaction.
type AllocationManager struct {
	db          *gorm.DB
	events      *EventLog
	ranker      *BatchCandidateRanker
	locker      utils.Locker
	logger      *logrus.Logger
	oversellCap int
}

type AllocationManagerOption func(*AllocationManager)

func WithAllocationLocker(locker utils.Locker) AllocationManagerOption {
	return func(m *AllocationManager) { m.locker = locker }
}

func WithAllocationLogger(logger *logrus.Logger) AllocationManagerOption {
	return func(m *AllocationManager) { m.logger = logger }
}

// WithOversellCap limits how far a pick may exceed its allocation. 0 means unlimited.
func WithOversellCap(n int) AllocationManagerOption {
	return func(m *AllocationManager) { m.oversellCap = n }
}

func NewAllocationManager(db *gorm.DB, events *EventLog, ranker *BatchCandidateRanker, opts ...AllocationManagerOption) *AllocationManager {
	m := &AllocationManager{
		db:          db,
		events:      events,
		ranker:      ranker,
		locker:      utils.NoopLocker{},
		logger:      config.GetLogger(),
		oversellCap: config.OversellHardCap(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type ReserveInput struct {
	OrderItemId    string `json:"order_item_id" validate:"required,max=64"`
	ProductId      int    `json:"product_id" validate:"required,gt=0"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	AllowBackorder bool   `json:"allow_backorder"`
}

// ReserveAtProductLevel takes a Tier 1 hold against the product's pooled availability.
func (m *AllocationManager) ReserveAtProductLevel(ctx context.Context, input ReserveInput) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.ReserveAtProductLevel",
		attribute.Int("product.id", input.ProductId), attribute.Int("quantity", input.Quantity))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	release, err := obtainLocks(ctx, m.locker, utils.ProductLockKey(scope.OrganizationId, input.ProductId))
	if err != nil {
		return nil, classifyStoreError("ReserveAtProductLevel", err)
	}
	defer release()

	var allocation Allocation
	err = runInTx(ctx, m.db, "ReserveAtProductLevel", func(tx *gorm.DB) error {
		available, err := productPoolAvailability(tx, scope.OrganizationId, input.ProductId)
		if err != nil {
			return err
		}
		backorder := available < input.Quantity
		if backorder && !input.AllowBackorder {
			return &InsufficientStockError{ProductId: input.ProductId, Requested: input.Quantity, Available: max(0, available)}
		}
		allocation = Allocation{
			OrganizationId: scope.OrganizationId,
			OrderItemId:    input.OrderItemId,
			ProductId:      input.ProductId,
			Quantity:       input.Quantity,
			Status:         AllocationStatusReserved,
			IsBackorder:    backorder,
			CreatedBy:      scope.ActorId,
		}
		if err := tx.Create(&allocation).Error; err != nil {
			return err
		}
		_, err = m.events.Append(tx, NewInventoryEvent{
			AllocationId:   &allocation.ID,
			OrderItemId:    input.OrderItemId,
			ProductId:      &input.ProductId,
			Type:           EventProductReserved,
			QuantityChange: -input.Quantity,
			Payload: &AllocationPayload{
				OrderItemId: input.OrderItemId,
				ProductId:   input.ProductId,
				Quantity:    input.Quantity,
				Tier:        1,
				Backorder:   backorder,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// productPoolAvailability is free batch stock minus outstanding Tier 1 holds.
func productPoolAvailability(tx *gorm.DB, orgId string, productId int) (int, error) {
	batchFree, err := aggregateBatchAvailability(tx, orgId, productId)
	if err != nil {
		return 0, err
	}
	var tierOne int
	err = tx.Model(&Allocation{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("organization_id = ? AND product_id = ? AND status = ?", orgId, productId, AllocationStatusReserved).
		Scan(&tierOne).Error
	if err != nil {
		return 0, err
	}
	return batchFree - tierOne, nil
}

// SelectBatch binds a Tier 1 reservation to a batch. The batch hold is taken with a single
// conditional increment, so two racing selections can never push reserved past current.
func (m *AllocationManager) SelectBatch(ctx context.Context, allocationId int, batchId int) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.SelectBatch",
		attribute.Int("allocation.id", allocationId), attribute.Int("batch.id", batchId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if allocationId <= 0 || batchId <= 0 {
		return nil, ErrInvalidInput
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	release, err := obtainLocks(ctx, m.locker, utils.BatchLockKey(scope.OrganizationId, batchId))
	if err != nil {
		return nil, classifyStoreError("SelectBatch", err)
	}
	defer release()

	var allocation Allocation
	err = runInTx(ctx, m.db, "SelectBatch", func(tx *gorm.DB) error {
		if err := findAllocation(tx, scope.OrganizationId, allocationId, &allocation); err != nil {
			return err
		}
		if allocation.Status != AllocationStatusReserved {
			return allocationPrecondition(allocationId, "status is %s; only reserved allocations can select a batch", allocation.Status)
		}
		var batch Batch
		if err := findBatch(tx, scope.OrganizationId, batchId, &batch); err != nil {
			return err
		}
		if batch.ProductId != allocation.ProductId {
			return batchPrecondition(batchId, "belongs to product %d, allocation is for product %d", batch.ProductId, allocation.ProductId)
		}
		if !batch.Status.IsSellable() {
			return batchPrecondition(batchId, "status is %s; batch cannot take new holds", batch.Status)
		}

		res := tx.Model(&Allocation{}).
			Where("id = ? AND organization_id = ? AND status = ?", allocation.ID, scope.OrganizationId, AllocationStatusReserved).
			Updates(map[string]interface{}{"batch_id": batchId, "status": AllocationStatusAllocated})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return allocationPrecondition(allocationId, "was changed by a concurrent request")
		}
		if err := holdBatchStock(tx, scope.OrganizationId, batchId, allocation.Quantity); err != nil {
			return err
		}

		allocation.BatchId = &batchId
		allocation.Status = AllocationStatusAllocated
		_, err := m.events.Append(tx, NewInventoryEvent{
			BatchId:        &batchId,
			AllocationId:   &allocation.ID,
			OrderItemId:    allocation.OrderItemId,
			ProductId:      &allocation.ProductId,
			Type:           EventBatchAllocated,
			QuantityChange: -allocation.Quantity,
			Payload: &AllocationPayload{
				OrderItemId: allocation.OrderItemId,
				ProductId:   allocation.ProductId,
				Quantity:    allocation.Quantity,
				Tier:        2,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// holdBatchStock raises reserved_quantity by qty only if the result still fits under current_quantity.
func holdBatchStock(tx *gorm.DB, orgId string, batchId int, qty int) error {
	res := tx.Model(&Batch{}).
		Where("id = ? AND organization_id = ? AND status IN ? AND reserved_quantity + ? <= current_quantity",
			batchId, orgId, SellableBatchStatuses, qty).
		UpdateColumns(map[string]interface{}{
			"reserved_quantity": gorm.Expr("reserved_quantity + ?", qty),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var batch Batch
	if err := findBatch(tx, orgId, batchId, &batch); err != nil {
		return err
	}
	return &InsufficientBatchStockError{BatchId: batchId, Requested: qty, Available: batch.AvailableQuantity()}
}

// releaseBatchHold lowers reserved_quantity by qty. An over-pick may already have consumed part of
// the hold, so at most reserved_quantity is released; the remainder is returned as unbacked.
func releaseBatchHold(tx *gorm.DB, orgId string, batchId int, qty int) (int, error) {
	var batch Batch
	if err := lockBatch(tx, orgId, batchId, &batch); err != nil {
		return 0, err
	}
	released := min(qty, batch.ReservedQuantity)
	if err := writeBatchQuantities(tx, &batch, batch.CurrentQuantity, batch.ReservedQuantity-released); err != nil {
		return 0, err
	}
	return qty - released, nil
}

type BatchSelection struct {
	AllocationId int `json:"allocation_id" validate:"required,gt=0"`
	BatchId      int `json:"batch_id" validate:"required,gt=0"`
}

type BatchSelectionResult struct {
	AllocationId int         `json:"allocation_id"`
	BatchId      int         `json:"batch_id"`
	Success      bool        `json:"success"`
	Allocation   *Allocation `json:"allocation,omitempty"`
	Error        string      `json:"error,omitempty"`
	Err          error       `json:"-"`
}

type BulkSelectionResult struct {
	Results        []BatchSelectionResult `json:"results"`
	Succeeded      int                    `json:"succeeded"`
	Failed         int                    `json:"failed"`
	AllFailed      bool                   `json:"all_failed"`
	PartialSuccess bool                   `json:"partial_success"`
}

// SelectBatches runs each selection in its own transaction; one failure does not undo the others.
func (m *AllocationManager) SelectBatches(ctx context.Context, selections []BatchSelection) *BulkSelectionResult {
	out := &BulkSelectionResult{Results: make([]BatchSelectionResult, 0, len(selections))}
	for _, sel := range selections {
		r := BatchSelectionResult{AllocationId: sel.AllocationId, BatchId: sel.BatchId}
		allocation, err := m.SelectBatch(ctx, sel.AllocationId, sel.BatchId)
		if err != nil {
			r.Err, r.Error = err, err.Error()
			out.Failed++
		} else {
			r.Success, r.Allocation = true, allocation
			out.Succeeded++
		}
		out.Results = append(out.Results, r)
	}
	out.AllFailed = len(selections) > 0 && out.Succeeded == 0
	out.PartialSuccess = out.Succeeded > 0 && out.Failed > 0
	return out
}

// AutoSelectBatch binds the reservation to the oldest batch that can hold it whole.
func (m *AllocationManager) AutoSelectBatch(ctx context.Context, allocationId int, filters CandidateFilters) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.AutoSelectBatch", attribute.Int("allocation.id", allocationId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if allocationId <= 0 {
		return nil, ErrInvalidInput
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var allocation Allocation
	if err := findAllocation(m.db.WithContext(ctx), scope.OrganizationId, allocationId, &allocation); err != nil {
		return nil, classifyStoreError("AutoSelectBatch", err)
	}
	if allocation.Status != AllocationStatusReserved {
		return nil, allocationPrecondition(allocationId, "status is %s; only reserved allocations can select a batch", allocation.Status)
	}
	candidates, err := m.ranker.Rank(ctx, allocation.ProductId, allocation.Quantity, filters)
	if err != nil {
		return nil, err
	}
	best := 0
	for _, c := range candidates {
		best = max(best, c.AvailableQuantity)
		if !c.CoversRequired {
			continue
		}
		selected, err := m.SelectBatch(ctx, allocationId, c.BatchId)
		var batchErr *InsufficientBatchStockError
		if errors.As(err, &batchErr) {
			// lost a race for this batch; try the next one
			continue
		}
		return selected, err
	}
	return nil, &InsufficientStockError{ProductId: allocation.ProductId, Requested: allocation.Quantity, Available: best}
}

// Deallocate cancels a reservation or batch hold and gives the quantity back.
func (m *AllocationManager) Deallocate(ctx context.Context, allocationId int) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.Deallocate", attribute.Int("allocation.id", allocationId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var allocation Allocation
	err = runInTx(ctx, m.db, "Deallocate", func(tx *gorm.DB) error {
		if err := findAllocation(tx, scope.OrganizationId, allocationId, &allocation); err != nil {
			return err
		}
		previous := allocation.Status
		if previous != AllocationStatusReserved && previous != AllocationStatusAllocated {
			return allocationPrecondition(allocationId, "status is %s; only reserved or allocated holds can be released", previous)
		}
		if err := transitionAllocation(tx, &allocation, previous, map[string]interface{}{"status": AllocationStatusCancelled}); err != nil {
			return err
		}
		allocation.Status = AllocationStatusCancelled

		payload := &AllocationPayload{
			OrderItemId: allocation.OrderItemId,
			ProductId:   allocation.ProductId,
			Quantity:    allocation.Quantity,
			Tier:        allocation.Tier(),
		}
		in := NewInventoryEvent{
			AllocationId:   &allocation.ID,
			OrderItemId:    allocation.OrderItemId,
			ProductId:      &allocation.ProductId,
			QuantityChange: allocation.Quantity,
			Payload:        payload,
		}
		if previous == AllocationStatusReserved {
			in.Type = EventProductUnreserved
		} else {
			unbacked, err := releaseBatchHold(tx, scope.OrganizationId, *allocation.BatchId, allocation.Quantity)
			if err != nil {
				return err
			}
			payload.Unbacked = unbacked
			in.Type = EventBatchDeallocated
			in.BatchId = allocation.BatchId
		}
		_, err := m.events.Append(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

type PickResult struct {
	Allocation *Allocation       `json:"allocation"`
	Shortage   int               `json:"shortage"`
	Oversell   int               `json:"oversell"`
	Events     []*InventoryEvent `json:"events"`
}

// Pick records what was physically taken from the batch for an allocation.
// The allocation's whole hold is released and the picked quantity leaves current stock.
// A short pick is recorded as a shortage; an over-pick is accepted and recorded as an oversell.
func (m *AllocationManager) Pick(ctx context.Context, allocationId int, pickedQuantity int) (_ *PickResult, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.Pick",
		attribute.Int("allocation.id", allocationId), attribute.Int("quantity.picked", pickedQuantity))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if pickedQuantity < 0 {
		return nil, &ValidationError{Err: errors.New("picked_quantity: must be gte 0")}
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var allocation Allocation
	if err := findAllocation(m.db.WithContext(ctx), scope.OrganizationId, allocationId, &allocation); err != nil {
		return nil, classifyStoreError("Pick", err)
	}
	if allocation.BatchId == nil {
		return nil, allocationPrecondition(allocationId, "has no batch selected")
	}
	release, err := obtainLocks(ctx, m.locker, utils.BatchLockKey(scope.OrganizationId, *allocation.BatchId))
	if err != nil {
		return nil, classifyStoreError("Pick", err)
	}
	defer release()

	result := &PickResult{}
	err = runInTx(ctx, m.db, "Pick", func(tx *gorm.DB) error {
		if err := findAllocation(tx, scope.OrganizationId, allocationId, &allocation); err != nil {
			return err
		}
		if allocation.Status != AllocationStatusAllocated {
			return allocationPrecondition(allocationId, "status is %s; only allocated holds can be picked", allocation.Status)
		}
		excess := pickedQuantity - allocation.Quantity
		if m.oversellCap > 0 && excess > m.oversellCap {
			return allocationPrecondition(allocationId, "pick exceeds allocation by %d, above the oversell cap of %d", excess, m.oversellCap)
		}

		batchId := *allocation.BatchId
		var batch Batch
		if err := lockBatch(tx, scope.OrganizationId, batchId, &batch); err != nil {
			return err
		}
		var counterSales int64
		if err := tx.Model(&InventoryEvent{}).
			Where("organization_id = ? AND batch_id = ? AND order_item_id = ? AND event_type = ?",
				scope.OrganizationId, batchId, allocation.OrderItemId, EventSale).
			Count(&counterSales).Error; err != nil {
			return err
		}
		if counterSales > 0 {
			return allocationPrecondition(allocationId, "order item %s was already sold from batch %d", allocation.OrderItemId, batchId)
		}
		if pickedQuantity > batch.CurrentQuantity {
			return &InsufficientBatchStockError{BatchId: batchId, Requested: pickedQuantity, Available: batch.CurrentQuantity}
		}
		newCurrent := batch.CurrentQuantity - pickedQuantity
		newReserved := max(0, batch.ReservedQuantity-allocation.Quantity)
		overrun := 0
		if newReserved > newCurrent {
			overrun = newReserved - newCurrent
			newReserved = newCurrent
		}
		if err := writeBatchQuantities(tx, &batch, newCurrent, newReserved); err != nil {
			return err
		}

		status := AllocationStatusPicked
		if pickedQuantity < allocation.Quantity {
			status = AllocationStatusShort
		}
		if err := transitionAllocation(tx, &allocation, AllocationStatusAllocated, map[string]interface{}{
			"status": status, "picked_quantity": pickedQuantity,
		}); err != nil {
			return err
		}
		allocation.Status, allocation.PickedQuantity = status, pickedQuantity

		picked, err := m.events.Append(tx, NewInventoryEvent{
			BatchId:        &batchId,
			AllocationId:   &allocation.ID,
			OrderItemId:    allocation.OrderItemId,
			ProductId:      &allocation.ProductId,
			Type:           EventBatchPicked,
			QuantityChange: -pickedQuantity,
			Payload:        &PickPayload{OrderItemId: allocation.OrderItemId, Allocated: allocation.Quantity, Picked: pickedQuantity},
		})
		if err != nil {
			return err
		}
		result.Events = append(result.Events, picked)

		if excess == 0 {
			return nil
		}
		discrepancy := &DiscrepancyPayload{
			OrderItemId: allocation.OrderItemId,
			Allocated:   allocation.Quantity,
			Picked:      pickedQuantity,
		}
		in := NewInventoryEvent{
			BatchId:      &batchId,
			AllocationId: &allocation.ID,
			OrderItemId:  allocation.OrderItemId,
			ProductId:    &allocation.ProductId,
			Payload:      discrepancy,
		}
		if excess < 0 {
			result.Shortage = -excess
			discrepancy.Difference = -excess
			in.Type, in.QuantityChange = EventShortageRecorded, -excess
		} else {
			result.Oversell = excess
			discrepancy.Difference = excess
			discrepancy.ReservedOverrun = overrun
			in.Type, in.QuantityChange = EventOversellRecorded, -excess
		}
		ev, err := m.events.Append(tx, in)
		if err != nil {
			return err
		}
		result.Events = append(result.Events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Oversell > 0 {
		config.LogWarning(m.logger, "allocationManager.go", "Pick", "oversell recorded", map[string]interface{}{
			"allocation_id": allocation.ID, "batch_id": *allocation.BatchId, "excess": result.Oversell,
		}, fmt.Sprintf("pick exceeded allocation by %d units", result.Oversell))
	}
	result.Allocation = &allocation
	return result, nil
}

// ReversePick undoes a pick: the picked units return to the batch and the original hold is restored.
func (m *AllocationManager) ReversePick(ctx context.Context, allocationId int) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.ReversePick", attribute.Int("allocation.id", allocationId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var allocation Allocation
	if err := findAllocation(m.db.WithContext(ctx), scope.OrganizationId, allocationId, &allocation); err != nil {
		return nil, classifyStoreError("ReversePick", err)
	}
	if allocation.BatchId == nil {
		return nil, allocationPrecondition(allocationId, "has no batch selected")
	}
	release, err := obtainLocks(ctx, m.locker, utils.BatchLockKey(scope.OrganizationId, *allocation.BatchId))
	if err != nil {
		return nil, classifyStoreError("ReversePick", err)
	}
	defer release()

	err = runInTx(ctx, m.db, "ReversePick", func(tx *gorm.DB) error {
		if err := findAllocation(tx, scope.OrganizationId, allocationId, &allocation); err != nil {
			return err
		}
		previous := allocation.Status
		if previous != AllocationStatusPicked && previous != AllocationStatusShort {
			return allocationPrecondition(allocationId, "status is %s; only picked or short allocations can be reversed", previous)
		}
		batchId := *allocation.BatchId
		var batch Batch
		if err := lockBatch(tx, scope.OrganizationId, batchId, &batch); err != nil {
			return err
		}
		picked := allocation.PickedQuantity
		newCurrent := batch.CurrentQuantity + picked
		if newCurrent > batch.InitialQuantity {
			return batchPrecondition(batchId, "restoring %d units would exceed the initial quantity %d", picked, batch.InitialQuantity)
		}
		newReserved := batch.ReservedQuantity + allocation.Quantity
		if newReserved > newCurrent {
			return &InsufficientBatchStockError{BatchId: batchId, Requested: allocation.Quantity, Available: max(0, newCurrent-batch.ReservedQuantity)}
		}
		if err := writeBatchQuantities(tx, &batch, newCurrent, newReserved); err != nil {
			return err
		}
		if err := transitionAllocation(tx, &allocation, previous, map[string]interface{}{
			"status": AllocationStatusAllocated, "picked_quantity": 0,
		}); err != nil {
			return err
		}
		allocation.Status, allocation.PickedQuantity = AllocationStatusAllocated, 0

		_, err := m.events.Append(tx, NewInventoryEvent{
			BatchId:        &batchId,
			AllocationId:   &allocation.ID,
			OrderItemId:    allocation.OrderItemId,
			ProductId:      &allocation.ProductId,
			Type:           EventBatchPickReversed,
			QuantityChange: picked,
			Payload:        &PickPayload{OrderItemId: allocation.OrderItemId, Allocated: allocation.Quantity, Picked: picked},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// Ship marks a picked allocation as having left the nursery.
func (m *AllocationManager) Ship(ctx context.Context, allocationId int) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.Ship", attribute.Int("allocation.id", allocationId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var allocation Allocation
	err = runInTx(ctx, m.db, "Ship", func(tx *gorm.DB) error {
		if err := findAllocation(tx, scope.OrganizationId, allocationId, &allocation); err != nil {
			return err
		}
		previous := allocation.Status
		if previous != AllocationStatusPicked && previous != AllocationStatusShort {
			return allocationPrecondition(allocationId, "status is %s; only picked allocations can ship", previous)
		}
		if err := transitionAllocation(tx, &allocation, previous, map[string]interface{}{"status": AllocationStatusShipped}); err != nil {
			return err
		}
		allocation.Status = AllocationStatusShipped
		_, err := m.events.Append(tx, NewInventoryEvent{
			BatchId:      allocation.BatchId,
			AllocationId: &allocation.ID,
			OrderItemId:  allocation.OrderItemId,
			ProductId:    &allocation.ProductId,
			Type:         EventBatchShipped,
			Payload:      &PickPayload{OrderItemId: allocation.OrderItemId, Allocated: allocation.Quantity, Picked: allocation.PickedQuantity},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

type QualityOutcomeInput struct {
	Outcome QualityOutcome `json:"outcome" validate:"required,oneof=damaged replaced"`
	Reason  string         `json:"reason" validate:"max=255"`
}

// RecordQualityOutcome closes out a picked or shipped allocation as damaged or replaced.
// Stock already left the batch at pick time, so the event carries no quantity.
func (m *AllocationManager) RecordQualityOutcome(ctx context.Context, allocationId int, input QualityOutcomeInput) (_ *Allocation, err error) {
	ctx, span := startSpan(ctx, "AllocationManager.RecordQualityOutcome", attribute.Int("allocation.id", allocationId))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var allocation Allocation
	err = runInTx(ctx, m.db, "RecordQualityOutcome", func(tx *gorm.DB) error {
		if err := findAllocation(tx, scope.OrganizationId, allocationId, &allocation); err != nil {
			return err
		}
		previous := allocation.Status
		switch previous {
		case AllocationStatusPicked, AllocationStatusShort, AllocationStatusShipped:
		default:
			return allocationPrecondition(allocationId, "status is %s; only picked or shipped allocations take a quality outcome", previous)
		}
		next := AllocationStatus(input.Outcome)
		if err := transitionAllocation(tx, &allocation, previous, map[string]interface{}{"status": next}); err != nil {
			return err
		}
		allocation.Status = next
		_, err := m.events.Append(tx, NewInventoryEvent{
			BatchId:      allocation.BatchId,
			AllocationId: &allocation.ID,
			OrderItemId:  allocation.OrderItemId,
			ProductId:    &allocation.ProductId,
			Type:         EventManualAdjustment,
			Payload: &AdjustmentPayload{
				Reason:           input.Reason,
				Outcome:          input.Outcome,
				PreviousQuantity: allocation.PickedQuantity,
				NewQuantity:      allocation.PickedQuantity,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// GetAllocation loads one allocation in the caller's organization.
func (m *AllocationManager) GetAllocation(ctx context.Context, allocationId int) (*Allocation, error) {
	orgId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	var allocation Allocation
	if err := findAllocation(m.db.WithContext(ctx), orgId, allocationId, &allocation); err != nil {
		return nil, classifyStoreError("GetAllocation", err)
	}
	return &allocation, nil
}

func findAllocation(tx *gorm.DB, orgId string, id int, out *Allocation) error {
	err := tx.Where("id = ? AND organization_id = ?", id, orgId).First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("allocation %d: %w", id, ErrRecordNotFound)
	}
	return err
}

func findBatch(tx *gorm.DB, orgId string, id int, out *Batch) error {
	err := tx.Where("id = ? AND organization_id = ?", id, orgId).First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("batch %d: %w", id, ErrRecordNotFound)
	}
	return err
}

// lockBatch reads the batch row under SELECT ... FOR UPDATE.
func lockBatch(tx *gorm.DB, orgId string, id int, out *Batch) error {
	return findBatch(tx.Clauses(clause.Locking{Strength: "UPDATE"}), orgId, id, out)
}

// writeBatchQuantities stores quantities computed from a locked read, guarded on the values that were read.
func writeBatchQuantities(tx *gorm.DB, batch *Batch, current, reserved int) error {
	if current < 0 || reserved < 0 || reserved > current || current > batch.InitialQuantity {
		return batchPrecondition(batch.ID, "quantities current=%d reserved=%d would break batch bounds", current, reserved)
	}
	res := tx.Model(&Batch{}).
		Where("id = ? AND organization_id = ? AND current_quantity = ? AND reserved_quantity = ?",
			batch.ID, batch.OrganizationId, batch.CurrentQuantity, batch.ReservedQuantity).
		UpdateColumns(map[string]interface{}{
			"current_quantity":  current,
			"reserved_quantity": reserved,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &PersistenceError{Op: "writeBatchQuantities", Err: fmt.Errorf("batch %d changed underneath a locked read", batch.ID)}
	}
	batch.CurrentQuantity, batch.ReservedQuantity = current, reserved
	return nil
}

// transitionAllocation applies changes only while the allocation is still in status from.
func transitionAllocation(tx *gorm.DB, allocation *Allocation, from AllocationStatus, changes map[string]interface{}) error {
	res := tx.Model(&Allocation{}).
		Where("id = ? AND organization_id = ? AND status = ?", allocation.ID, allocation.OrganizationId, from).
		Updates(changes)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return allocationPrecondition(allocation.ID, "was changed by a concurrent request")
	}
	return nil
}
