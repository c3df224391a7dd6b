package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// BatchLedger owns the batch lifecycle outside of order fulfilment: check-in, planning,
// losses, transplants, direct sales, corrections and status changes.
type BatchLedger struct {
	db     *gorm.DB
	events *EventLog
	locker utils.Locker
	logger *logrus.Logger
	now    func() time.Time
}

type BatchLedgerOption func(*BatchLedger)

func WithBatchLocker(locker utils.Locker) BatchLedgerOption {
	return func(l *BatchLedger) { l.locker = locker }
}

func WithBatchLogger(logger *logrus.Logger) BatchLedgerOption {
	return func(l *BatchLedger) { l.logger = logger }
}

func NewBatchLedger(db *gorm.DB, events *EventLog, opts ...BatchLedgerOption) *BatchLedger {
	l := &BatchLedger{
		db:     db,
		events: events,
		locker: utils.NoopLocker{},
		logger: config.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// lockedWrite takes the advisory lock for batchId and runs fn in a transaction.
func (l *BatchLedger) lockedWrite(ctx context.Context, op string, orgId string, batchId int, fn func(tx *gorm.DB) error) error {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	release, err := obtainLocks(ctx, l.locker, utils.BatchLockKey(orgId, batchId))
	if err != nil {
		return classifyStoreError(op, err)
	}
	defer release()
	return runInTx(ctx, l.db, op, fn)
}

type NewLocation struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (l *BatchLedger) CreateLocation(ctx context.Context, input NewLocation) (*Location, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	location := Location{OrganizationId: scope.OrganizationId, Name: strings.TrimSpace(input.Name)}
	if err := l.db.WithContext(ctx).Create(&location).Error; err != nil {
		return nil, classifyStoreError("CreateLocation", err)
	}
	return &location, nil
}

type NewGuidePlan struct {
	Name       string     `json:"name" validate:"required,max=100"`
	TargetDate *time.Time `json:"target_date"`
	Notes      string     `json:"notes"`
}

func (l *BatchLedger) CreateGuidePlan(ctx context.Context, input NewGuidePlan) (*GuidePlan, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	plan := GuidePlan{OrganizationId: scope.OrganizationId, Name: input.Name, TargetDate: input.TargetDate, Notes: input.Notes}
	if err := l.db.WithContext(ctx).Create(&plan).Error; err != nil {
		return nil, classifyStoreError("CreateGuidePlan", err)
	}
	return &plan, nil
}

type CheckInBatchInput struct {
	ProductId   int         `json:"product_id" validate:"required,gt=0"`
	BatchNumber string      `json:"batch_number" validate:"max=100"`
	VarietyName string      `json:"variety_name" validate:"max=100"`
	SizeId      *int        `json:"size_id"`
	LocationId  *int        `json:"location_id"`
	Quantity    int         `json:"quantity" validate:"required,gt=0"`
	PlantedAt   time.Time   `json:"planted_at" validate:"required"`
	Status      BatchStatus `json:"status" validate:"omitempty,oneof=incoming growing ready"`
	Notes       string      `json:"notes"`
}

// CheckInBatch records stock arriving at the nursery.
func (l *BatchLedger) CheckInBatch(ctx context.Context, input CheckInBatchInput) (_ *Batch, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.CheckInBatch", attribute.Int("product.id", input.ProductId))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	status := input.Status
	if status == "" {
		status = BatchStatusGrowing
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var batch Batch
	err = runInTx(ctx, l.db, "CheckInBatch", func(tx *gorm.DB) error {
		if err := checkLocation(tx, scope.OrganizationId, input.LocationId); err != nil {
			return err
		}
		batch = Batch{
			OrganizationId:  scope.OrganizationId,
			ProductId:       input.ProductId,
			BatchNumber:     input.BatchNumber,
			VarietyName:     input.VarietyName,
			SizeId:          input.SizeId,
			LocationId:      input.LocationId,
			Status:          status,
			InitialQuantity: input.Quantity,
			CurrentQuantity: input.Quantity,
			PlantedAt:       input.PlantedAt.UTC(),
			Notes:           input.Notes,
			CreatedBy:       scope.ActorId,
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		_, err := l.events.Append(tx, NewInventoryEvent{
			BatchId:        &batch.ID,
			ProductId:      &batch.ProductId,
			Type:           EventCheckedIn,
			QuantityChange: input.Quantity,
			Payload:        &CheckInPayload{BatchNumber: batch.BatchNumber, Status: status, LocationId: batch.LocationId},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func checkLocation(tx *gorm.DB, orgId string, locationId *int) error {
	if locationId == nil {
		return nil
	}
	var count int64
	if err := tx.Model(&Location{}).Where("id = ? AND organization_id = ?", *locationId, orgId).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("location %d: %w", *locationId, ErrRecordNotFound)
	}
	return nil
}

type PlanBatchInput struct {
	ParentBatchId   *int      `json:"parent_batch_id"`
	GuidePlanId     *int      `json:"guide_plan_id"`
	ProductId       int       `json:"product_id" validate:"required,gt=0"`
	BatchNumber     string    `json:"batch_number" validate:"max=100"`
	VarietyName     string    `json:"variety_name" validate:"max=100"`
	SizeId          *int      `json:"size_id"`
	LocationId      *int      `json:"location_id"`
	PlannedQuantity int       `json:"planned_quantity" validate:"required,gt=0"`
	PlannedDate     time.Time `json:"planned_date" validate:"required"`
	Notes           string    `json:"notes"`
}

type PlannedBatch struct {
	Plan  *BatchPlan `json:"plan"`
	Batch *Batch     `json:"batch"`
}

// PlanBatch creates a planned child batch. With a parent, the planned quantity is held on the
// parent until the child is actualized or the plan is cancelled.
func (l *BatchLedger) PlanBatch(ctx context.Context, input PlanBatchInput) (_ *PlannedBatch, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.PlanBatch", attribute.Int("quantity.planned", input.PlannedQuantity))
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

	var keys []string
	if input.ParentBatchId != nil {
		keys = append(keys, utils.BatchLockKey(scope.OrganizationId, *input.ParentBatchId))
	}
	release, err := obtainLocks(ctx, l.locker, keys...)
	if err != nil {
		return nil, classifyStoreError("PlanBatch", err)
	}
	defer release()

	out := &PlannedBatch{}
	err = runInTx(ctx, l.db, "PlanBatch", func(tx *gorm.DB) error {
		if err := checkLocation(tx, scope.OrganizationId, input.LocationId); err != nil {
			return err
		}
		if input.GuidePlanId != nil {
			var guide GuidePlan
			if err := tx.Where("id = ? AND organization_id = ?", *input.GuidePlanId, scope.OrganizationId).First(&guide).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("guide plan %d: %w", *input.GuidePlanId, ErrRecordNotFound)
				}
				return err
			}
		}
		if input.ParentBatchId != nil {
			var parent Batch
			if err := findBatch(tx, scope.OrganizationId, *input.ParentBatchId, &parent); err != nil {
				return err
			}
			if !parent.Status.IsSellable() {
				return batchPrecondition(parent.ID, "status is %s; only growing or ready batches can be planned from", parent.Status)
			}
			if err := holdBatchStock(tx, scope.OrganizationId, parent.ID, input.PlannedQuantity); err != nil {
				return err
			}
		}

		child := Batch{
			OrganizationId:  scope.OrganizationId,
			ProductId:       input.ProductId,
			BatchNumber:     input.BatchNumber,
			VarietyName:     input.VarietyName,
			SizeId:          input.SizeId,
			LocationId:      input.LocationId,
			ParentBatchId:   input.ParentBatchId,
			Status:          BatchStatusPlanned,
			InitialQuantity: input.PlannedQuantity,
			CurrentQuantity: input.PlannedQuantity,
			PlantedAt:       input.PlannedDate.UTC(),
			Notes:           input.Notes,
			CreatedBy:       scope.ActorId,
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}
		plan := BatchPlan{
			OrganizationId:  scope.OrganizationId,
			GuidePlanId:     input.GuidePlanId,
			ParentBatchId:   input.ParentBatchId,
			PlannedBatchId:  child.ID,
			PlannedQuantity: input.PlannedQuantity,
			PlannedDate:     input.PlannedDate.UTC(),
			Status:          PlanStatusActive,
			CreatedBy:       scope.ActorId,
		}
		if err := tx.Create(&plan).Error; err != nil {
			return err
		}
		out.Plan, out.Batch = &plan, &child

		if input.ParentBatchId == nil {
			return nil
		}
		_, err := l.events.Append(tx, NewInventoryEvent{
			BatchId:        input.ParentBatchId,
			ProductId:      &child.ProductId,
			Type:           EventPlanReserved,
			QuantityChange: -input.PlannedQuantity,
			Payload:        &PlanPayload{PlanId: plan.ID, PlannedBatchId: child.ID, GuidePlanId: input.GuidePlanId},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelPlan archives the planned child and releases the parent's hold.
func (l *BatchLedger) CancelPlan(ctx context.Context, planId int) (_ *BatchPlan, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.CancelPlan", attribute.Int("plan.id", planId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var plan BatchPlan
	if err := findPlan(l.db.WithContext(ctx), scope.OrganizationId, planId, &plan); err != nil {
		return nil, classifyStoreError("CancelPlan", err)
	}
	lockBatchId := plan.PlannedBatchId
	if plan.ParentBatchId != nil {
		lockBatchId = *plan.ParentBatchId
	}

	err = l.lockedWrite(ctx, "CancelPlan", scope.OrganizationId, lockBatchId, func(tx *gorm.DB) error {
		if err := findPlan(tx, scope.OrganizationId, planId, &plan); err != nil {
			return err
		}
		if plan.Status != PlanStatusActive {
			return &PreconditionFailedError{Entity: "plan", Id: planId, Reason: fmt.Sprintf("status is %s; only active plans can be cancelled", plan.Status)}
		}
		var child Batch
		if err := lockBatch(tx, scope.OrganizationId, plan.PlannedBatchId, &child); err != nil {
			return err
		}
		if !child.Status.IsPending() {
			return batchPrecondition(child.ID, "status is %s; the plan was already actualized", child.Status)
		}
		res := tx.Model(&BatchPlan{}).
			Where("id = ? AND organization_id = ? AND status = ?", plan.ID, scope.OrganizationId, PlanStatusActive).
			Updates(map[string]interface{}{"status": PlanStatusCancelled})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &PreconditionFailedError{Entity: "plan", Id: planId, Reason: "was changed by a concurrent request"}
		}
		plan.Status = PlanStatusCancelled

		if err := l.setStatus(tx, &child, BatchStatusArchived); err != nil {
			return err
		}
		if plan.ParentBatchId == nil {
			return nil
		}
		unbacked, err := releaseBatchHold(tx, scope.OrganizationId, *plan.ParentBatchId, plan.PlannedQuantity)
		if err != nil {
			return err
		}
		if unbacked > 0 {
			config.LogWarning(l.logger, "batchOperations.go", "CancelPlan", "releasing plan hold",
				map[string]interface{}{"plan_id": plan.ID, "batch_id": *plan.ParentBatchId, "unbacked": unbacked},
				fmt.Sprintf("%d planned units were already consumed by an over-pick", unbacked))
		}
		_, err = l.events.Append(tx, NewInventoryEvent{
			BatchId:        plan.ParentBatchId,
			ProductId:      &child.ProductId,
			Type:           EventPlanReleased,
			QuantityChange: plan.PlannedQuantity,
			Payload:        &PlanPayload{PlanId: plan.ID, PlannedBatchId: child.ID, GuidePlanId: plan.GuidePlanId},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func findPlan(tx *gorm.DB, orgId string, id int, out *BatchPlan) error {
	err := tx.Where("id = ? AND organization_id = ?", id, orgId).First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("plan %d: %w", id, ErrRecordNotFound)
	}
	return err
}

type LossKind string

const (
	LossKindLoss LossKind = "loss"
	LossKindDump LossKind = "dump"
)

type RecordLossInput struct {
	BatchId  int      `json:"batch_id" validate:"required,gt=0"`
	Quantity int      `json:"quantity" validate:"required,gt=0"`
	Kind     LossKind `json:"kind" validate:"required,oneof=loss dump"`
	Reason   string   `json:"reason" validate:"required,max=100"`
	Notes    string   `json:"notes"`
}

// RecordLoss writes off unheld stock. Held stock must be released before it can be written off.
func (l *BatchLedger) RecordLoss(ctx context.Context, input RecordLossInput) (_ *Batch, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.RecordLoss", attribute.Int("batch.id", input.BatchId), attribute.Int("quantity", input.Quantity))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var batch Batch
	err = l.lockedWrite(ctx, "RecordLoss", scope.OrganizationId, input.BatchId, func(tx *gorm.DB) error {
		if err := lockBatch(tx, scope.OrganizationId, input.BatchId, &batch); err != nil {
			return err
		}
		if batch.Status.IsPending() || batch.Status == BatchStatusArchived {
			return batchPrecondition(batch.ID, "status is %s; losses apply to stock on hand", batch.Status)
		}
		if input.Quantity > batch.AvailableQuantity() {
			return &InsufficientBatchStockError{BatchId: batch.ID, Requested: input.Quantity, Available: batch.AvailableQuantity()}
		}
		if err := writeBatchQuantities(tx, &batch, batch.CurrentQuantity-input.Quantity, batch.ReservedQuantity); err != nil {
			return err
		}
		eventType := EventLoss
		if input.Kind == LossKindDump {
			eventType = EventDump
		}
		_, err := l.events.Append(tx, NewInventoryEvent{
			BatchId:        &batch.ID,
			ProductId:      &batch.ProductId,
			Type:           eventType,
			QuantityChange: -input.Quantity,
			Payload:        &LossPayload{Reason: input.Reason, Notes: input.Notes},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

type TransferKind string

const (
	TransferKindTransplant TransferKind = "transplant"
	TransferKindMove       TransferKind = "move"
	TransferKindConsume    TransferKind = "consume"
)

type TransplantInput struct {
	ParentBatchId int          `json:"parent_batch_id" validate:"required,gt=0"`
	Quantity      int          `json:"quantity" validate:"required,gt=0"`
	Kind          TransferKind `json:"kind" validate:"omitempty,oneof=transplant move consume"`
	ProductId     int          `json:"product_id" validate:"gte=0"`
	BatchNumber   string       `json:"batch_number" validate:"max=100"`
	VarietyName   string       `json:"variety_name" validate:"max=100"`
	SizeId        *int         `json:"size_id"`
	LocationId    *int         `json:"location_id"`
	PlantedAt     *time.Time   `json:"planted_at"`
	Notes         string       `json:"notes"`
}

type TransplantResult struct {
	Parent *Batch `json:"parent"`
	Child  *Batch `json:"child"`
}

// Transplant moves unheld stock from a parent into a new growing child batch immediately.
func (l *BatchLedger) Transplant(ctx context.Context, input TransplantInput) (_ *TransplantResult, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.Transplant", attribute.Int("batch.id", input.ParentBatchId), attribute.Int("quantity", input.Quantity))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	kind := input.Kind
	if kind == "" {
		kind = TransferKindTransplant
	}
	outType := map[TransferKind]EventType{
		TransferKindTransplant: EventTransplantOut,
		TransferKindMove:       EventMove,
		TransferKindConsume:    EventConsumed,
	}[kind]

	out := &TransplantResult{}
	err = l.lockedWrite(ctx, "Transplant", scope.OrganizationId, input.ParentBatchId, func(tx *gorm.DB) error {
		var parent Batch
		if err := lockBatch(tx, scope.OrganizationId, input.ParentBatchId, &parent); err != nil {
			return err
		}
		if !parent.Status.IsSellable() {
			return batchPrecondition(parent.ID, "status is %s; only growing or ready batches can be transplanted", parent.Status)
		}
		if input.Quantity > parent.AvailableQuantity() {
			return &InsufficientBatchStockError{BatchId: parent.ID, Requested: input.Quantity, Available: parent.AvailableQuantity()}
		}
		if err := checkLocation(tx, scope.OrganizationId, input.LocationId); err != nil {
			return err
		}
		if err := writeBatchQuantities(tx, &parent, parent.CurrentQuantity-input.Quantity, parent.ReservedQuantity); err != nil {
			return err
		}

		child := Batch{
			OrganizationId:  scope.OrganizationId,
			ProductId:       parent.ProductId,
			BatchNumber:     input.BatchNumber,
			VarietyName:     parent.VarietyName,
			SizeId:          input.SizeId,
			LocationId:      parent.LocationId,
			ParentBatchId:   &parent.ID,
			Status:          BatchStatusGrowing,
			InitialQuantity: input.Quantity,
			CurrentQuantity: input.Quantity,
			PlantedAt:       l.now(),
			Notes:           input.Notes,
			CreatedBy:       scope.ActorId,
		}
		if input.ProductId > 0 {
			child.ProductId = input.ProductId
		}
		if input.VarietyName != "" {
			child.VarietyName = input.VarietyName
		}
		if input.LocationId != nil {
			child.LocationId = input.LocationId
		}
		if input.PlantedAt != nil {
			child.PlantedAt = input.PlantedAt.UTC()
		}
		if kind == TransferKindMove {
			// a move keeps the plants' age
			child.PlantedAt = parent.PlantedAt
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}

		if _, err := l.events.Append(tx, NewInventoryEvent{
			BatchId:        &parent.ID,
			ProductId:      &parent.ProductId,
			Type:           outType,
			QuantityChange: -input.Quantity,
			Payload:        &TransferPayload{CounterpartBatchId: child.ID, ToLocationId: child.LocationId},
		}); err != nil {
			return err
		}
		if _, err := l.events.Append(tx, NewInventoryEvent{
			BatchId:        &child.ID,
			ProductId:      &child.ProductId,
			Type:           EventTransplantIn,
			QuantityChange: input.Quantity,
			Payload:        &TransferPayload{CounterpartBatchId: parent.ID},
		}); err != nil {
			return err
		}
		out.Parent, out.Child = &parent, &child
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type RecordSaleInput struct {
	BatchId     int    `json:"batch_id" validate:"required,gt=0"`
	OrderItemId string `json:"order_item_id" validate:"required,max=64"`
	Quantity    int    `json:"quantity" validate:"required,gt=0"`
	CustomerRef string `json:"customer_ref" validate:"max=100"`
}

// RecordSale books a counter sale taken straight from a batch without an allocation.
// An order item can be sold from a batch once, either here or through a pick.
func (l *BatchLedger) RecordSale(ctx context.Context, input RecordSaleInput) (_ *InventoryEvent, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.RecordSale", attribute.Int("batch.id", input.BatchId), attribute.Int("quantity", input.Quantity))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var event *InventoryEvent
	err = l.lockedWrite(ctx, "RecordSale", scope.OrganizationId, input.BatchId, func(tx *gorm.DB) error {
		var batch Batch
		if err := lockBatch(tx, scope.OrganizationId, input.BatchId, &batch); err != nil {
			return err
		}
		if !batch.Status.IsSellable() {
			return batchPrecondition(batch.ID, "status is %s; batch cannot be sold from", batch.Status)
		}
		var picked int64
		if err := tx.Model(&Allocation{}).
			Where("organization_id = ? AND batch_id = ? AND order_item_id = ? AND status IN ?",
				scope.OrganizationId, batch.ID, input.OrderItemId, SoldAllocationStatuses).
			Count(&picked).Error; err != nil {
			return err
		}
		var sold int64
		if err := tx.Model(&InventoryEvent{}).
			Where("organization_id = ? AND batch_id = ? AND order_item_id = ? AND event_type = ?",
				scope.OrganizationId, batch.ID, input.OrderItemId, EventSale).
			Count(&sold).Error; err != nil {
			return err
		}
		if picked > 0 || sold > 0 {
			return batchPrecondition(batch.ID, "order item %s was already sold from this batch", input.OrderItemId)
		}
		if input.Quantity > batch.AvailableQuantity() {
			return &InsufficientBatchStockError{BatchId: batch.ID, Requested: input.Quantity, Available: batch.AvailableQuantity()}
		}
		if err := writeBatchQuantities(tx, &batch, batch.CurrentQuantity-input.Quantity, batch.ReservedQuantity); err != nil {
			return err
		}
		var err error
		event, err = l.events.Append(tx, NewInventoryEvent{
			BatchId:        &batch.ID,
			OrderItemId:    input.OrderItemId,
			ProductId:      &batch.ProductId,
			Type:           EventSale,
			QuantityChange: -input.Quantity,
			Payload:        &SalePayload{OrderItemId: input.OrderItemId, CustomerRef: input.CustomerRef},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

type AdjustQuantityInput struct {
	BatchId int    `json:"batch_id" validate:"required,gt=0"`
	Delta   int    `json:"delta" validate:"required,ne=0"`
	Reason  string `json:"reason" validate:"required,max=100"`
}

// AdjustQuantity corrects a stock count. The result must stay within [reserved, initial].
func (l *BatchLedger) AdjustQuantity(ctx context.Context, input AdjustQuantityInput) (_ *Batch, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.AdjustQuantity", attribute.Int("batch.id", input.BatchId), attribute.Int("delta", input.Delta))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var batch Batch
	err = l.lockedWrite(ctx, "AdjustQuantity", scope.OrganizationId, input.BatchId, func(tx *gorm.DB) error {
		if err := lockBatch(tx, scope.OrganizationId, input.BatchId, &batch); err != nil {
			return err
		}
		if batch.Status == BatchStatusArchived {
			return batchPrecondition(batch.ID, "archived batches cannot be adjusted")
		}
		previous := batch.CurrentQuantity
		next := previous + input.Delta
		if next < batch.ReservedQuantity {
			return &InsufficientBatchStockError{BatchId: batch.ID, Requested: -input.Delta, Available: batch.AvailableQuantity()}
		}
		if next > batch.InitialQuantity {
			return batchPrecondition(batch.ID, "adjusted quantity %d would exceed the initial quantity %d", next, batch.InitialQuantity)
		}
		if err := writeBatchQuantities(tx, &batch, next, batch.ReservedQuantity); err != nil {
			return err
		}
		_, err := l.events.Append(tx, NewInventoryEvent{
			BatchId:        &batch.ID,
			ProductId:      &batch.ProductId,
			Type:           EventManualAdjustment,
			QuantityChange: input.Delta,
			Payload:        &AdjustmentPayload{Reason: input.Reason, PreviousQuantity: previous, NewQuantity: next},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

type ChangeStatusInput struct {
	Status BatchStatus `json:"status" validate:"required,oneof=incoming ready growing shipped dumped archived"`
}

// ChangeStatus moves a batch along its lifecycle. Archived batches are frozen,
// and a batch with outstanding holds cannot leave the sellable states.
func (l *BatchLedger) ChangeStatus(ctx context.Context, batchId int, input ChangeStatusInput) (_ *Batch, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.ChangeStatus", attribute.Int("batch.id", batchId), attribute.String("status", string(input.Status)))
	defer func() { endSpan(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var batch Batch
	err = l.lockedWrite(ctx, "ChangeStatus", scope.OrganizationId, batchId, func(tx *gorm.DB) error {
		if err := lockBatch(tx, scope.OrganizationId, batchId, &batch); err != nil {
			return err
		}
		if !batch.Status.CanTransitionTo(input.Status) {
			return batchPrecondition(batch.ID, "cannot change status from %s to %s", batch.Status, input.Status)
		}
		if !input.Status.IsSellable() && batch.ReservedQuantity > 0 {
			return batchPrecondition(batch.ID, "%d units are still held", batch.ReservedQuantity)
		}
		return l.setStatus(tx, &batch, input.Status)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (l *BatchLedger) setStatus(tx *gorm.DB, batch *Batch, next BatchStatus) error {
	previous := batch.Status
	res := tx.Model(&Batch{}).
		Where("id = ? AND organization_id = ? AND status = ?", batch.ID, batch.OrganizationId, previous).
		UpdateColumns(map[string]interface{}{"status": next, "updated_at": l.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return batchPrecondition(batch.ID, "was changed by a concurrent request")
	}
	batch.Status = next
	_, err := l.events.Append(tx, NewInventoryEvent{
		BatchId:   &batch.ID,
		ProductId: &batch.ProductId,
		Type:      EventStatusChanged,
		Payload:   &StatusPayload{From: previous, To: next},
	})
	return err
}

// RebuildReservedQuantity recomputes the reserved cache from active holds and plans.
func (l *BatchLedger) RebuildReservedQuantity(ctx context.Context, batchId int) (_ *Batch, err error) {
	ctx, span := startSpan(ctx, "BatchLedger.RebuildReservedQuantity", attribute.Int("batch.id", batchId))
	defer func() { endSpan(span, err) }()

	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var batch Batch
	err = l.lockedWrite(ctx, "RebuildReservedQuantity", scope.OrganizationId, batchId, func(tx *gorm.DB) error {
		if err := lockBatch(tx, scope.OrganizationId, batchId, &batch); err != nil {
			return err
		}
		derived, err := derivedReserved(tx, scope.OrganizationId, batchId)
		if err != nil {
			return err
		}
		if derived > batch.CurrentQuantity {
			// holds an over-pick consumed stay on their allocations until they are picked or released
			config.LogWarning(l.logger, "batchOperations.go", "RebuildReservedQuantity", "deriving reserved quantity",
				map[string]interface{}{"batch_id": batch.ID, "holds": derived, "on_hand": batch.CurrentQuantity},
				fmt.Sprintf("holds exceed stock on hand by %d units", derived-batch.CurrentQuantity))
			derived = batch.CurrentQuantity
		}
		if derived == batch.ReservedQuantity {
			return nil
		}
		previous := batch.ReservedQuantity
		if err := writeBatchQuantities(tx, &batch, batch.CurrentQuantity, derived); err != nil {
			return err
		}
		config.LogWarning(l.logger, "batchOperations.go", "RebuildReservedQuantity", "reserved cache drift corrected",
			map[string]interface{}{"batch_id": batch.ID, "previous": previous, "derived": derived}, "reserved quantity rebuilt")
		_, err = l.events.Append(tx, NewInventoryEvent{
			BatchId:   &batch.ID,
			ProductId: &batch.ProductId,
			Type:      EventManualAdjustment,
			Payload: &AdjustmentPayload{
				Reason:           "reserved cache rebuild",
				PreviousQuantity: batch.CurrentQuantity,
				NewQuantity:      batch.CurrentQuantity,
				PreviousReserved: intPtr(previous),
				NewReserved:      intPtr(derived),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// derivedReserved is the sum of active batch holds and active plans drawing on the batch.
func derivedReserved(tx *gorm.DB, orgId string, batchId int) (int, error) {
	var sales, potting int
	if err := tx.Model(&Allocation{}).Select("COALESCE(SUM(quantity), 0)").
		Where("organization_id = ? AND batch_id = ? AND status = ?", orgId, batchId, AllocationStatusAllocated).
		Scan(&sales).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&BatchPlan{}).Select("COALESCE(SUM(planned_quantity), 0)").
		Where("organization_id = ? AND parent_batch_id = ? AND status = ?", orgId, batchId, PlanStatusActive).
		Scan(&potting).Error; err != nil {
		return 0, err
	}
	return sales + potting, nil
}

// GetBatch loads one batch in the caller's organization.
func (l *BatchLedger) GetBatch(ctx context.Context, batchId int) (*Batch, error) {
	orgId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	var batch Batch
	if err := findBatch(l.db.WithContext(ctx), orgId, batchId, &batch); err != nil {
		return nil, classifyStoreError("GetBatch", err)
	}
	return &batch, nil
}

type BatchListFilter struct {
	ProductId *int        `form:"product_id"`
	Status    BatchStatus `form:"status"`
}

func (l *BatchLedger) ListBatches(ctx context.Context, filter BatchListFilter) ([]*Batch, error) {
	if orgId, ok := utils.GetOrganizationIdFromContext(ctx); !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	// the tenant guard scopes the listing to the context organization
	q := l.db.WithContext(ctx).Model(&Batch{})
	if filter.ProductId != nil {
		q = q.Where("product_id = ?", *filter.ProductId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var batches []*Batch
	if err := q.Order("planted_at ASC, id ASC").Find(&batches).Error; err != nil {
		return nil, classifyStoreError("ListBatches", err)
	}
	return batches, nil
}
