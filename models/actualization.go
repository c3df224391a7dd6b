package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type MaterialConsumptionRequest struct {
	OrganizationId string `json:"organization_id"`
	ActorId        string `json:"actor_id"`
	BatchId        int    `json:"batch_id"`
	ProductId      int    `json:"product_id"`
	SizeId         *int   `json:"size_id,omitempty"`
	LocationId     *int   `json:"location_id,omitempty"`
	Quantity       int    `json:"quantity"`
	AllowPartial   bool   `json:"allow_partial"`
}

type MaterialTransaction struct {
	MaterialId   string          `json:"material_id"`
	MaterialName string          `json:"material_name"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
}

type MaterialShortage struct {
	MaterialId   string          `json:"material_id"`
	MaterialName string          `json:"material_name"`
	Required     decimal.Decimal `json:"required"`
	Available    decimal.Decimal `json:"available"`
}

type MaterialConsumptionResponse struct {
	Success      bool                  `json:"success"`
	Transactions []MaterialTransaction `json:"transactions"`
	Shortages    []MaterialShortage    `json:"shortages"`
}

// MaterialConsumer draws down pots, soil and other materials a new batch uses.
type MaterialConsumer interface {
	Consume(ctx context.Context, req MaterialConsumptionRequest) (*MaterialConsumptionResponse, error)
}

type MaterialConsumptionOutcome struct {
	Attempted    bool                  `json:"attempted"`
	Success      bool                  `json:"success"`
	Transactions []MaterialTransaction `json:"transactions,omitempty"`
	Shortages    []MaterialShortage    `json:"shortages,omitempty"`
	Error        string                `json:"error,omitempty"`
}

type ActualizeInput struct {
	BatchId        int       `json:"batch_id" validate:"required,gt=0"`
	ActualQuantity int       `json:"actual_quantity" validate:"gte=0"`
	ActualDate     time.Time `json:"actual_date" validate:"required"`
	LocationId     *int      `json:"location_id"`
	Notes          string    `json:"notes"`
}

type ActualizationResult struct {
	BatchId             int                         `json:"batch_id"`
	PreviousStatus      BatchStatus                 `json:"previous_status"`
	NewStatus           BatchStatus                 `json:"new_status"`
	PlannedQuantity     int                         `json:"planned_quantity"`
	ActualQuantity      int                         `json:"actual_quantity"`
	QuantityDiff        int                         `json:"quantity_diff"`
	ParentBatchId       *int                        `json:"parent_batch_id,omitempty"`
	PlanId              *int                        `json:"plan_id,omitempty"`
	Batch               *Batch                      `json:"batch"`
	Events              []*InventoryEvent           `json:"events"`
	MaterialConsumption *MaterialConsumptionOutcome `json:"material_consumption,omitempty"`
	Warning             *MaterialConsumptionWarning `json:"warning,omitempty"`
}

// BatchActualizer turns planned or incoming batches into growing stock.
type BatchActualizer struct {
	db           *gorm.DB
	events       *EventLog
	locker       utils.Locker
	logger       *logrus.Logger
	materials    MaterialConsumer
	consume      bool
	allowPartial bool
}

type BatchActualizerOption func(*BatchActualizer)

// WithMaterialConsumer enables the post-commit material draw-down.
func WithMaterialConsumer(consumer MaterialConsumer, allowPartial bool) BatchActualizerOption {
	return func(a *BatchActualizer) {
		a.materials = consumer
		a.consume = consumer != nil
		a.allowPartial = allowPartial
	}
}

func WithActualizerLocker(locker utils.Locker) BatchActualizerOption {
	return func(a *BatchActualizer) { a.locker = locker }
}

func WithActualizerLogger(logger *logrus.Logger) BatchActualizerOption {
	return func(a *BatchActualizer) { a.logger = logger }
}

func NewBatchActualizer(db *gorm.DB, events *EventLog, opts ...BatchActualizerOption) *BatchActualizer {
	a := &BatchActualizer{
		db:     db,
		events: events,
		locker: utils.NoopLocker{},
		logger: config.GetLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Actualize records the real outcome of a planned batch. The child's new quantities, the parent's
// decrement, the plan completion and both events commit together or not at all.
// Material consumption runs after commit and can only produce a warning.
func (a *BatchActualizer) Actualize(ctx context.Context, input ActualizeInput) (_ *ActualizationResult, err error) {
	ctx, span := startSpan(ctx, "BatchActualizer.Actualize",
		attribute.Int("batch.id", input.BatchId), attribute.Int("quantity.actual", input.ActualQuantity))
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

	var child Batch
	if err := findBatch(a.db.WithContext(ctx), scope.OrganizationId, input.BatchId, &child); err != nil {
		return nil, classifyStoreError("Actualize", err)
	}
	keys := []string{utils.BatchLockKey(scope.OrganizationId, child.ID)}
	if child.ParentBatchId != nil {
		keys = append(keys, utils.BatchLockKey(scope.OrganizationId, *child.ParentBatchId))
	}
	release, err := obtainLocks(ctx, a.locker, keys...)
	if err != nil {
		return nil, classifyStoreError("Actualize", err)
	}
	defer release()

	result := &ActualizationResult{BatchId: input.BatchId, ActualQuantity: input.ActualQuantity}
	err = runInTx(ctx, a.db, "Actualize", func(tx *gorm.DB) error {
		return a.actualizeInTx(tx, scope, input, result)
	})
	if err != nil {
		return nil, err
	}

	if a.consume {
		a.consumeMaterials(ctx, scope, result)
	}
	return result, nil
}

func (a *BatchActualizer) actualizeInTx(tx *gorm.DB, scope Scope, input ActualizeInput, result *ActualizationResult) error {
	var child Batch
	if err := lockBatch(tx, scope.OrganizationId, input.BatchId, &child); err != nil {
		return err
	}
	if !child.Status.IsPending() {
		return batchPrecondition(child.ID, "status is %s; only planned or incoming batches can be actualized", child.Status)
	}
	if err := checkLocation(tx, scope.OrganizationId, input.LocationId); err != nil {
		return err
	}

	var plan *BatchPlan
	var found BatchPlan
	err := tx.Where("organization_id = ? AND planned_batch_id = ? AND status = ?", scope.OrganizationId, child.ID, PlanStatusActive).
		First(&found).Error
	switch {
	case err == nil:
		plan = &found
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	planned := child.CurrentQuantity
	if plan != nil {
		planned = plan.PlannedQuantity
		result.PlanId = &plan.ID
	}
	result.PreviousStatus = child.Status
	result.NewStatus = BatchStatusGrowing
	result.PlannedQuantity = planned
	result.QuantityDiff = input.ActualQuantity - planned
	result.ParentBatchId = child.ParentBatchId

	changes := map[string]interface{}{
		"status":            BatchStatusGrowing,
		"initial_quantity":  input.ActualQuantity,
		"current_quantity":  input.ActualQuantity,
		"reserved_quantity": 0,
		"planted_at":        input.ActualDate.UTC(),
		"actualized_at":     time.Now().UTC(),
		"updated_at":        time.Now().UTC(),
	}
	if input.LocationId != nil {
		changes["location_id"] = *input.LocationId
	}
	if notes := strings.TrimSpace(input.Notes); notes != "" {
		if child.Notes != "" {
			notes = child.Notes + "\n" + notes
		}
		changes["notes"] = notes
	}
	res := tx.Model(&Batch{}).
		Where("id = ? AND organization_id = ? AND status = ?", child.ID, scope.OrganizationId, child.Status).
		UpdateColumns(changes)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return batchPrecondition(child.ID, "was changed by a concurrent request")
	}

	// The parent gives up exactly the planned units it was holding for this child.
	if child.ParentBatchId != nil && plan != nil {
		var parent Batch
		if err := lockBatch(tx, scope.OrganizationId, *child.ParentBatchId, &parent); err != nil {
			return err
		}
		if parent.ReservedQuantity < planned || parent.CurrentQuantity < planned {
			return batchPrecondition(parent.ID, "holds %d reserved of %d on hand, cannot release %d planned for batch %d",
				parent.ReservedQuantity, parent.CurrentQuantity, planned, child.ID)
		}
		if err := writeBatchQuantities(tx, &parent, parent.CurrentQuantity-planned, parent.ReservedQuantity-planned); err != nil {
			return err
		}
		out, err := a.events.Append(tx, NewInventoryEvent{
			BatchId:        &parent.ID,
			ProductId:      &parent.ProductId,
			Type:           EventTransplantOut,
			QuantityChange: -planned,
			Payload:        &TransferPayload{CounterpartBatchId: child.ID, PlanId: result.PlanId},
		})
		if err != nil {
			return err
		}
		result.Events = append(result.Events, out)
	}

	if plan != nil {
		res := tx.Model(&BatchPlan{}).
			Where("id = ? AND organization_id = ? AND status = ?", plan.ID, scope.OrganizationId, PlanStatusActive).
			Updates(map[string]interface{}{"status": PlanStatusCompleted, "completed_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &PreconditionFailedError{Entity: "plan", Id: plan.ID, Reason: "was changed by a concurrent request"}
		}
	}

	ev, err := a.events.Append(tx, NewInventoryEvent{
		BatchId:        &child.ID,
		ProductId:      &child.ProductId,
		Type:           EventActualized,
		QuantityChange: input.ActualQuantity,
		Payload: &ActualizedPayload{
			PreviousStatus:  child.Status,
			PlannedQuantity: planned,
			ActualQuantity:  input.ActualQuantity,
			QuantityDiff:    result.QuantityDiff,
			ActualDate:      input.ActualDate.UTC(),
			LocationId:      input.LocationId,
			PlanId:          result.PlanId,
			Notes:           input.Notes,
		},
	})
	if err != nil {
		return err
	}
	result.Events = append(result.Events, ev)

	var updated Batch
	if err := findBatch(tx, scope.OrganizationId, child.ID, &updated); err != nil {
		return err
	}
	result.Batch = &updated
	return nil
}

func (a *BatchActualizer) consumeMaterials(ctx context.Context, scope Scope, result *ActualizationResult) {
	outcome := &MaterialConsumptionOutcome{Attempted: true}
	result.MaterialConsumption = outcome
	if result.ActualQuantity == 0 {
		outcome.Success = true
		return
	}
	batch := result.Batch
	resp, err := a.materials.Consume(ctx, MaterialConsumptionRequest{
		OrganizationId: scope.OrganizationId,
		ActorId:        scope.ActorId,
		BatchId:        batch.ID,
		ProductId:      batch.ProductId,
		SizeId:         batch.SizeId,
		LocationId:     batch.LocationId,
		Quantity:       result.ActualQuantity,
		AllowPartial:   a.allowPartial,
	})
	switch {
	case err != nil:
		outcome.Error = err.Error()
	case resp == nil:
		err = errors.New("empty response from material service")
		outcome.Error = err.Error()
	default:
		outcome.Success = resp.Success
		outcome.Transactions = resp.Transactions
		outcome.Shortages = resp.Shortages
		if !resp.Success {
			outcome.Error = fmt.Sprintf("%d material shortages", len(resp.Shortages))
		}
	}
	if outcome.Success {
		return
	}
	result.Warning = &MaterialConsumptionWarning{BatchId: batch.ID, Message: outcome.Error, Err: err}
	config.LogWarning(a.logger, "actualization.go", "consumeMaterials", "material consumption failed after actualization",
		map[string]interface{}{"batch_id": batch.ID, "quantity": result.ActualQuantity}, outcome.Error)
}

type ActualizationItemResult struct {
	BatchId int                  `json:"batch_id"`
	Success bool                 `json:"success"`
	Result  *ActualizationResult `json:"result,omitempty"`
	Error   string               `json:"error,omitempty"`
	Err     error                `json:"-"`
}

type ActualizationBatchResult struct {
	Results        []ActualizationItemResult `json:"results"`
	Errors         []string                  `json:"errors"`
	Succeeded      int                       `json:"succeeded"`
	Failed         int                       `json:"failed"`
	AllFailed      bool                      `json:"all_failed"`
	PartialSuccess bool                      `json:"partial_success"`
}

// ActualizeMany actualizes each batch in its own transaction and reports per batch.
// The returned error is set only when the context ends before every batch was attempted.
func (a *BatchActualizer) ActualizeMany(ctx context.Context, inputs []ActualizeInput) (*ActualizationBatchResult, error) {
	out := &ActualizationBatchResult{
		Results: make([]ActualizationItemResult, 0, len(inputs)),
		Errors:  []string{},
	}
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return out, classifyStoreError("ActualizeMany", err)
		}
		item := ActualizationItemResult{BatchId: input.BatchId}
		result, err := a.Actualize(ctx, input)
		if err != nil {
			item.Err, item.Error = err, err.Error()
			out.Errors = append(out.Errors, fmt.Sprintf("batch %d: %s", input.BatchId, err.Error()))
			out.Failed++
		} else {
			item.Success, item.Result = true, result
			out.Succeeded++
		}
		out.Results = append(out.Results, item)
	}
	out.AllFailed = len(inputs) > 0 && out.Succeeded == 0
	out.PartialSuccess = out.Succeeded > 0 && out.Failed > 0
	return out, nil
}
