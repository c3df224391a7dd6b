package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InventoryEvent is one immutable row of the inventory ledger.
// QuantityChange is negative when stock or availability is consumed and positive when it is released.
type InventoryEvent struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EventKey       string         `gorm:"size:36;not null;uniqueIndex" json:"event_key"`
	OrganizationId string         `gorm:"size:64;not null;index:idx_event_batch,priority:1;index:idx_event_order_item,priority:1" json:"organization_id"`
	BatchId        *int           `gorm:"index:idx_event_batch,priority:2" json:"batch_id"`
	AllocationId   *int           `gorm:"index" json:"allocation_id"`
	OrderItemId    string         `gorm:"size:64;index:idx_event_order_item,priority:2" json:"order_item_id"`
	ProductId      *int           `gorm:"index" json:"product_id"`
	EventType      EventType      `gorm:"size:40;not null;index" json:"event_type"`
	QuantityChange int            `gorm:"not null" json:"quantity_change"`
	ActorId        string         `gorm:"size:64;not null" json:"actor_id"`
	CorrelationId  string         `gorm:"size:64;index" json:"correlation_id"`
	OccurredAt     time.Time      `gorm:"not null;index:idx_event_batch,priority:3;index:idx_event_order_item,priority:3" json:"occurred_at"`
	Metadata       datatypes.JSON `json:"metadata"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (e *InventoryEvent) BeforeCreate(tx *gorm.DB) error {
	if !e.EventType.IsValid() {
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if e.OrganizationId == "" || e.ActorId == "" {
		return ErrMissingScope
	}
	if e.BatchId == nil && e.ProductId == nil {
		return fmt.Errorf("%s event needs a batch or a product", e.EventType)
	}
	if _, err := e.Payload(); err != nil {
		return err
	}
	return nil
}

func (e *InventoryEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrEventImmutable
}

func (e *InventoryEvent) BeforeDelete(tx *gorm.DB) error {
	return ErrEventImmutable
}

// Payload decodes Metadata into the payload type registered for the event's type.
func (e *InventoryEvent) Payload() (EventPayload, error) {
	factory, ok := payloadFactories[e.EventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", e.EventType)
	}
	p := factory()
	if len(e.Metadata) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Metadata, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return p, nil
}

// EventPayload is the closed set of typed metadata shapes an event may carry.
type EventPayload interface {
	isEventPayload()
}

// AllocationPayload is carried by reservation and batch-hold events.
type AllocationPayload struct {
	OrderItemId string `json:"order_item_id"`
	ProductId   int    `json:"product_id"`
	Quantity    int    `json:"quantity"`
	Tier        int    `json:"tier"`
	Backorder   bool   `json:"backorder,omitempty"`
	// Unbacked is the part of a released batch hold an earlier over-pick had already consumed.
	Unbacked int `json:"unbacked,omitempty"`
}

// PickPayload is carried by pick, pick reversal and shipment events.
type PickPayload struct {
	OrderItemId string `json:"order_item_id"`
	Allocated   int    `json:"allocated"`
	Picked      int    `json:"picked"`
}

// DiscrepancyPayload records how far a pick deviated from its allocation.
// ReservedOverrun is how many units of other holds the pick consumed.
type DiscrepancyPayload struct {
	OrderItemId     string `json:"order_item_id"`
	Allocated       int    `json:"allocated"`
	Picked          int    `json:"picked"`
	Difference      int    `json:"difference"`
	ReservedOverrun int    `json:"reserved_overrun,omitempty"`
}

type AdjustmentPayload struct {
	Reason           string         `json:"reason"`
	Outcome          QualityOutcome `json:"outcome,omitempty"`
	PreviousQuantity int            `json:"previous_quantity"`
	NewQuantity      int            `json:"new_quantity"`
	PreviousReserved *int           `json:"previous_reserved,omitempty"`
	NewReserved      *int           `json:"new_reserved,omitempty"`
}

type CheckInPayload struct {
	BatchNumber string      `json:"batch_number"`
	Status      BatchStatus `json:"status"`
	LocationId  *int        `json:"location_id,omitempty"`
}

type LossPayload struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes,omitempty"`
}

// TransferPayload links a stock movement to the batch on the other side.
type TransferPayload struct {
	CounterpartBatchId int  `json:"counterpart_batch_id"`
	PlanId             *int `json:"plan_id,omitempty"`
	ToLocationId       *int `json:"to_location_id,omitempty"`
}

type SalePayload struct {
	OrderItemId string `json:"order_item_id"`
	CustomerRef string `json:"customer_ref,omitempty"`
}

type PlanPayload struct {
	PlanId         int  `json:"plan_id"`
	PlannedBatchId int  `json:"planned_batch_id"`
	GuidePlanId    *int `json:"guide_plan_id,omitempty"`
}

type ActualizedPayload struct {
	PreviousStatus  BatchStatus `json:"previous_status"`
	PlannedQuantity int         `json:"planned_quantity"`
	ActualQuantity  int         `json:"actual_quantity"`
	QuantityDiff    int         `json:"quantity_diff"`
	ActualDate      time.Time   `json:"actual_date"`
	LocationId      *int        `json:"location_id,omitempty"`
	PlanId          *int        `json:"plan_id,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

type StatusPayload struct {
	From BatchStatus `json:"from"`
	To   BatchStatus `json:"to"`
}

func (*AllocationPayload) isEventPayload()  {}
func (*PickPayload) isEventPayload()        {}
func (*DiscrepancyPayload) isEventPayload() {}
func (*AdjustmentPayload) isEventPayload()  {}
func (*CheckInPayload) isEventPayload()     {}
func (*LossPayload) isEventPayload()        {}
func (*TransferPayload) isEventPayload()    {}
func (*SalePayload) isEventPayload()        {}
func (*PlanPayload) isEventPayload()        {}
func (*ActualizedPayload) isEventPayload()  {}
func (*StatusPayload) isEventPayload()      {}

var payloadFactories = map[EventType]func() EventPayload{
	EventProductReserved:   func() EventPayload { return &AllocationPayload{} },
	EventProductUnreserved: func() EventPayload { return &AllocationPayload{} },
	EventBatchAllocated:    func() EventPayload { return &AllocationPayload{} },
	EventBatchDeallocated:  func() EventPayload { return &AllocationPayload{} },
	EventBatchPicked:       func() EventPayload { return &PickPayload{} },
	EventBatchPickReversed: func() EventPayload { return &PickPayload{} },
	EventBatchShipped:      func() EventPayload { return &PickPayload{} },
	EventShortageRecorded:  func() EventPayload { return &DiscrepancyPayload{} },
	EventOversellRecorded:  func() EventPayload { return &DiscrepancyPayload{} },
	EventManualAdjustment:  func() EventPayload { return &AdjustmentPayload{} },
	EventCheckedIn:         func() EventPayload { return &CheckInPayload{} },
	EventActualized:        func() EventPayload { return &ActualizedPayload{} },
	EventLoss:              func() EventPayload { return &LossPayload{} },
	EventDump:              func() EventPayload { return &LossPayload{} },
	EventTransplantOut:     func() EventPayload { return &TransferPayload{} },
	EventTransplantIn:      func() EventPayload { return &TransferPayload{} },
	EventMove:              func() EventPayload { return &TransferPayload{} },
	EventConsumed:          func() EventPayload { return &TransferPayload{} },
	EventSale:              func() EventPayload { return &SalePayload{} },
	EventPlanReserved:      func() EventPayload { return &PlanPayload{} },
	EventPlanReleased:      func() EventPayload { return &PlanPayload{} },
	EventStatusChanged:     func() EventPayload { return &StatusPayload{} },
}

// checkPayload rejects a payload whose shape does not belong to eventType.
func checkPayload(eventType EventType, payload EventPayload) error {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return fmt.Errorf("unknown event type %q", eventType)
	}
	if payload == nil {
		return fmt.Errorf("%s event requires a payload", eventType)
	}
	want := reflect.TypeOf(factory())
	if got := reflect.TypeOf(payload); got != want {
		return fmt.Errorf("%s event takes %s, got %s", eventType, want.Elem().Name(), got)
	}
	return nil
}
