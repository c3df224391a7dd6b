package models

import (
	"errors"
	"slices"
)

type BatchStatus string

const (
	BatchStatusPlanned  BatchStatus = "planned"
	BatchStatusIncoming BatchStatus = "incoming"
	BatchStatusGrowing  BatchStatus = "growing"
	BatchStatusReady    BatchStatus = "ready"
	BatchStatusShipped  BatchStatus = "shipped"
	BatchStatusDumped   BatchStatus = "dumped"
	BatchStatusArchived BatchStatus = "archived"
)

// SellableBatchStatuses are the statuses a batch must be in to take new holds.
var SellableBatchStatuses = []BatchStatus{BatchStatusGrowing, BatchStatusReady}

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPlanned, BatchStatusIncoming, BatchStatusGrowing, BatchStatusReady,
		BatchStatusShipped, BatchStatusDumped, BatchStatusArchived:
		return true
	}
	return false
}

func (s BatchStatus) IsSellable() bool {
	return slices.Contains(SellableBatchStatuses, s)
}

// IsPending reports whether the batch exists only on paper.
func (s BatchStatus) IsPending() bool {
	return s == BatchStatusPlanned || s == BatchStatusIncoming
}

var batchStatusTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPlanned:  {BatchStatusIncoming, BatchStatusArchived},
	BatchStatusIncoming: {BatchStatusArchived},
	BatchStatusGrowing:  {BatchStatusReady, BatchStatusShipped, BatchStatusDumped},
	BatchStatusReady:    {BatchStatusGrowing, BatchStatusShipped, BatchStatusDumped},
	BatchStatusShipped:  {BatchStatusArchived},
	BatchStatusDumped:   {BatchStatusArchived},
}

// CanTransitionTo covers manual status changes. Planned/incoming to growing only happens through actualization.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	return slices.Contains(batchStatusTransitions[s], next)
}

func (s *BatchStatus) UnmarshalText(b []byte) error {
	v := BatchStatus(b)
	if !v.IsValid() {
		return errors.New("invalid batch status")
	}
	*s = v
	return nil
}

type AllocationStatus string

const (
	// AllocationStatusReserved is a Tier 1 hold on the product with no batch.
	AllocationStatusReserved  AllocationStatus = "reserved"
	AllocationStatusAllocated AllocationStatus = "allocated"
	AllocationStatusPicked    AllocationStatus = "picked"
	AllocationStatusShort     AllocationStatus = "short"
	AllocationStatusShipped   AllocationStatus = "shipped"
	AllocationStatusDamaged   AllocationStatus = "damaged"
	AllocationStatusReplaced  AllocationStatus = "replaced"
	AllocationStatusCancelled AllocationStatus = "cancelled"
)

// SoldAllocationStatuses are the statuses whose picked quantity has left the batch.
var SoldAllocationStatuses = []AllocationStatus{
	AllocationStatusPicked, AllocationStatusShort, AllocationStatusShipped,
	AllocationStatusDamaged, AllocationStatusReplaced,
}

func (s AllocationStatus) IsValid() bool {
	switch s {
	case AllocationStatusReserved, AllocationStatusAllocated, AllocationStatusPicked, AllocationStatusShort,
		AllocationStatusShipped, AllocationStatusDamaged, AllocationStatusReplaced, AllocationStatusCancelled:
		return true
	}
	return false
}

func (s AllocationStatus) IsSold() bool {
	return slices.Contains(SoldAllocationStatuses, s)
}

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

type QualityOutcome string

const (
	QualityOutcomeDamaged  QualityOutcome = "damaged"
	QualityOutcomeReplaced QualityOutcome = "replaced"
)

type EventType string

// Allocation-level events.
const (
	EventProductReserved   EventType = "PRODUCT_RESERVED"
	EventProductUnreserved EventType = "PRODUCT_UNRESERVED"
	EventBatchAllocated    EventType = "BATCH_ALLOCATED"
	EventBatchDeallocated  EventType = "BATCH_DEALLOCATED"
	EventBatchPicked       EventType = "BATCH_PICKED"
	EventBatchPickReversed EventType = "BATCH_PICK_REVERSED"
	EventBatchShipped      EventType = "BATCH_SHIPPED"
	EventShortageRecorded  EventType = "SHORTAGE_RECORDED"
	EventOversellRecorded  EventType = "OVERSELL_RECORDED"
	EventManualAdjustment  EventType = "MANUAL_ADJUSTMENT"
)

// Batch lifecycle events.
const (
	EventCheckedIn     EventType = "CHECKED_IN"
	EventActualized    EventType = "ACTUALIZED"
	EventLoss          EventType = "LOSS"
	EventDump          EventType = "DUMP"
	EventTransplantOut EventType = "TRANSPLANT_OUT"
	EventTransplantIn  EventType = "TRANSPLANT_IN"
	EventMove          EventType = "MOVE"
	EventConsumed      EventType = "CONSUMED"
	EventSale          EventType = "SALE"
	EventPlanReserved  EventType = "PLAN_RESERVED"
	EventPlanReleased  EventType = "PLAN_RELEASED"
	EventStatusChanged EventType = "STATUS_CHANGED"
)

// DumpEventTypes count toward a batch's dumped bucket.
var DumpEventTypes = []EventType{EventLoss, EventDump}

// OutboundTransferEventTypes count toward a batch's transplanted bucket.
var OutboundTransferEventTypes = []EventType{EventTransplantOut, EventMove, EventConsumed}

func (t EventType) IsValid() bool {
	_, ok := payloadFactories[t]
	return ok
}
