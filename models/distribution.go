package models

import (
	"context"
	"fmt"
	"sort"

	"github.com/mmdatafocus/nursery_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type DistributionDetail struct {
	Reference    string    `json:"reference"`
	Quantity     int       `json:"quantity"`
	AllocationId *int      `json:"allocation_id,omitempty"`
	PlanId       *int      `json:"plan_id,omitempty"`
	ChildBatchId *int      `json:"child_batch_id,omitempty"`
	EventType    EventType `json:"event_type,omitempty"`
}

type DistributionBucket struct {
	Total   int                  `json:"total"`
	Details []DistributionDetail `json:"details"`
}

func (b *DistributionBucket) add(d DistributionDetail) {
	b.Total += d.Quantity
	b.Details = append(b.Details, d)
}

// Distribution accounts for every unit a batch started with.
// Without oversells, Available + AllocatedSales + AllocatedPotting + Sold + Dumped + Transplanted == InitialQuantity.
// Overcommitted is how far holds exceed stock on hand; Reconciled checks the identity net of it.
type Distribution struct {
	BatchId          int                `json:"batch_id"`
	Status           BatchStatus        `json:"status"`
	InitialQuantity  int                `json:"initial_quantity"`
	CurrentQuantity  int                `json:"current_quantity"`
	ReservedQuantity int                `json:"reserved_quantity"`
	Available        int                `json:"available"`
	AllocatedSales   DistributionBucket `json:"allocated_sales"`
	AllocatedPotting DistributionBucket `json:"allocated_potting"`
	Sold             DistributionBucket `json:"sold"`
	Dumped           DistributionBucket `json:"dumped"`
	Transplanted     DistributionBucket `json:"transplanted"`
	TotalAccounted   int                `json:"total_accounted"`
	Overcommitted    int                `json:"overcommitted"`
	Reconciled       bool               `json:"reconciled"`
}

// DistributionCalculator derives where a batch's stock went from allocations, plans and events.
// It never writes.
type DistributionCalculator struct {
	db *gorm.DB
}

func NewDistributionCalculator(db *gorm.DB) *DistributionCalculator {
	return &DistributionCalculator{db: db}
}

// ComputeDistribution reads everything inside one transaction so the buckets describe a single point in time.
func (c *DistributionCalculator) ComputeDistribution(ctx context.Context, batchId int) (_ *Distribution, err error) {
	ctx, span := startSpan(ctx, "DistributionCalculator.ComputeDistribution", attribute.Int("batch.id", batchId))
	defer func() { endSpan(span, err) }()

	orgId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var dist *Distribution
	err = runInTx(ctx, c.db, "ComputeDistribution", func(tx *gorm.DB) error {
		var err error
		dist, err = computeDistribution(tx, orgId, batchId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dist, nil
}

func computeDistribution(tx *gorm.DB, orgId string, batchId int) (*Distribution, error) {
	var batch Batch
	if err := findBatch(tx, orgId, batchId, &batch); err != nil {
		return nil, err
	}
	d := &Distribution{
		BatchId:          batch.ID,
		Status:           batch.Status,
		InitialQuantity:  batch.InitialQuantity,
		CurrentQuantity:  batch.CurrentQuantity,
		ReservedQuantity: batch.ReservedQuantity,
	}

	var allocations []Allocation
	if err := tx.Where("organization_id = ? AND batch_id = ?", orgId, batchId).Order("id ASC").Find(&allocations).Error; err != nil {
		return nil, err
	}
	soldOrderItems := map[string]bool{}
	for i := range allocations {
		a := allocations[i]
		switch {
		case a.Status == AllocationStatusAllocated:
			d.AllocatedSales.add(DistributionDetail{Reference: a.OrderItemId, Quantity: a.Quantity, AllocationId: &a.ID})
		case a.Status.IsSold():
			soldOrderItems[a.OrderItemId] = true
			if a.PickedQuantity > 0 {
				d.Sold.add(DistributionDetail{Reference: a.OrderItemId, Quantity: a.PickedQuantity, AllocationId: &a.ID})
			}
		}
	}

	var plans []BatchPlan
	if err := tx.Where("organization_id = ? AND parent_batch_id = ? AND status = ?", orgId, batchId, PlanStatusActive).
		Order("id ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	for i := range plans {
		p := plans[i]
		d.AllocatedPotting.add(DistributionDetail{
			Reference:    fmt.Sprintf("plan %d", p.ID),
			Quantity:     p.PlannedQuantity,
			PlanId:       &p.ID,
			ChildBatchId: &p.PlannedBatchId,
		})
	}

	var events []*InventoryEvent
	types := append([]EventType{EventSale, EventManualAdjustment}, DumpEventTypes...)
	types = append(types, OutboundTransferEventTypes...)
	if err := tx.Where("organization_id = ? AND batch_id = ? AND event_type IN ?", orgId, batchId, types).
		Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}

	children, err := childBatchIds(tx, orgId, batchId)
	if err != nil {
		return nil, err
	}

	dumped := map[string]int{}
	transplanted := map[int]*DistributionDetail{}
	var transplantOrder []int
	for _, e := range events {
		payload, err := e.Payload()
		if err != nil {
			return nil, err
		}
		switch p := payload.(type) {
		case *SalePayload:
			ref := e.OrderItemId
			if ref != "" && soldOrderItems[ref] {
				continue
			}
			if ref != "" {
				soldOrderItems[ref] = true
			}
			d.Sold.add(DistributionDetail{Reference: ref, Quantity: -e.QuantityChange, EventType: e.EventType})
		case *LossPayload:
			dumped[p.Reason] += -e.QuantityChange
		case *AdjustmentPayload:
			if e.QuantityChange != 0 {
				dumped["adjustment: "+p.Reason] += -e.QuantityChange
			}
		case *TransferPayload:
			key := p.CounterpartBatchId
			if !children[key] {
				key = 0
			}
			detail, ok := transplanted[key]
			if !ok {
				detail = &DistributionDetail{EventType: e.EventType}
				if key == 0 {
					detail.Reference = "unmatched"
				} else {
					detail.Reference = fmt.Sprintf("batch %d", key)
					detail.ChildBatchId = intPtr(key)
				}
				transplanted[key] = detail
				transplantOrder = append(transplantOrder, key)
			}
			detail.Quantity += -e.QuantityChange
		}
	}

	reasons := make([]string, 0, len(dumped))
	for reason := range dumped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		d.Dumped.add(DistributionDetail{Reference: reason, Quantity: dumped[reason]})
	}
	for _, key := range transplantOrder {
		d.Transplanted.add(*transplanted[key])
	}

	holds := d.AllocatedSales.Total + d.AllocatedPotting.Total
	d.Available = max(0, batch.CurrentQuantity-holds)
	d.Overcommitted = max(0, holds-batch.CurrentQuantity)
	d.TotalAccounted = d.Available + holds + d.Sold.Total + d.Dumped.Total + d.Transplanted.Total
	d.Reconciled = d.TotalAccounted-d.Overcommitted == batch.InitialQuantity
	return d, nil
}

func childBatchIds(tx *gorm.DB, orgId string, parentId int) (map[int]bool, error) {
	var ids []int
	if err := tx.Model(&Batch{}).Where("organization_id = ? AND parent_batch_id = ?", orgId, parentId).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// ConsistencyReport compares a batch's cached quantities with what its holds and events imply.
type ConsistencyReport struct {
	BatchId         int  `json:"batch_id"`
	CachedCurrent   int  `json:"cached_current"`
	DerivedCurrent  int  `json:"derived_current"`
	CachedReserved  int  `json:"cached_reserved"`
	DerivedReserved int  `json:"derived_reserved"`
	CurrentDrift    int  `json:"current_drift"`
	ReservedDrift   int  `json:"reserved_drift"`
	Overcommitted   int  `json:"overcommitted"`
	Reconciled      bool `json:"reconciled"`
	Consistent      bool `json:"consistent"`
}

func (c *DistributionCalculator) CheckConsistency(ctx context.Context, batchId int) (_ *ConsistencyReport, err error) {
	ctx, span := startSpan(ctx, "DistributionCalculator.CheckConsistency", attribute.Int("batch.id", batchId))
	defer func() { endSpan(span, err) }()

	orgId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var report *ConsistencyReport
	err = runInTx(ctx, c.db, "CheckConsistency", func(tx *gorm.DB) error {
		d, err := computeDistribution(tx, orgId, batchId)
		if err != nil {
			return err
		}
		derivedCurrent := d.InitialQuantity - d.Sold.Total - d.Dumped.Total - d.Transplanted.Total
		// the cache never exceeds stock on hand; holds beyond it show up as Overcommitted
		derivedReserved := min(d.AllocatedSales.Total+d.AllocatedPotting.Total, d.CurrentQuantity)
		report = &ConsistencyReport{
			BatchId:         batchId,
			CachedCurrent:   d.CurrentQuantity,
			DerivedCurrent:  derivedCurrent,
			CachedReserved:  d.ReservedQuantity,
			DerivedReserved: derivedReserved,
			CurrentDrift:    d.CurrentQuantity - derivedCurrent,
			ReservedDrift:   d.ReservedQuantity - derivedReserved,
			Overcommitted:   d.Overcommitted,
			Reconciled:      d.Reconciled,
		}
		report.Consistent = report.CurrentDrift == 0 && report.ReservedDrift == 0 && d.Reconciled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// BatchIds lists every batch id in the organization, for audits. The tenant guard applies the scope.
func (c *DistributionCalculator) BatchIds(ctx context.Context) ([]int, error) {
	if orgId, ok := utils.GetOrganizationIdFromContext(ctx); !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	var ids []int
	if err := c.db.WithContext(ctx).Model(&Batch{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, classifyStoreError("BatchIds", err)
	}
	return ids, nil
}
