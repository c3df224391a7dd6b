package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Allocation is a hold against stock for one order item.
// Tier 1 (status reserved) holds the product pool and has no batch.
// Tier 2 (status allocated) holds a specific batch.
type Allocation struct {
	ID             int              `gorm:"primary_key" json:"id"`
	OrganizationId string           `gorm:"size:64;not null;index:idx_alloc_product,priority:1" json:"organization_id"`
	OrderItemId    string           `gorm:"size:64;not null;index" json:"order_item_id"`
	ProductId      int              `gorm:"not null;index:idx_alloc_product,priority:2" json:"product_id"`
	BatchId        *int             `gorm:"index" json:"batch_id"`
	Quantity       int              `gorm:"not null" json:"quantity"`
	PickedQuantity int              `gorm:"not null;default:0" json:"picked_quantity"`
	Status         AllocationStatus `gorm:"size:20;not null;index:idx_alloc_product,priority:3" json:"status"`
	IsBackorder    bool             `gorm:"not null;default:false" json:"is_backorder"`
	CreatedBy      string           `gorm:"size:64" json:"created_by"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Allocation) Tier() int {
	if a.BatchId == nil {
		return 1
	}
	return 2
}

// IsActiveHold reports whether the allocation still counts against its batch's reserved quantity.
func (a *Allocation) IsActiveHold() bool {
	return a.Status == AllocationStatusAllocated
}

func (a *Allocation) BeforeCreate(tx *gorm.DB) error {
	if !a.Status.IsValid() {
		return fmt.Errorf("allocation status %q is invalid", a.Status)
	}
	if a.Quantity <= 0 {
		return fmt.Errorf("allocation quantity must be positive")
	}
	if a.Status == AllocationStatusReserved && a.BatchId != nil {
		return fmt.Errorf("a product-level reservation cannot reference a batch")
	}
	return nil
}
