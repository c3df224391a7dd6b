package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Batch is a physical or planned cohort of plants of one product.
// CurrentQuantity and ReservedQuantity are caches kept in step with the event log.
type Batch struct {
	ID               int         `gorm:"primary_key" json:"id"`
	OrganizationId   string      `gorm:"size:64;not null;index:idx_batch_product,priority:1" json:"organization_id"`
	ProductId        int         `gorm:"not null;index:idx_batch_product,priority:2" json:"product_id"`
	BatchNumber      string      `gorm:"size:100" json:"batch_number"`
	VarietyName      string      `gorm:"size:100;index" json:"variety_name"`
	SizeId           *int        `json:"size_id"`
	LocationId       *int        `gorm:"index" json:"location_id"`
	ParentBatchId    *int        `gorm:"index" json:"parent_batch_id"`
	Status           BatchStatus `gorm:"size:20;not null;index:idx_batch_product,priority:3" json:"status"`
	InitialQuantity  int         `gorm:"not null;default:0" json:"initial_quantity"`
	CurrentQuantity  int         `gorm:"not null;default:0" json:"current_quantity"`
	ReservedQuantity int         `gorm:"not null;default:0" json:"reserved_quantity"`
	PlantedAt        time.Time   `gorm:"not null;index" json:"planted_at"`
	ActualizedAt     *time.Time  `json:"actualized_at"`
	Notes            string      `gorm:"type:text" json:"notes"`
	CreatedBy        string      `gorm:"size:64" json:"created_by"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// AvailableQuantity is what is free after existing holds.
func (b *Batch) AvailableQuantity() int {
	return max(0, b.CurrentQuantity-b.ReservedQuantity)
}

func (b *Batch) checkQuantities() error {
	if !b.Status.IsValid() {
		return fmt.Errorf("batch status %q is invalid", b.Status)
	}
	if b.CurrentQuantity < 0 || b.ReservedQuantity < 0 {
		return fmt.Errorf("batch quantities cannot be negative")
	}
	if b.CurrentQuantity > b.InitialQuantity {
		return fmt.Errorf("current quantity %d exceeds initial quantity %d", b.CurrentQuantity, b.InitialQuantity)
	}
	if b.ReservedQuantity > b.CurrentQuantity {
		return fmt.Errorf("reserved quantity %d exceeds current quantity %d", b.ReservedQuantity, b.CurrentQuantity)
	}
	return nil
}

func (b *Batch) BeforeCreate(tx *gorm.DB) error {
	return b.checkQuantities()
}

// Location is where a batch physically sits.
type Location struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;not null;index" json:"organization_id"`
	Name           string    `gorm:"size:100;not null" json:"name"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GuidePlan groups batch plans for one production run.
type GuidePlan struct {
	ID             int        `gorm:"primary_key" json:"id"`
	OrganizationId string     `gorm:"size:64;not null;index" json:"organization_id"`
	Name           string     `gorm:"size:100;not null" json:"name"`
	TargetDate     *time.Time `json:"target_date"`
	Notes          string     `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// BatchPlan schedules a future potting: PlannedQuantity units of the parent are held for the planned child.
type BatchPlan struct {
	ID              int        `gorm:"primary_key" json:"id"`
	OrganizationId  string     `gorm:"size:64;not null;index" json:"organization_id"`
	GuidePlanId     *int       `gorm:"index" json:"guide_plan_id"`
	ParentBatchId   *int       `gorm:"index:idx_plan_parent,priority:1" json:"parent_batch_id"`
	PlannedBatchId  int        `gorm:"not null;index" json:"planned_batch_id"`
	PlannedQuantity int        `gorm:"not null" json:"planned_quantity"`
	PlannedDate     time.Time  `gorm:"not null" json:"planned_date"`
	Status          PlanStatus `gorm:"size:20;not null;index:idx_plan_parent,priority:2" json:"status"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedBy       string     `gorm:"size:64" json:"created_by"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
