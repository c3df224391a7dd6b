package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/nursery_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// CandidateFilters optionally narrow the batches a product can be fulfilled from.
type CandidateFilters struct {
	VarietyName string `json:"variety_name,omitempty"`
	LocationId  *int   `json:"location_id,omitempty"`
}

// BatchCandidate is one eligible batch, oldest first.
type BatchCandidate struct {
	BatchId           int         `json:"batch_id"`
	BatchNumber       string      `json:"batch_number"`
	ProductId         int         `json:"product_id"`
	VarietyName       string      `json:"variety_name"`
	Status            BatchStatus `json:"status"`
	AvailableQuantity int         `json:"available_quantity"`
	PlantedAt         time.Time   `json:"planted_at"`
	AgeWeeks          int         `json:"age_weeks"`
	LocationId        *int        `json:"location_id"`
	LocationName      string      `json:"location_name"`
	CoversRequired    bool        `json:"covers_required"`
}

// BatchCandidateRanker lists batches a product can be allocated from in first-expired-first-out order.
type BatchCandidateRanker struct {
	db  *gorm.DB
	now func() time.Time
}

func NewBatchCandidateRanker(db *gorm.DB) *BatchCandidateRanker {
	return &BatchCandidateRanker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type candidateRow struct {
	Id               int
	BatchNumber      string
	ProductId        int
	VarietyName      string
	Status           BatchStatus
	CurrentQuantity  int
	ReservedQuantity int
	PlantedAt        time.Time
	LocationId       *int
	LocationName     *string
}

// Rank returns every batch of productId that is sellable and has free stock, planted date ascending
// with batch id as the tie-break. CoversRequired marks batches that can take requiredQuantity alone.
func (r *BatchCandidateRanker) Rank(ctx context.Context, productId int, requiredQuantity int, filters CandidateFilters) (_ []BatchCandidate, err error) {
	ctx, span := startSpan(ctx, "BatchCandidateRanker.Rank",
		attribute.Int("product.id", productId), attribute.Int("quantity.required", requiredQuantity))
	defer func() { endSpan(span, err) }()

	orgId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, ErrMissingScope
	}
	if productId <= 0 || requiredQuantity < 0 {
		return nil, ErrInvalidInput
	}

	q := r.db.WithContext(ctx).Table("batches").
		Select("batches.id, batches.batch_number, batches.product_id, batches.variety_name, batches.status, " +
			"batches.current_quantity, batches.reserved_quantity, batches.planted_at, batches.location_id, " +
			"locations.name AS location_name").
		Joins("LEFT JOIN locations ON locations.id = batches.location_id").
		Where("batches.organization_id = ? AND batches.product_id = ?", orgId, productId).
		Where("batches.status IN ?", SellableBatchStatuses).
		Where("batches.current_quantity > batches.reserved_quantity")
	if filters.VarietyName != "" {
		q = q.Where("batches.variety_name = ?", filters.VarietyName)
	}
	if filters.LocationId != nil {
		q = q.Where("batches.location_id = ?", *filters.LocationId)
	}

	var rows []candidateRow
	if err := q.Order("batches.planted_at ASC, batches.id ASC").Scan(&rows).Error; err != nil {
		return nil, classifyStoreError("BatchCandidateRanker.Rank", err)
	}

	now := r.now()
	candidates := make([]BatchCandidate, 0, len(rows))
	for _, row := range rows {
		available := row.CurrentQuantity - row.ReservedQuantity
		c := BatchCandidate{
			BatchId:           row.Id,
			BatchNumber:       row.BatchNumber,
			ProductId:         row.ProductId,
			VarietyName:       row.VarietyName,
			Status:            row.Status,
			AvailableQuantity: available,
			PlantedAt:         row.PlantedAt,
			AgeWeeks:          ageInWeeks(row.PlantedAt, now),
			LocationId:        row.LocationId,
			CoversRequired:    available >= requiredQuantity,
		}
		if row.LocationName != nil {
			c.LocationName = *row.LocationName
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func ageInWeeks(plantedAt, now time.Time) int {
	if now.Before(plantedAt) {
		return 0
	}
	return int(now.Sub(plantedAt).Hours() / (24 * 7))
}

// aggregateBatchAvailability sums free stock across a product's sellable batches.
func aggregateBatchAvailability(tx *gorm.DB, orgId string, productId int) (int, error) {
	var total int
	err := tx.Model(&Batch{}).
		Select("COALESCE(SUM(current_quantity - reserved_quantity), 0)").
		Where("organization_id = ? AND product_id = ? AND status IN ? AND current_quantity > reserved_quantity",
			orgId, productId, SellableBatchStatuses).
		Scan(&total).Error
	return total, err
}
