package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/nursery_backend/models"
)

func (s *server) createLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewLocation
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		location, err := s.ledger().batches.CreateLocation(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, location)
	}
}

func (s *server) createGuidePlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewGuidePlan
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		plan, err := s.ledger().batches.CreateGuidePlan(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, plan)
	}
}

func (s *server) checkInHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CheckInBatchInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		batch, err := s.ledger().batches.CheckInBatch(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

func (s *server) listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := optionalIntQuery(c, "product_id")
		if !ok {
			return
		}
		filter := models.BatchListFilter{ProductId: productId}
		if raw := c.Query("status"); raw != "" {
			if err := filter.Status.UnmarshalText([]byte(raw)); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		batches, err := s.ledger().batches.ListBatches(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": batches})
	}
}

func (s *server) getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		batch, err := s.ledger().batches.GetBatch(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func (s *server) planBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.PlanBatchInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		planned, err := s.ledger().batches.PlanBatch(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, planned)
	}
}

func (s *server) cancelPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		plan, err := s.ledger().batches.CancelPlan(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

// actualizeHandler defaults actual_date to now when the caller leaves it out.
func (s *server) actualizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.ActualizeInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		req.BatchId = id
		if req.ActualDate.IsZero() {
			req.ActualDate = time.Now().UTC()
		}
		result, err := s.ledger().actualizer.Actualize(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type actualizeManyRequest struct {
	Batches []models.ActualizeInput `json:"batches"`
}

func (s *server) actualizeManyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actualizeManyRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Batches) == 0 {
			badRequest(c, "batches are required")
			return
		}
		now := time.Now().UTC()
		for i := range req.Batches {
			if req.Batches[i].ActualDate.IsZero() {
				req.Batches[i].ActualDate = now
			}
		}
		result, err := s.ledger().actualizer.ActualizeMany(c.Request.Context(), req.Batches)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *server) recordLossHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.RecordLossInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		req.BatchId = id
		batch, err := s.ledger().batches.RecordLoss(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func (s *server) transplantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.TransplantInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		req.ParentBatchId = id
		result, err := s.ledger().batches.Transplant(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func (s *server) recordSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.RecordSaleInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		req.BatchId = id
		event, err := s.ledger().batches.RecordSale(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

func (s *server) adjustQuantityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.AdjustQuantityInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		req.BatchId = id
		batch, err := s.ledger().batches.AdjustQuantity(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func (s *server) changeStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.ChangeStatusInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		batch, err := s.ledger().batches.ChangeStatus(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func (s *server) rebuildReservedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		batch, err := s.ledger().batches.RebuildReservedQuantity(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}
