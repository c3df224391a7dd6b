package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/nursery_backend/models"
)

func (s *server) reserveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ReserveInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		allocation, err := s.ledger().allocations.ReserveAtProductLevel(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, allocation)
	}
}

func (s *server) getAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		allocation, err := s.ledger().allocations.GetAllocation(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}

type selectBatchRequest struct {
	BatchId int `json:"batch_id"`
}

func (s *server) selectBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req selectBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.BatchId <= 0 {
			badRequest(c, "batch_id is required")
			return
		}
		allocation, err := s.ledger().allocations.SelectBatch(c.Request.Context(), id, req.BatchId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}

func (s *server) autoSelectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var filters models.CandidateFilters
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&filters); err != nil {
				badRequest(c, "invalid request")
				return
			}
		}
		allocation, err := s.ledger().allocations.AutoSelectBatch(c.Request.Context(), id, filters)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}

type selectBatchesRequest struct {
	Selections []models.BatchSelection `json:"selections"`
}

// selectBatchesHandler answers 200 whenever the request was well formed; per-item failures
// are reported in the body.
func (s *server) selectBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selectBatchesRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Selections) == 0 {
			badRequest(c, "selections are required")
			return
		}
		c.JSON(http.StatusOK, s.ledger().allocations.SelectBatches(c.Request.Context(), req.Selections))
	}
}

func (s *server) deallocateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		allocation, err := s.ledger().allocations.Deallocate(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}

type pickRequest struct {
	PickedQuantity *int `json:"picked_quantity"`
}

func (s *server) pickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req pickRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.PickedQuantity == nil || *req.PickedQuantity < 0 {
			badRequest(c, "picked_quantity is required")
			return
		}
		result, err := s.ledger().allocations.Pick(c.Request.Context(), id, *req.PickedQuantity)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *server) reversePickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		allocation, err := s.ledger().allocations.ReversePick(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}

func (s *server) shipHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		allocation, err := s.ledger().allocations.Ship(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}

func (s *server) qualityOutcomeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req models.QualityOutcomeInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}
		allocation, err := s.ledger().allocations.RecordQualityOutcome(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocation)
	}
}
