package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
)

const defaultEventLimit = 1000

func (s *server) candidatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, ok := pathId(c, "id")
		if !ok {
			return
		}
		required := 0
		if raw := c.Query("required_quantity"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				badRequest(c, "invalid required_quantity")
				return
			}
			required = n
		}
		locationId, ok := optionalIntQuery(c, "location_id")
		if !ok {
			return
		}
		filters := models.CandidateFilters{VarietyName: c.Query("variety"), LocationId: locationId}
		candidates, err := s.ledger().ranker.Rank(c.Request.Context(), productId, required, filters)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": candidates})
	}
}

func (s *server) distributionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		d, err := s.ledger().distribution.ComputeDistribution(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (s *server) consistencyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		report, err := s.ledger().distribution.CheckConsistency(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// eventsHandler returns at most limit events in occurrence order; truncated means more exist.
func (s *server) eventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.EventFilter
		var ok bool
		if filter.BatchId, ok = optionalIntQuery(c, "batch_id"); !ok {
			return
		}
		if filter.AllocationId, ok = optionalIntQuery(c, "allocation_id"); !ok {
			return
		}
		filter.OrderItemId = c.Query("order_item_id")
		if filter.BatchId == nil && filter.AllocationId == nil && filter.OrderItemId == "" {
			badRequest(c, "one of batch_id, allocation_id or order_item_id is required")
			return
		}
		for _, raw := range strings.Split(c.Query("types"), ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			t := models.EventType(strings.ToUpper(raw))
			if !t.IsValid() {
				badRequest(c, "unknown event type "+raw)
				return
			}
			filter.Types = append(filter.Types, t)
		}
		n, ok := optionalIntQuery(c, "limit")
		if !ok {
			return
		}
		limit := defaultEventLimit
		if n != nil {
			limit = *n
		}

		items := make([]*models.InventoryEvent, 0)
		truncated := false
		for ev, err := range s.ledger().events.Query(c.Request.Context(), filter) {
			if err != nil {
				writeError(c, err)
				return
			}
			if len(items) == limit {
				truncated = true
				break
			}
			items = append(items, ev)
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "truncated": truncated})
	}
}

func (s *server) requeueDeadOutboxHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, _ := utils.GetOrganizationIdFromContext(c.Request.Context())
		n, err := s.ledger().dispatcher.RequeueDead(c.Request.Context(), org)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"organization_id": org, "requeued": n})
	}
}
