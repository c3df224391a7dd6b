package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/nursery_backend/models"
)

// statusForError maps ledger error kinds onto HTTP statuses.
func statusForError(err error) int {
	var (
		stockErr   *models.InsufficientStockError
		batchErr   *models.InsufficientBatchStockError
		precondErr *models.PreconditionFailedError
		timeoutErr *models.TimeoutError
	)
	switch {
	case errors.As(err, &stockErr), errors.As(err, &batchErr):
		return http.StatusConflict
	case errors.As(err, &precondErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrMissingScope):
		return http.StatusUnauthorized
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	body := gin.H{"error": err.Error()}

	var (
		stockErr   *models.InsufficientStockError
		batchErr   *models.InsufficientBatchStockError
		precondErr *models.PreconditionFailedError
	)
	switch {
	case errors.As(err, &stockErr):
		body["details"] = stockErr
	case errors.As(err, &batchErr):
		body["details"] = batchErr
	case errors.As(err, &precondErr):
		body["details"] = precondErr
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pathId reads a positive integer path parameter or writes a 400.
func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// optionalIntQuery returns nil when the query parameter is absent.
func optionalIntQuery(c *gin.Context, name string) (*int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, "invalid "+name)
		return nil, false
	}
	return &n, true
}
