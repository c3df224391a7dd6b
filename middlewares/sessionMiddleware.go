package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/nursery_backend/utils"
)

// Header names carrying the caller identity supplied by the outer application.
const (
	HeaderOrganizationId = "X-Organization-Id"
	HeaderActorId        = "X-Actor-Id"
	HeaderCorrelationId  = "X-Correlation-Id"
)

// CorrelationMiddleware attaches one correlation id per request and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// SessionMiddleware copies the organization and actor headers into the request context.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := strings.TrimSpace(c.GetHeader(HeaderOrganizationId))
		actor := strings.TrimSpace(c.GetHeader(HeaderActorId))
		if org == "" && actor == "" {
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(utils.WithScope(c.Request.Context(), org, actor))
		c.Next()
	}
}

// RequireScope rejects requests that reached a ledger route without both identity headers.
func RequireScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		org, _ := utils.GetOrganizationIdFromContext(ctx)
		actor, _ := utils.GetActorIdFromContext(ctx)
		if org == "" || actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-Organization-Id and X-Actor-Id are required"})
			return
		}
		c.Next()
	}
}
