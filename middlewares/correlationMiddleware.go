package middlewares

import (
	"context"

	"bitbucket.org/volopa/masspay_backend/appctx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationMiddleware threads an X-Correlation-Id header through the request
// context so API calls, outbox records, and worker logs can be tied together.
// A missing header gets a fresh UUID.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), appctx.ContextKeyCorrelationId, correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)
		c.Next()
	}
}
