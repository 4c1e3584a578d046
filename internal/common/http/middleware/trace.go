package middleware

import (
	"context"
	"strings"

	"codehakam/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
	userIDContextKey    = "user_id"
)

// TraceContextConfig controls whether the user id header is trusted and
// echoed back. The platform gateway forwards X-User-Id for authenticated
// calls; a service exposed directly should disable it.
type TraceContextConfig struct {
	AllowUserIDHeader bool
	WriteUserIDHeader bool
}

// TraceContextMiddleware puts trace, request and user ids into both the gin
// context and the request context and echoes them as response headers.
// Missing trace and request ids are generated.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		AllowUserIDHeader: true,
		WriteUserIDHeader: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		propagate(c, traceIDHeader, traceIDContextKey, contextkey.TraceID, true, true)
		propagate(c, requestIDHeader, requestIDContextKey, contextkey.RequestID, true, true)
		if cfg.AllowUserIDHeader {
			propagate(c, userIDHeader, userIDContextKey, contextkey.UserID, false, cfg.WriteUserIDHeader)
		}
		c.Next()
	}
}

// propagate copies one id header into the gin context, the request context
// and optionally the response. When generate is set a missing value is
// replaced with a fresh uuid; otherwise a missing header is left alone.
func propagate(c *gin.Context, header, ginKey string, ctxKey interface{}, generate, echo bool) {
	value := strings.TrimSpace(c.GetHeader(header))
	if value == "" {
		if !generate {
			return
		}
		value = uuid.NewString()
	}
	c.Set(ginKey, value)
	ctx := context.WithValue(c.Request.Context(), ctxKey, value)
	c.Request = c.Request.WithContext(ctx)
	if echo {
		c.Writer.Header().Set(header, value)
	}
}
