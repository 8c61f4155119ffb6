package middleware

import (
	"time"

	"streamcore/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags the request context with a request id, the
// stream id and, once auth has run, the caller, then logs the request.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if id := c.Param("id"); id != "" {
			ctx = logger.WithStreamID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		ctx = c.Request.Context()
		if caller := CallerFromContext(c); caller.Authenticated() {
			ctx = logger.WithUserID(ctx, string(caller.UserID))
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		cl.LogRequest(ctx, c.Request.Method, route, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
