package middleware

import (
	"net/http"

	"streamcore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a server span per request, named by the matched
// route so stream ids do not explode span cardinality.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.client_ip", c.ClientIP()))
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.StreamIDKey.String(id))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if id := c.Writer.Header().Get(requestIDHeader); id != "" {
			span.SetAttributes(attribute.String("http.request_id", id))
		}
		if caller := CallerFromContext(c); caller.Authenticated() {
			span.SetAttributes(attribute.String("user.id", string(caller.UserID)))
		}

		switch {
		case len(c.Errors) > 0:
			for _, ginErr := range c.Errors {
				span.RecordError(ginErr.Err)
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, c.Errors.Last().Error())
			}
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
