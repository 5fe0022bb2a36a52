// Package middleware holds the gin middleware of the connection API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
	// TracerProvider overrides the global provider; tests pass an in-memory one.
	TracerProvider trace.TracerProvider
	// SkipPaths are served without a server span.
	SkipPaths []string
}

// Tracing returns the otelgin server middleware. Spans are named after the
// route pattern, never the raw URL, so callback codes stay out of traces.
func Tracing(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	skipped := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipped[p] = struct{}{}
	}
	opts := []otelgin.Option{
		otelgin.WithFilter(func(r *http.Request) bool {
			_, skip := skipped[r.URL.Path]
			return !skip
		}),
	}
	if cfg.TracerProvider != nil {
		opts = append(opts, otelgin.WithTracerProvider(cfg.TracerProvider))
	}
	return otelgin.Middleware(cfg.ServiceName, opts...)
}

// SpanAttributes tags the server span with the request and user IDs and the
// :platform path value. It must run after Tracing, RequestID and JWT.
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			c.Next()
			return
		}

		attrs := []attribute.KeyValue{}
		if id := GetRequestID(c); id != "" {
			attrs = append(attrs, attribute.String("request_id", id))
		}
		if userID, ok := GetUserID(c); ok {
			attrs = append(attrs, attribute.String("user_id", userID.String()))
		}
		if platform := c.Param("platform"); platform != "" {
			attrs = append(attrs, attribute.String("platform", platform))
		}
		span.SetAttributes(attrs...)

		c.Next()

		if code := c.Writer.Status(); code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		}
	}
}
