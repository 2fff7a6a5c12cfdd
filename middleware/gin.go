package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strandtrace/strand-go"
)

// Gin returns middleware that opens a server span per request. Inbound
// trace context is taken from the request headers when present; the
// span rides the request context for handlers to extend via
// strand.SpanFromContext.
func Gin(tracer *strand.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var opts []strand.StartSpanOption
		if parent, err := tracer.Extract(strand.HTTPHeaders, strand.HTTPHeadersCarrier(c.Request.Header)); err == nil {
			opts = append(opts, strand.ChildOf(parent))
		}

		operation := c.FullPath()
		if operation == "" {
			operation = c.Request.URL.Path
		}
		opts = append(opts, strand.WithTags(
			strand.String(strand.TagSpanKind, "server"),
			strand.String("http.method", c.Request.Method),
			strand.String("http.url", c.Request.URL.String()),
		))

		span := tracer.StartSpan(operation, opts...)
		c.Request = c.Request.WithContext(strand.ContextWithSpan(c.Request.Context(), span))

		c.Next()

		status := c.Writer.Status()
		span.SetTag(strand.Int("http.status_code", status))
		if status >= http.StatusInternalServerError || len(c.Errors) > 0 {
			span.SetTag(strand.Bool(strand.TagError, true))
		}
		if len(c.Errors) > 0 {
			span.Log(
				strand.String("event", "error"),
				strand.String("message", c.Errors.String()),
			)
		}
		span.Finish()
	}
}

// InjectHTTP writes span's context into an outbound request's headers.
func InjectHTTP(span *strand.Span, req *http.Request) error {
	return span.Tracer().Inject(span.Context(), strand.HTTPHeaders, strand.HTTPHeadersCarrier(req.Header))
}
