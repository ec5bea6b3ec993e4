package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

// Correlation response headers. A failing /-/check response carries the
// ids needed to find its probe spans and its access log line.
const (
	HeaderRequestID    = "X-Request-Id"
	HeaderTraceID      = "X-Trace-Id"
	HeaderTraceSampled = "X-Trace-Sampled"
)

// CorrelationHeaders sets the request id assigned by chi's RequestID
// middleware and, when a span is active, its trace id and sampling flag.
func CorrelationHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		h := w.Header()
		if id := middleware.GetReqID(ctx); id != "" {
			h.Set(HeaderRequestID, id)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			h.Set(HeaderTraceID, sc.TraceID().String())
			if sc.IsSampled() {
				h.Set(HeaderTraceSampled, "1")
			} else {
				h.Set(HeaderTraceSampled, "0")
			}
		}
		next.ServeHTTP(w, r)
	})
}
