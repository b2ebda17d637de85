package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceHeaderNames names the response headers set by TraceResponseHeaders.
// Empty Trace and Span fall back to X-Trace-Id and X-Span-Id; an empty
// Response disables the W3C traceresponse header.
type TraceHeaderNames struct {
	Trace    string
	Span     string
	Response string
}

// TraceResponseHeaders echoes the ids of a sampled span so status API
// callers can look the request up. Ids of unsampled spans are withheld,
// the backend never receives them.
func TraceResponseHeaders(names TraceHeaderNames) Middleware {
	if names.Trace == "" {
		names.Trace = "X-Trace-Id"
	}
	if names.Span == "" {
		names.Span = "X-Span-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if sc.IsValid() && sc.IsSampled() {
				h := w.Header()
				h.Set(names.Trace, sc.TraceID().String())
				h.Set(names.Span, sc.SpanID().String())
				if names.Response != "" {
					h.Set(names.Response, traceResponse(sc))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// traceResponse formats sc as version-traceid-spanid-flags.
func traceResponse(sc trace.SpanContext) string {
	return "00-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-" + sc.TraceFlags().String()
}
