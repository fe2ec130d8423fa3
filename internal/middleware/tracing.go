package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Tracing starts a server span per request. Once chi has routed the request
// the span carries the route pattern, e.g. "POST /admin/v1/sagas/{id}/resume".
func Tracing(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, service,
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

// spanName is called when the span starts and again after the handler when
// the request carries a pattern. Only the second call sees the chi route.
func spanName(_ string, r *http.Request) string {
	if route := routePattern(r); route != unmatchedRoute {
		return r.Method + " " + route
	}
	return r.Method + " " + r.URL.Path
}
