package server

import (
	"fmt"
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the lifecycle router needs from the
// runtime pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeGate(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeExplain(http.ResponseWriter, *http.Request)
	RouteExists(string) bool
	RequestWithRouteHint(*http.Request, string) *http.Request
	WriteError(http.ResponseWriter, int, string)
}

// NewPipelineHandler wires the HTTP routing facade to the runtime pipeline.
// The diagnostic paths /healthz, /explain, and /metrics are reserved; every
// other path is dispatched to route matching in the gate.
func NewPipelineHandler(p PipelineHTTP, metrics http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch normalizeDiagnosticPath(r.URL.Path) {
		case "healthz":
			if r, ok := withRouteHint(p, w, r); ok {
				p.ServeHealth(w, r)
			}
		case "explain":
			if r, ok := withRouteHint(p, w, r); ok {
				p.ServeExplain(w, r)
			}
		case "metrics":
			if metrics == nil {
				http.NotFound(w, r)
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			p.ServeGate(w, r)
		}
	})
}

// withRouteHint scopes a diagnostic request to the route named in the query,
// when present. Unknown routes answer 404 rather than silently widening the
// response to all routes.
func withRouteHint(p PipelineHTTP, w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	route := strings.TrimSpace(r.URL.Query().Get("route"))
	if route == "" {
		return r, true
	}
	if !p.RouteExists(route) {
		p.WriteError(w, http.StatusNotFound, fmt.Sprintf("route %q not found", route))
		return nil, false
	}
	return p.RequestWithRouteHint(r, route), true
}

func normalizeDiagnosticPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if strings.Contains(trimmed, "/") {
		return ""
	}
	switch strings.ToLower(trimmed) {
	case "health", "healthz":
		return "healthz"
	case "explain":
		return "explain"
	case "metrics":
		return "metrics"
	}
	return ""
}
