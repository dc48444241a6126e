package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/condgate/condgate/internal/config"
	"github.com/condgate/condgate/internal/runtime/validators"
)

type scriptedDoer struct {
	calls   int
	urls    []string
	status  int
	headers map[string]string
	body    string
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	d.urls = append(d.urls, req.URL.String())
	return originResponse(d.status, d.headers, d.body), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPipeline(t *testing.T, opts PipelineOptions) *Pipeline {
	t.Helper()
	p, err := NewPipeline(discardLogger(), opts)
	if err != nil {
		t.Fatalf("pipeline construction failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func assetsRoute() map[string]config.RouteConfig {
	return map[string]config.RouteConfig{
		"assets": {
			Prefix: "/assets",
			Origin: "http://origin.internal",
		},
	}
}

func TestServeGateMissThenNotModified(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{
		"ETag":          `"v1"`,
		"Content-Type":  "application/javascript",
		"Cache-Control": "max-age=60",
	}, body: "console.log(1)"}
	store := validators.NewMemory(time.Minute)
	p := newTestPipeline(t, PipelineOptions{
		Store:      store,
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})

	rec := httptest.NewRecorder()
	p.ServeGate(rec, httptest.NewRequest("GET", "/assets/app.js", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected relayed 200 on first pass, got %d", rec.Code)
	}
	if rec.Body.String() != "console.log(1)" {
		t.Fatalf("expected origin body relay, got %q", rec.Body.String())
	}
	if rec.Header().Get("Etag") != `"v1"` {
		t.Fatalf("expected origin etag on response, got %q", rec.Header().Get("Etag"))
	}
	if doer.calls != 1 {
		t.Fatalf("expected one origin fetch, got %d", doer.calls)
	}

	second := httptest.NewRequest("GET", "/assets/app.js", nil)
	second.Header.Set("If-None-Match", `"v1"`)
	rec = httptest.NewRecorder()
	p.ServeGate(rec, second)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected preempted 304 on revalidation, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("304 must not carry a body, got %q", rec.Body.String())
	}
	if rec.Header().Get("Etag") != `"v1"` {
		t.Fatalf("expected stored etag on 304, got %q", rec.Header().Get("Etag"))
	}
	if doer.calls != 1 {
		t.Fatalf("preempted revalidation must not reach the origin, got %d calls", doer.calls)
	}
}

func TestServeGateMissDefersToOrigin(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{"ETag": `"v1"`}, body: "payload"}
	p := newTestPipeline(t, PipelineOptions{
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})

	req := httptest.NewRequest("GET", "/assets/app.js", nil)
	req.Header.Set("If-None-Match", `"v1"`)
	rec := httptest.NewRecorder()
	p.ServeGate(rec, req)

	if doer.calls != 1 {
		t.Fatalf("store miss must consult the origin, got %d calls", doer.calls)
	}
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected post-fetch 304 against origin validators, got %d", rec.Code)
	}
}

func TestServeGateBypassRelaysOrigin(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{"ETag": `"v1"`}, body: "private"}
	p := newTestPipeline(t, PipelineOptions{
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})

	req := httptest.NewRequest("GET", "/assets/doc", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("If-None-Match", `"v1"`)
	rec := httptest.NewRecorder()
	p.ServeGate(rec, req)

	if doer.calls != 1 {
		t.Fatalf("bypassed requests must reach the origin, got %d calls", doer.calls)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("bypassed requests relay the origin status, got %d", rec.Code)
	}
	if rec.Body.String() != "private" {
		t.Fatalf("expected origin body, got %q", rec.Body.String())
	}
}

func TestServeGateHeadOmitsBody(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{"ETag": `"v1"`}, body: "payload"}
	p := newTestPipeline(t, PipelineOptions{
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})

	rec := httptest.NewRecorder()
	p.ServeGate(rec, httptest.NewRequest("HEAD", "/assets/doc", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for HEAD, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD responses must not carry a body, got %q", rec.Body.String())
	}
}

func TestServeGateEchoesCorrelationHeader(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{"ETag": `"v1"`}, body: "ok"}
	p := newTestPipeline(t, PipelineOptions{
		Routes:            assetsRoute(),
		HTTPClient:        doer,
		CorrelationHeader: "X-Correlation-Id",
	})

	req := httptest.NewRequest("GET", "/assets/doc", nil)
	req.Header.Set("X-Correlation-Id", "abc-123")
	rec := httptest.NewRecorder()
	p.ServeGate(rec, req)

	if rec.Header().Get("X-Correlation-Id") != "abc-123" {
		t.Fatalf("expected correlation echo, got %q", rec.Header().Get("X-Correlation-Id"))
	}
}

func TestRouteDispatchLongestPrefixWins(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{"ETag": `"v1"`}, body: "ok"}
	p := newTestPipeline(t, PipelineOptions{
		Routes: map[string]config.RouteConfig{
			"api":    {Prefix: "/api", Origin: "http://api.internal"},
			"api-v2": {Prefix: "/api/v2", Origin: "http://api-v2.internal"},
		},
		HTTPClient: doer,
	})

	rec := httptest.NewRecorder()
	p.ServeGate(rec, httptest.NewRequest("GET", "/api/v2/users", nil))

	if len(doer.urls) != 1 {
		t.Fatalf("expected one origin fetch, got %v", doer.urls)
	}
	if doer.urls[0] != "http://api-v2.internal/api/v2/users" {
		t.Fatalf("expected nested route origin, got %q", doer.urls[0])
	}
}

func TestRouteDispatchSingleRouteIsDefault(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{"ETag": `"v1"`}, body: "ok"}
	p := newTestPipeline(t, PipelineOptions{
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})

	rec := httptest.NewRecorder()
	p.ServeGate(rec, httptest.NewRequest("GET", "/outside/prefix", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("single configured route should absorb unmatched paths, got %d", rec.Code)
	}
	if doer.calls != 1 {
		t.Fatalf("expected origin fetch through default route, got %d", doer.calls)
	}
}

func TestServeGateUnknownRoute(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{}, body: "ok"}
	p := newTestPipeline(t, PipelineOptions{
		Routes: map[string]config.RouteConfig{
			"api":    {Prefix: "/api", Origin: "http://api.internal"},
			"assets": {Prefix: "/assets", Origin: "http://assets.internal"},
		},
		HTTPClient: doer,
	})

	rec := httptest.NewRecorder()
	p.ServeGate(rec, httptest.NewRequest("GET", "/elsewhere", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unmatched path, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON error payload: %v", err)
	}
	if payload["error"] == "" {
		t.Fatalf("expected error message, got %+v", payload)
	}
	routes, ok := payload["availableRoutes"].([]any)
	if !ok || len(routes) != 2 {
		t.Fatalf("expected available routes in payload, got %+v", payload)
	}
	if doer.calls != 0 {
		t.Fatalf("unmatched requests must not reach any origin")
	}
}

func TestReloadPurgesStoredValidators(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{
		"ETag":          `"v1"`,
		"Cache-Control": "max-age=60",
	}, body: "ok"}
	store := validators.NewMemory(time.Minute)
	p := newTestPipeline(t, PipelineOptions{
		Store:      store,
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})

	rec := httptest.NewRecorder()
	p.ServeGate(rec, httptest.NewRequest("GET", "/assets/app.js", nil))
	if size, _ := store.Size(context.Background()); size != 1 {
		t.Fatalf("expected one stored validator, got %d", size)
	}

	p.Reload(context.Background(), config.RouteBundle{Routes: assetsRoute()})

	if size, _ := store.Size(context.Background()); size != 0 {
		t.Fatalf("reload must purge route validators, got %d", size)
	}

	second := httptest.NewRequest("GET", "/assets/app.js", nil)
	second.Header.Set("If-None-Match", `"v1"`)
	rec = httptest.NewRecorder()
	p.ServeGate(rec, second)
	if doer.calls != 2 {
		t.Fatalf("post-reload revalidation must consult the origin, got %d calls", doer.calls)
	}
}

func TestReloadReplacesRoutes(t *testing.T) {
	doer := &scriptedDoer{status: 200, headers: map[string]string{}, body: "ok"}
	p := newTestPipeline(t, PipelineOptions{
		Routes:     assetsRoute(),
		HTTPClient: doer,
	})
	if !p.RouteExists("assets") {
		t.Fatalf("expected assets route before reload")
	}

	p.Reload(context.Background(), config.RouteBundle{Routes: map[string]config.RouteConfig{
		"docs": {Prefix: "/docs", Origin: "http://docs.internal"},
	}})

	if p.RouteExists("assets") {
		t.Fatalf("expected assets route removed after reload")
	}
	if !p.RouteExists("docs") {
		t.Fatalf("expected docs route after reload")
	}
}

func TestServeHealthReportsStatus(t *testing.T) {
	p := newTestPipeline(t, PipelineOptions{
		Routes:       assetsRoute(),
		RouteSources: []string{"inline"},
	})

	rec := httptest.NewRecorder()
	p.ServeHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON health payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected ok status, got %+v", payload)
	}
	routes, ok := payload["availableRoutes"].([]any)
	if !ok || len(routes) != 1 || routes[0] != "assets" {
		t.Fatalf("expected assets route listed, got %+v", payload)
	}
}

func TestServeHealthDegradedWithoutRoutes(t *testing.T) {
	p := newTestPipeline(t, PipelineOptions{})

	rec := httptest.NewRecorder()
	p.ServeHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON health payload: %v", err)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("expected degraded status with no routes, got %+v", payload)
	}
}

func TestServeExplainIncludesRouteHint(t *testing.T) {
	p := newTestPipeline(t, PipelineOptions{
		Routes: assetsRoute(),
		SkippedDefinitions: []config.DefinitionSkip{
			{Kind: "route", Name: "broken", Reason: "invalid origin"},
		},
	})

	req := httptest.NewRequest("GET", "/explain", nil)
	req = p.RequestWithRouteHint(req, "assets")
	rec := httptest.NewRecorder()
	p.ServeExplain(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON explain payload: %v", err)
	}
	if payload["route"] != "assets" {
		t.Fatalf("expected scoped route in payload, got %+v", payload)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("expected degraded status with skipped definitions, got %+v", payload)
	}
	skipped, ok := payload["skippedDefinitions"].([]any)
	if !ok || len(skipped) != 1 {
		t.Fatalf("expected skipped definitions listed, got %+v", payload)
	}
}

func TestRouteExistsIsCaseInsensitive(t *testing.T) {
	p := newTestPipeline(t, PipelineOptions{Routes: assetsRoute()})

	if !p.RouteExists("Assets") {
		t.Fatalf("route lookup should be case insensitive")
	}
	if p.RouteExists("missing") {
		t.Fatalf("unknown route must not exist")
	}
}

func TestConfigureRoutesQuarantinesBrokenRoute(t *testing.T) {
	p := newTestPipeline(t, PipelineOptions{
		Routes: map[string]config.RouteConfig{
			"good": {Prefix: "/good", Origin: "http://good.internal"},
			"bad":  {Prefix: "/bad", Origin: "http://bad.internal", BypassWhen: []string{"not a cel expression ((("}},
		},
	})

	if !p.RouteExists("good") {
		t.Fatalf("expected good route to survive")
	}
	if p.RouteExists("bad") {
		t.Fatalf("expected bad route to be quarantined")
	}
}
