package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/condgate/condgate/internal/runtime/pipeline"
)

type stubDoer struct {
	lastReq *http.Request
	resp    *http.Response
	err     error
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.lastReq = req
	if d.err != nil {
		return nil, d.err
	}
	return d.resp, nil
}

func originResponse(status int, headers map[string]string, body string) *http.Response {
	header := make(http.Header)
	for name, value := range headers {
		header.Set(name, value)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return parsed
}

func TestOriginAgentSkipsPreemptedVerdicts(t *testing.T) {
	doer := &stubDoer{}
	agent := newOriginAgent(doer, mustURL(t, "http://origin.internal"), headerCuration{})
	req := httptest.NewRequest("GET", "/assets/app.js", nil)
	state := pipeline.NewState(req, "assets", "assets:key", "cid")

	result := agent.Execute(context.Background(), req, state)
	if result.Status != "skipped" {
		t.Fatalf("expected skipped, got %q", result.Status)
	}
	if doer.lastReq != nil {
		t.Fatalf("preempted verdicts must not reach the origin")
	}
}

func TestOriginAgentForwardsAndCaptures(t *testing.T) {
	doer := &stubDoer{resp: originResponse(200, map[string]string{
		"Content-Type": "application/javascript",
		"ETag":         `"v3"`,
	}, "console.log(1)")}
	agent := newOriginAgent(doer, mustURL(t, "http://origin.internal/static"), headerCuration{})

	req := httptest.NewRequest("GET", "/assets/app.js?v=2", nil)
	req.Header.Set("Accept", "application/javascript")
	req.Header.Set("If-None-Match", `"v3"`)
	state := pipeline.NewState(req, "assets", "assets:key", "cid")
	state.Conditional.Generate = true

	result := agent.Execute(context.Background(), req, state)
	if result.Status != "fetched" {
		t.Fatalf("expected fetched, got %q (%s)", result.Status, result.Details)
	}
	if doer.lastReq.URL.String() != "http://origin.internal/static/assets/app.js?v=2" {
		t.Fatalf("unexpected origin url: %s", doer.lastReq.URL)
	}
	if doer.lastReq.Header.Get("Accept") != "application/javascript" {
		t.Fatalf("expected accept header forwarded")
	}
	if doer.lastReq.Header.Get("If-None-Match") != "" {
		t.Fatalf("conditional headers must not reach the origin")
	}
	if doer.lastReq.Header.Get("X-Forwarded-Host") == "" {
		t.Fatalf("expected forwarded host header")
	}
	if !state.Upstream.Requested || state.Upstream.Status != 200 {
		t.Fatalf("unexpected upstream state: %+v", state.Upstream)
	}
	if state.Upstream.Headers["etag"] != `"v3"` {
		t.Fatalf("expected captured origin headers: %+v", state.Upstream.Headers)
	}
	if state.Upstream.Body != "console.log(1)" {
		t.Fatalf("unexpected captured body: %q", state.Upstream.Body)
	}
}

func TestOriginAgentExecutesOnBypass(t *testing.T) {
	doer := &stubDoer{resp: originResponse(200, nil, "ok")}
	agent := newOriginAgent(doer, mustURL(t, "http://origin.internal"), headerCuration{})

	req := httptest.NewRequest("GET", "/assets/app.js", nil)
	state := pipeline.NewState(req, "assets", "assets:key", "cid")
	state.Bypass.Bypassed = true

	if result := agent.Execute(context.Background(), req, state); result.Status != "fetched" {
		t.Fatalf("expected bypass fetch, got %q", result.Status)
	}
}

func TestOriginAgentAppliesCuration(t *testing.T) {
	doer := &stubDoer{resp: originResponse(200, nil, "")}
	curation := newHeaderCuration(nil, []string{"Cookie"}, map[string]string{"X-Origin-Key": "secret"})
	agent := newOriginAgent(doer, mustURL(t, "http://origin.internal"), curation)

	req := httptest.NewRequest("GET", "/assets/app.js", nil)
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("Accept", "text/html")
	state := pipeline.NewState(req, "assets", "assets:key", "cid")
	state.Conditional.Generate = true

	if result := agent.Execute(context.Background(), req, state); result.Status != "fetched" {
		t.Fatalf("expected fetched, got %q", result.Status)
	}
	if doer.lastReq.Header.Get("Cookie") != "" {
		t.Fatalf("stripped header must not be forwarded")
	}
	if doer.lastReq.Header.Get("X-Origin-Key") != "secret" {
		t.Fatalf("custom header must be forwarded")
	}
	if doer.lastReq.Header.Get("Accept") != "text/html" {
		t.Fatalf("unlisted headers pass through without an allow list")
	}
}

func TestOriginAgentAllowListRestrictsForwarding(t *testing.T) {
	doer := &stubDoer{resp: originResponse(200, nil, "")}
	curation := newHeaderCuration([]string{"Accept"}, nil, nil)
	agent := newOriginAgent(doer, mustURL(t, "http://origin.internal"), curation)

	req := httptest.NewRequest("GET", "/assets/app.js", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("X-Custom", "1")
	state := pipeline.NewState(req, "assets", "assets:key", "cid")
	state.Conditional.Generate = true

	if result := agent.Execute(context.Background(), req, state); result.Status != "fetched" {
		t.Fatalf("expected fetched, got %q", result.Status)
	}
	if doer.lastReq.Header.Get("X-Custom") != "" {
		t.Fatalf("allow list must drop unlisted headers")
	}
	if doer.lastReq.Header.Get("Accept") != "text/html" {
		t.Fatalf("allowed header must be forwarded")
	}
}

func TestOriginAgentRecordsTransportErrors(t *testing.T) {
	doer := &stubDoer{err: errors.New("dial tcp: connection refused")}
	agent := newOriginAgent(doer, mustURL(t, "http://origin.internal"), headerCuration{})

	req := httptest.NewRequest("GET", "/assets/app.js", nil)
	state := pipeline.NewState(req, "assets", "assets:key", "cid")
	state.Conditional.Generate = true

	result := agent.Execute(context.Background(), req, state)
	if result.Status != "error" {
		t.Fatalf("expected error, got %q", result.Status)
	}
	if state.Upstream.Error == "" {
		t.Fatalf("expected transport error recorded")
	}
}

func TestJoinOriginPath(t *testing.T) {
	tests := []struct {
		base    string
		request string
		want    string
	}{
		{"", "/assets/app.js", "/assets/app.js"},
		{"/", "/assets/app.js", "/assets/app.js"},
		{"/static", "/assets/app.js", "/static/assets/app.js"},
		{"/static/", "/assets/app.js", "/static/assets/app.js"},
		{"", "", "/"},
	}
	for _, tc := range tests {
		if got := joinOriginPath(tc.base, tc.request); got != tc.want {
			t.Fatalf("joinOriginPath(%q, %q) = %q, want %q", tc.base, tc.request, got, tc.want)
		}
	}
}
