package runtime

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/condgate/condgate/internal/runtime/pipeline"
)

// httpDoer abstracts the HTTP client so tests can stub origin exchanges.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// originAgent forwards the gated request to the route's origin when the
// verdict requires generation. It captures status, headers, and a bounded
// body so downstream agents can persist validators and relay the response.
type originAgent struct {
	client  httpDoer
	origin  *url.URL
	headers headerCuration
}

// headerCuration filters and augments the header set forwarded upstream.
type headerCuration struct {
	allow  map[string]struct{}
	strip  map[string]struct{}
	custom map[string]string
}

func newHeaderCuration(allow, strip []string, custom map[string]string) headerCuration {
	curation := headerCuration{custom: make(map[string]string, len(custom))}
	if len(allow) > 0 {
		curation.allow = make(map[string]struct{}, len(allow))
		for _, name := range allow {
			curation.allow[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
		}
	}
	if len(strip) > 0 {
		curation.strip = make(map[string]struct{}, len(strip))
		for _, name := range strip {
			curation.strip[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
		}
	}
	for name, value := range custom {
		curation.custom[name] = value
	}
	return curation
}

func (c headerCuration) permits(name string) bool {
	lower := strings.ToLower(name)
	if _, stripped := c.strip[lower]; stripped {
		return false
	}
	if c.allow != nil {
		_, allowed := c.allow[lower]
		return allowed
	}
	return true
}

// droppedForwardHeaders are never forwarded upstream: hop-by-hop headers plus
// the conditional headers the gate already represents on the client's behalf.
// Forwarding the client's conditionals would let the origin answer 304 with
// no body, leaving nothing to relay or cache.
var droppedForwardHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"if-match":            {},
	"if-none-match":       {},
	"if-modified-since":   {},
	"if-unmodified-since": {},
	"if-range":            {},
	"range":               {},
}

const maxOriginBody = 1 << 20

func newOriginAgent(client httpDoer, origin *url.URL, headers headerCuration) *originAgent {
	if client == nil {
		client = http.DefaultClient
	}
	return &originAgent{client: client, origin: origin, headers: headers}
}

func (a *originAgent) Name() string { return "origin" }

func (a *originAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if !state.Conditional.Generate && !state.Bypass.Bypassed {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "skipped",
			Details: "verdict preempted generation",
		}
	}
	if a.origin == nil {
		state.Upstream.Error = "origin not configured"
		return pipeline.Result{Name: a.Name(), Status: "error", Details: state.Upstream.Error}
	}

	target := *a.origin
	target.Path = joinOriginPath(a.origin.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		state.Upstream.Error = err.Error()
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "origin request build failed"}
	}

	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if _, dropped := droppedForwardHeaders[lower]; dropped {
			continue
		}
		if !a.headers.permits(name) {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	for name, value := range a.headers.custom {
		req.Header.Set(name, value)
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := a.client.Do(req)
	if err != nil {
		state.Upstream.Requested = true
		state.Upstream.Error = err.Error()
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "origin request failed"}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxOriginBody))
	closeErr := resp.Body.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		state.Upstream.Requested = true
		state.Upstream.Error = err.Error()
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "origin response read failed"}
	}

	state.Upstream.Requested = true
	state.Upstream.Status = resp.StatusCode
	state.Upstream.Headers = captureResponseHeaders(resp.Header)
	state.Upstream.Body = string(payload)

	return pipeline.Result{
		Name:   a.Name(),
		Status: "fetched",
		Meta:   map[string]any{"status": resp.StatusCode},
	}
}

// joinOriginPath mounts the request path under the origin's base path without
// doubling separators.
func joinOriginPath(base, request string) string {
	base = strings.TrimSuffix(base, "/")
	if request == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if !strings.HasPrefix(request, "/") {
		request = "/" + request
	}
	return base + request
}

// captureResponseHeaders converts http.Header to a map[string]string, taking
// only the first value of each header and lowercasing header names.
func captureResponseHeaders(header http.Header) map[string]string {
	headers := make(map[string]string)
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return headers
}
