// Package responsepolicy materializes the HTTP response for a gated request:
// preempted 304/412 answers, relayed origin responses, and the post-fetch
// conditional comparison against the origin's own validators.
package responsepolicy

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/condgate/condgate/internal/conditional"
	"github.com/condgate/condgate/internal/runtime/pipeline"
	"github.com/condgate/condgate/internal/templates"
)

// PreconditionConfig shapes the body sent with 412 responses. Body and
// BodyFile are template sources; BodyFile resolves through the renderer's
// sandbox.
type PreconditionConfig struct {
	Body        string
	BodyFile    string
	ContentType string
}

// CurationConfig filters and augments the headers relayed to the client.
type CurationConfig struct {
	Allow  []string
	Strip  []string
	Custom map[string]string
}

// Config assembles a response policy agent for one route.
type Config struct {
	Route        string
	Options      conditional.Options
	Renderer     *templates.Renderer
	Precondition PreconditionConfig
	Headers      CurationConfig
	Logger       *slog.Logger
}

// Agent composes the final response from the pipeline verdict.
type Agent struct {
	route           string
	opts            conditional.Options
	preconditionTpl *templates.Template
	contentType     string
	allow           map[string]struct{}
	strip           map[string]struct{}
	custom          map[string]string
	logger          *slog.Logger
	now             func() time.Time
}

// New constructs the agent, compiling any configured 412 body template.
func New(cfg Config) (*Agent, error) {
	agent := &Agent{
		route:       cfg.Route,
		opts:        cfg.Options,
		contentType: strings.TrimSpace(cfg.Precondition.ContentType),
		custom:      cloneStringMap(cfg.Headers.Custom),
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if agent.logger == nil {
		agent.logger = slog.Default()
	}
	if len(cfg.Headers.Allow) > 0 {
		agent.allow = lowerSet(cfg.Headers.Allow)
	}
	if len(cfg.Headers.Strip) > 0 {
		agent.strip = lowerSet(cfg.Headers.Strip)
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	var (
		tpl *templates.Template
		err error
	)
	switch {
	case strings.TrimSpace(cfg.Precondition.BodyFile) != "":
		tpl, err = renderer.CompileFile(cfg.Precondition.BodyFile)
	case strings.TrimSpace(cfg.Precondition.Body) != "":
		tpl, err = renderer.CompileInline("precondition_failed", cfg.Precondition.Body)
	}
	if err != nil {
		return nil, err
	}
	agent.preconditionTpl = tpl
	return agent, nil
}

// Name identifies the response policy agent for logging and snapshots.
func (a *Agent) Name() string { return "response_policy" }

// Execute renders the response matching the verdict reached upstream in the
// pipeline.
func (a *Agent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	switch {
	case state.Upstream.Error != "":
		return a.renderOriginError(state)
	case state.Upstream.Requested:
		return a.renderFromOrigin(state)
	}

	switch state.Conditional.Verdict {
	case pipeline.VerdictNotModified:
		return a.renderNotModified(state)
	case pipeline.VerdictPreconditionFailed:
		return a.renderPreconditionFailed(state)
	case pipeline.VerdictHeadSuppressed:
		return a.renderHeadSuppressed(state)
	}

	// No upstream exchange and no preempting verdict means the pipeline was
	// cut short; answer with a bare error rather than an empty response.
	state.Response.Status = http.StatusInternalServerError
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "error",
		Details: "no verdict reached",
	}
}

// renderFromOrigin relays the captured origin response. Gated requests are
// compared against the origin's own validators first, so a client conditional
// that the store could not answer still collapses to 304/412 here.
func (a *Agent) renderFromOrigin(state *pipeline.State) pipeline.Result {
	rv := validatorsFromHeaders(state.Upstream.Headers)
	rv.Status = state.Upstream.Status

	if !state.Bypass.Bypassed {
		generate := conditional.Evaluate(state.Conditional.Request, rv, a.opts, a.now)
		state.Conditional.Evaluated = true
		state.Conditional.Generate = generate
		state.Conditional.Response = rv

		if !generate {
			switch rv.Status {
			case conditional.StatusNotModified:
				state.Conditional.Verdict = pipeline.VerdictNotModified
				return a.renderNotModified(state)
			case conditional.StatusPreconditionFailed:
				state.Conditional.Verdict = pipeline.VerdictPreconditionFailed
				return a.renderPreconditionFailed(state)
			default:
				state.Conditional.Verdict = pipeline.VerdictHeadSuppressed
				return a.renderHeadSuppressed(state)
			}
		}
		state.Conditional.Verdict = pipeline.VerdictGenerate
	}

	state.Response.Status = state.Upstream.Status
	if state.Response.Headers == nil {
		state.Response.Headers = make(map[string]string)
	}
	for name, value := range state.Upstream.Headers {
		if !a.permits(name) {
			continue
		}
		state.Response.Headers[name] = value
	}
	for name, value := range a.custom {
		state.Response.Headers[strings.ToLower(name)] = value
	}
	state.Response.Body = state.Upstream.Body

	if !state.Bypass.Bypassed {
		applyValidators(state.Response.Headers, state.Conditional.Response)
	}
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "relayed",
		Details: "origin response relayed",
		Meta:    map[string]any{"status": state.Response.Status},
	}
}

func (a *Agent) renderOriginError(state *pipeline.State) pipeline.Result {
	state.Response.Status = http.StatusBadGateway
	if state.Response.Headers == nil {
		state.Response.Headers = make(map[string]string)
	}
	state.Response.Headers["content-type"] = "text/plain; charset=utf-8"
	state.Response.Body = "origin unavailable"
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "error",
		Details: state.Upstream.Error,
	}
}

// renderNotModified answers 304 with validator headers only. Entity headers
// never accompany a 304.
func (a *Agent) renderNotModified(state *pipeline.State) pipeline.Result {
	state.Response.Status = conditional.StatusNotModified
	state.Response.Headers = stripEntityHeaders(state.Response.Headers)
	state.Response.Body = ""
	applyValidators(state.Response.Headers, state.Conditional.Response)
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "preempted",
		Details: "not modified",
	}
}

func (a *Agent) renderPreconditionFailed(state *pipeline.State) pipeline.Result {
	state.Response.Status = conditional.StatusPreconditionFailed
	if state.Response.Headers == nil {
		state.Response.Headers = make(map[string]string)
	}
	state.Response.Body = ""
	if a.preconditionTpl != nil {
		rendered, err := a.preconditionTpl.Render(state.TemplateContext())
		if err != nil {
			a.logger.Error("precondition body render failed",
				slog.String("route", a.route),
				slog.String("template", a.preconditionTpl.Name()),
				slog.Any("error", err),
			)
		} else {
			state.Response.Body = rendered
			contentType := a.contentType
			if contentType == "" {
				contentType = "text/plain; charset=utf-8"
			}
			state.Response.Headers["content-type"] = contentType
		}
	}
	applyValidators(state.Response.Headers, state.Conditional.Response)
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "preempted",
		Details: "precondition failed",
	}
}

// renderHeadSuppressed answers a HEAD request with validator headers and no
// body, reusing the origin status when the exchange happened.
func (a *Agent) renderHeadSuppressed(state *pipeline.State) pipeline.Result {
	status := state.Upstream.Status
	if status == 0 {
		status = http.StatusOK
	}
	state.Response.Status = status
	if state.Response.Headers == nil {
		state.Response.Headers = make(map[string]string)
	}
	state.Response.Body = ""
	applyValidators(state.Response.Headers, state.Conditional.Response)
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "preempted",
		Details: "head body suppressed",
	}
}

func (a *Agent) permits(name string) bool {
	lower := strings.ToLower(name)
	if _, dropped := droppedRelayHeaders[lower]; dropped {
		return false
	}
	if _, stripped := a.strip[lower]; stripped {
		return false
	}
	if a.allow != nil {
		_, allowed := a.allow[lower]
		return allowed
	}
	return true
}

// droppedRelayHeaders never reach the client: hop-by-hop headers plus framing
// headers the relay recomputes.
var droppedRelayHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
	"content-length":    {},
}

// entityHeaders are stripped from 304 responses.
var entityHeaders = map[string]struct{}{
	"content-type":     {},
	"content-length":   {},
	"content-encoding": {},
	"content-language": {},
	"content-range":    {},
}

func stripEntityHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if _, entity := entityHeaders[strings.ToLower(name)]; entity {
			continue
		}
		out[name] = value
	}
	return out
}

// headerMapSink adapts the pipeline's header map to the validator publishing
// surface. Status is owned by the response policy, not the sink.
type headerMapSink map[string]string

func (s headerMapSink) SetStatus(int) {}

func (s headerMapSink) SetHeader(name, value string) {
	s[strings.ToLower(name)] = value
}

func applyValidators(headers map[string]string, rv *conditional.ResponseValidators) {
	if rv == nil || headers == nil {
		return
	}
	rv.Apply(headerMapSink(headers))
}

func validatorsFromHeaders(headers map[string]string) *conditional.ResponseValidators {
	rv := &conditional.ResponseValidators{ETag: conditional.EntityTag(headers["etag"])}
	if t, ok := conditional.ParseHTTPDate(headers["last-modified"]); ok {
		rv.LastModified = &t
	}
	if t, ok := conditional.ParseHTTPDate(headers["expires"]); ok {
		rv.Expires = &t
	}
	return rv
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[strings.ToLower(strings.TrimSpace(value))] = struct{}{}
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
