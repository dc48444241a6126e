package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/condgate/condgate/internal/conditional"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Verdict values describe how the pipeline resolved a request.
const (
	VerdictGenerate           = "generate"
	VerdictNotModified        = "not_modified"
	VerdictPreconditionFailed = "precondition_failed"
	VerdictHeadSuppressed     = "head_suppressed"
	VerdictBypass             = "bypass"
)

// ServerState notes server lifecycle details so downstream agents can surface
// readiness metadata.
type ServerState struct {
	PipelineReady bool      `json:"pipelineReady"`
	ObservedAt    time.Time `json:"observedAt"`
}

// RequestState preserves the inbound request snapshot for auditing, bypass
// predicates, and template evaluation.
type RequestState struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// BypassState records why conditional gating was skipped for the request.
type BypassState struct {
	Bypassed bool   `json:"bypassed"`
	Reason   string `json:"reason,omitempty"`
}

// ConditionalState carries the validator snapshot and the evaluation outcome.
type ConditionalState struct {
	Request   conditional.RequestValidators   `json:"request"`
	Response  *conditional.ResponseValidators `json:"response,omitempty"`
	Evaluated bool                            `json:"evaluated"`
	Generate  bool                            `json:"generate"`
	Verdict   string                          `json:"verdict,omitempty"`
}

// ValidatorState captures validator store participation for the request.
type ValidatorState struct {
	Key       string    `json:"key"`
	Hit       bool      `json:"hit"`
	Fresh     bool      `json:"fresh"`
	StoredAt  time.Time `json:"storedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Stored    bool      `json:"stored"`
}

// UpstreamState reports the origin exchange performed when the verdict
// required generation.
type UpstreamState struct {
	Requested bool              `json:"requested"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"-"`
	Error     string            `json:"error,omitempty"`
}

// ResponseState is the HTTP response composed for the caller.
type ResponseState struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	validatorKey string

	Route         string `json:"route"`
	CorrelationID string `json:"correlationId"`

	Server      ServerState      `json:"server"`
	Request     RequestState     `json:"request"`
	Bypass      BypassState      `json:"bypass"`
	Conditional ConditionalState `json:"conditional"`
	Validator   ValidatorState   `json:"validator"`
	Upstream    UpstreamState    `json:"upstream"`
	Response    ResponseState    `json:"response"`
}

// NewState captures the inbound request metadata and initializes the shared
// state for a pipeline evaluation.
func NewState(r *http.Request, route, validatorKey, correlationID string) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[strings.ToLower(name)] = values[0]
	}
	return &State{
		validatorKey:  validatorKey,
		Route:         route,
		CorrelationID: correlationID,
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		},
		Conditional: ConditionalState{
			Request:  conditional.FromHeaders(r.Method, r.Header),
			Response: &conditional.ResponseValidators{},
		},
		Validator: ValidatorState{Key: validatorKey},
		Upstream: UpstreamState{
			Headers: make(map[string]string),
		},
		Response: ResponseState{
			Headers: make(map[string]string),
		},
	}
}

// ValidatorKey exposes the store key derived for the request.
func (s *State) ValidatorKey() string { return s.validatorKey }

// CELContext exposes the activation map handed to bypass predicates.
func (s *State) CELContext(now time.Time) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	validators := map[string]any{
		"hit":   s.Validator.Hit,
		"fresh": s.Validator.Fresh,
	}
	if resp := s.Conditional.Response; resp != nil {
		validators["etag"] = string(resp.ETag)
	}
	return map[string]any{
		"request": map[string]any{
			"method":  s.Request.Method,
			"path":    s.Request.Path,
			"host":    s.Request.Host,
			"headers": stringMapToAny(s.Request.Headers),
			"query":   stringMapToAny(s.Request.Query),
		},
		"validators": validators,
		"now":        now,
	}
}

// TemplateContext exposes a map suitable for template execution, capturing the
// full pipeline state snapshot.
func (s *State) TemplateContext() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	ctx := map[string]any{
		"route":         s.Route,
		"correlationId": s.CorrelationID,
		"server":        s.Server,
		"request":       s.Request,
		"bypass":        s.Bypass,
		"conditional":   s.Conditional,
		"validator":     s.Validator,
		"upstream":      s.Upstream,
		"response": map[string]any{
			"status":  s.Response.Status,
			"headers": s.Response.Headers,
		},
		"verdict": s.Conditional.Verdict,
	}
	ctx["state"] = s
	return ctx
}

func stringMapToAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
