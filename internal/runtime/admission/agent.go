// Package admission decides whether a request participates in conditional
// gating at all. Requests carrying credentials, requests that forbid caching,
// and requests matching a route's bypass predicates skip validator comparison
// and go straight to the origin.
package admission

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/condgate/condgate/internal/expr"
	"github.com/condgate/condgate/internal/runtime/pipeline"
)

// Config describes the bypass policy for a route.
type Config struct {
	// BypassAuthorization sends authenticated requests straight to the
	// origin so per-user representations never share validators.
	BypassAuthorization bool
	// BypassNoStore honors a client Cache-Control: no-store directive.
	BypassNoStore bool
	// Predicates are compiled CEL expressions; any one matching bypasses
	// the gate.
	Predicates []expr.Program
}

// DefaultConfig enables both header-driven bypasses with no predicates.
func DefaultConfig() Config {
	return Config{BypassAuthorization: true, BypassNoStore: true}
}

// Agent evaluates the bypass policy against the inbound request snapshot.
type Agent struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs an admission agent for one route.
func New(cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{cfg: cfg, logger: logger}
}

// CompilePredicates compiles the configured bypass expressions against the
// shared environment. Compilation failures abort route construction rather
// than silently dropping a predicate.
func CompilePredicates(env *expr.Environment, expressions []string) ([]expr.Program, error) {
	if len(expressions) == 0 {
		return nil, nil
	}
	programs := make([]expr.Program, 0, len(expressions))
	for _, expression := range expressions {
		trimmed := strings.TrimSpace(expression)
		if trimmed == "" {
			continue
		}
		program, err := env.Compile(trimmed)
		if err != nil {
			return nil, err
		}
		programs = append(programs, program)
	}
	return programs, nil
}

func (a *Agent) Name() string { return "admission" }

// Execute records the bypass decision on the shared state. A bypassed request
// still flows through the upstream agent; it only skips validator comparison.
func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if reason := a.bypassReason(ctx, r, state); reason != "" {
		state.Bypass.Bypassed = true
		state.Bypass.Reason = reason
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypass",
			Details: reason,
		}
	}
	state.Bypass.Bypassed = false
	state.Bypass.Reason = ""
	return pipeline.Result{Name: a.Name(), Status: "gated"}
}

func (a *Agent) bypassReason(ctx context.Context, r *http.Request, state *pipeline.State) string {
	if a.cfg.BypassAuthorization {
		if strings.TrimSpace(r.Header.Get("Authorization")) != "" {
			return "authorization header present"
		}
	}
	if a.cfg.BypassNoStore && requestForbidsStore(r.Header.Get("Cache-Control")) {
		return "client sent cache-control: no-store"
	}
	if len(a.cfg.Predicates) == 0 {
		return ""
	}
	activation := state.CELContext(time.Now().UTC())
	for _, predicate := range a.cfg.Predicates {
		matched, err := predicate.EvalBool(activation)
		if err != nil {
			// A faulty predicate must not fail open into gating: log and
			// treat the request as unmatched by this predicate.
			a.logger.Warn("bypass predicate evaluation failed",
				slog.String("expression", predicate.Source()),
				slog.Any("error", err),
			)
			continue
		}
		if matched {
			return "bypass predicate matched: " + predicate.Source()
		}
	}
	return ""
}

func requestForbidsStore(header string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "no-store") {
			return true
		}
	}
	return false
}
