// Package validatorcache seeds the pipeline with stored validators before
// evaluation and persists origin-supplied validators afterwards.
package validatorcache

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/condgate/condgate/internal/conditional"
	"github.com/condgate/condgate/internal/metrics"
	"github.com/condgate/condgate/internal/runtime/freshness"
	"github.com/condgate/condgate/internal/runtime/pipeline"
	"github.com/condgate/condgate/internal/runtime/validators"
)

// LookupConfig wires the lookup agent to its store and observability hooks.
type LookupConfig struct {
	Store   validators.Store
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// LookupAgent restores cached validators for the request so the revalidation
// agent can compare them against the client's conditional headers.
type LookupAgent struct {
	store   validators.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewLookup constructs a lookup agent with the supplied configuration.
func NewLookup(cfg LookupConfig) *LookupAgent {
	return &LookupAgent{store: cfg.Store, logger: cfg.Logger, metrics: cfg.Metrics}
}

// Name identifies the lookup agent for logging.
func (a *LookupAgent) Name() string { return "validator_lookup" }

// Execute loads the validator entry for the request key, when one exists,
// and seeds the conditional snapshot from it.
func (a *LookupAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Bypass.Bypassed {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypassed",
			Details: "request skips conditional gating",
		}
	}
	key := state.ValidatorKey()
	if a.store == nil || key == "" {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	lookupStart := time.Now()
	entry, ok, err := a.store.Lookup(ctx, key)
	if a.metrics != nil {
		outcome := metrics.StoreLookupMiss
		switch {
		case err != nil:
			outcome = metrics.StoreLookupError
		case ok:
			outcome = metrics.StoreLookupHit
		}
		a.metrics.ObserveStoreLookup(state.Route, outcome, time.Since(lookupStart))
	}
	if err != nil {
		a.requestLogger(state).Error("validator lookup failed",
			slog.Any("error", err),
			slog.String("validator_key", key),
		)
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "error",
			Details: "validator store lookup failed",
		}
	}
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "miss"}
	}

	state.Validator.Hit = true
	state.Validator.Fresh = entry.ExpiresAt.IsZero() || time.Now().UTC().Before(entry.ExpiresAt)
	state.Validator.StoredAt = entry.StoredAt
	state.Validator.ExpiresAt = entry.ExpiresAt
	if state.Validator.Fresh {
		state.Conditional.Response = entry.Validators()
	}
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "hit",
		Details: "validators restored from store",
		Meta: map[string]any{
			"fresh":     state.Validator.Fresh,
			"storedAt":  entry.StoredAt,
			"expiresAt": entry.ExpiresAt,
		},
	}
}

func (a *LookupAgent) requestLogger(state *pipeline.State) *slog.Logger {
	return requestLogger(a.logger, a.Name(), state)
}

// PersistConfig wires the persist agent to its store, the route freshness
// policy, and observability hooks.
type PersistConfig struct {
	Store   validators.Store
	Policy  freshness.Policy
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// PersistAgent records the validators carried by an origin response so later
// requests can be answered without contacting the origin.
type PersistAgent struct {
	store   validators.Store
	policy  freshness.Policy
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewPersist constructs a persist agent with the supplied configuration.
func NewPersist(cfg PersistConfig) *PersistAgent {
	return &PersistAgent{store: cfg.Store, policy: cfg.Policy, logger: cfg.Logger, metrics: cfg.Metrics}
}

// Name identifies the persist agent for logging.
func (a *PersistAgent) Name() string { return "validator_caching" }

// Execute extracts ETag, Last-Modified, and Expires from the origin response
// and stores them under the request's validator key. Responses without
// validators, non-2xx statuses, and origins that forbid caching are skipped.
func (a *PersistAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if !state.Upstream.Requested {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	if state.Upstream.Error != "" {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypassed",
			Details: "origin errors are never cached",
		}
	}
	if state.Upstream.Status < 200 || state.Upstream.Status >= 300 {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypassed",
			Details: "only 2xx origin responses carry cacheable validators",
		}
	}
	key := state.ValidatorKey()
	if a.store == nil || key == "" {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	entry := entryFromHeaders(state.Upstream.Headers)
	if entry.ETag == "" && entry.LastModified == nil {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "skipped",
			Details: "origin response carries no validators",
		}
	}

	ttl := a.policy.EffectiveTTL(state.Upstream.Headers)
	if ttl <= 0 {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypassed",
			Details: "freshness policy forbids storing validators",
		}
	}

	entry.StoredAt = time.Now().UTC()
	entry.ExpiresAt = entry.StoredAt.Add(ttl)

	storeStart := time.Now()
	err := a.store.Store(ctx, key, entry)
	if a.metrics != nil {
		outcome := metrics.StoreWriteStored
		if err != nil {
			outcome = metrics.StoreWriteError
		}
		a.metrics.ObserveStoreWrite(state.Route, outcome, time.Since(storeStart))
	}
	if err != nil {
		requestLogger(a.logger, a.Name(), state).Error("validator store failed",
			slog.Any("error", err),
			slog.String("validator_key", key),
		)
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "error",
			Details: "failed to persist validator entry",
		}
	}

	state.Validator.Stored = true
	state.Validator.StoredAt = entry.StoredAt
	state.Validator.ExpiresAt = entry.ExpiresAt
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "stored",
		Details: "validators cached for subsequent requests",
		Meta:    map[string]any{"ttl": ttl.String()},
	}
}

// entryFromHeaders projects a captured origin header map (lowercase keys,
// first values) into a validator entry.
func entryFromHeaders(headers map[string]string) validators.Entry {
	entry := validators.Entry{ETag: headers["etag"]}
	if t, ok := conditional.ParseHTTPDate(headers["last-modified"]); ok {
		entry.LastModified = &t
	}
	if t, ok := conditional.ParseHTTPDate(headers["expires"]); ok {
		entry.Expires = &t
	}
	return entry
}

func requestLogger(logger *slog.Logger, agent string, state *pipeline.State) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", agent))
	if state != nil {
		if state.Route != "" {
			logger = logger.With(slog.String("route", state.Route))
		}
		if state.CorrelationID != "" {
			logger = logger.With(slog.String("correlation_id", state.CorrelationID))
		}
	}
	return logger
}
