// Package runtime assembles and executes the per-route agent pipeline that
// answers conditional requests from stored validators and forwards the rest
// to the configured origin.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/condgate/condgate/internal/conditional"
	"github.com/condgate/condgate/internal/config"
	"github.com/condgate/condgate/internal/expr"
	"github.com/condgate/condgate/internal/metrics"
	"github.com/condgate/condgate/internal/runtime/admission"
	"github.com/condgate/condgate/internal/runtime/freshness"
	"github.com/condgate/condgate/internal/runtime/pipeline"
	"github.com/condgate/condgate/internal/runtime/responsepolicy"
	"github.com/condgate/condgate/internal/runtime/validatorcache"
	"github.com/condgate/condgate/internal/runtime/validators"
	"github.com/condgate/condgate/internal/templates"
)

const defaultServerTTL = time.Minute

// PipelineOptions carries everything the pipeline needs at construction.
type PipelineOptions struct {
	Store              validators.Store
	ServerTTL          time.Duration
	KeySalt            string
	Defaults           conditional.Options
	Routes             map[string]config.RouteConfig
	RouteSources       []string
	SkippedDefinitions []config.DefinitionSkip
	TemplateSandbox    *templates.Sandbox
	CorrelationHeader  string
	Metrics            *metrics.Recorder
	HTTPClient         httpDoer
}

// Pipeline owns the active route runtimes and dispatches gated requests
// through their agent chains.
type Pipeline struct {
	logger            *slog.Logger
	store             validators.Store
	serverTTL         time.Duration
	keySalt           string
	defaults          conditional.Options
	correlationHeader string
	metrics           *metrics.Recorder
	client            httpDoer
	env               *expr.Environment

	mu sync.RWMutex

	routes           map[string]*routeRuntime
	ordered          []*routeRuntime
	defaultRoute     *routeRuntime
	routeSources     []string
	skipped          []config.DefinitionSkip
	templateRenderer *templates.Renderer
}

// routeRuntime binds one configured route to its compiled agent chain.
type routeRuntime struct {
	name   string
	prefix string
	agents []pipeline.Agent
}

type routeContextKey struct{}

// NewPipeline builds the pipeline from the supplied options. Routes that fail
// to compile are quarantined rather than aborting startup.
func NewPipeline(logger *slog.Logger, opts PipelineOptions) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.ServerTTL
	if ttl <= 0 {
		ttl = defaultServerTTL
	}
	store := opts.Store
	if store == nil {
		store = validators.NewMemory(ttl)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	p := &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		store:             store,
		serverTTL:         ttl,
		keySalt:           opts.KeySalt,
		defaults:          opts.Defaults,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		metrics:           opts.Metrics,
		client:            opts.HTTPClient,
		env:               env,
		routes:            make(map[string]*routeRuntime),
	}
	p.templateRenderer = templates.NewRenderer(opts.TemplateSandbox)
	p.configureRoutes(opts.Routes)
	p.routeSources = cloneStringSlice(opts.RouteSources)
	p.skipped = cloneDefinitionSkips(opts.SkippedDefinitions)
	return p, nil
}

// Close releases the validator store.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	return p.store.Close(ctx)
}

// RequestWithRouteHint pins downstream route selection to a hint that
// originated from the routing layer.
func (p *Pipeline) RequestWithRouteHint(r *http.Request, route string) *http.Request {
	if r == nil || strings.TrimSpace(route) == "" {
		return r
	}
	ctx := context.WithValue(r.Context(), routeContextKey{}, route)
	return r.WithContext(ctx)
}

func routeHintFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	hint, _ := ctx.Value(routeContextKey{}).(string)
	return strings.TrimSpace(hint)
}

// RouteExists reports whether a route with the provided name is configured in
// the active snapshot.
func (p *Pipeline) RouteExists(name string) bool {
	_, ok := p.lookupRoute(name)
	return ok
}

// WriteError emits a JSON error payload including the available routes when
// appropriate.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{"error": message}
	if names := p.routeNames(); len(names) > 0 {
		payload["availableRoutes"] = names
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) routeForRequest(r *http.Request) (*routeRuntime, int, string) {
	if hint := routeHintFromContext(r.Context()); hint != "" {
		runtime, ok := p.lookupRoute(hint)
		if !ok {
			return nil, http.StatusNotFound, fmt.Sprintf("route %q not found", hint)
		}
		return runtime, http.StatusOK, ""
	}

	p.mu.RLock()
	ordered := p.ordered
	fallback := p.defaultRoute
	p.mu.RUnlock()

	if len(ordered) == 0 {
		return nil, http.StatusNotFound, "no routes configured"
	}
	path := r.URL.Path
	for _, runtime := range ordered {
		if matchesPrefix(path, runtime.prefix) {
			return runtime, http.StatusOK, ""
		}
	}
	if fallback != nil {
		return fallback, http.StatusOK, ""
	}
	return nil, http.StatusNotFound, fmt.Sprintf("no route matches %s", path)
}

// ServeGate runs the route's agent chain for one request and writes the
// composed response.
func (p *Pipeline) ServeGate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runtime, errStatus, errMsg := p.routeForRequest(r)
	if runtime == nil {
		p.WriteError(w, errStatus, errMsg)
		return
	}

	correlationID := p.requestCorrelationID(r)
	validatorKey := p.deriveValidatorKey(r, runtime.name)
	state := pipeline.NewState(r, runtime.name, validatorKey, correlationID)

	reqLogger := p.logger.With(
		slog.String("route", runtime.name),
		slog.String("correlation_id", correlationID),
	)
	p.logDebugRequestSnapshot(r, reqLogger, state)

	for _, ag := range runtime.agents {
		// Agents publish their observable state via the shared pipeline.State.
		_ = ag.Execute(r.Context(), r, state)
	}

	if state.Response.Status == 0 {
		state.Response.Status = http.StatusInternalServerError
	}

	for name, value := range state.Response.Headers {
		w.Header().Set(name, value)
	}
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}
	w.WriteHeader(state.Response.Status)
	if state.Response.Body != "" && r.Method != http.MethodHead {
		if _, err := io.WriteString(w, state.Response.Body); err != nil {
			reqLogger.Error("gate response write failed", slog.Any("error", err))
			return
		}
	}

	duration := time.Since(start)
	p.logDebugDecisionSnapshot(r.Context(), reqLogger, state)
	reqLogger.Info("pipeline completed",
		slog.String("verdict", state.Conditional.Verdict),
		slog.Int("http_status", state.Response.Status),
		slog.Bool("validator_hit", state.Validator.Hit),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	if p.metrics != nil {
		p.metrics.ObserveRequest(runtime.name, state.Conditional.Verdict, state.Response.Status, duration)
	}
}

// ServeHealth returns the aggregated runtime health including validator store
// statistics and route provenance details.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	storeSize, err := p.store.Size(r.Context())
	if err != nil {
		p.logger.Error("validator store size query failed", slog.Any("error", err))
		storeSize = 0
	}
	healthStatus, sources, skipped := p.healthSnapshot()
	status := map[string]any{
		"status":          healthStatus,
		"validatorCount":  storeSize,
		"observedAt":      time.Now().UTC(),
		"availableRoutes": p.routeNames(),
	}
	if len(sources) > 0 {
		status["routeSources"] = sources
	}
	if len(skipped) > 0 {
		status["skippedDefinitions"] = skipped
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// ServeExplain reports the observable pipeline metadata to callers requesting
// diagnostics.
func (p *Pipeline) ServeExplain(w http.ResponseWriter, r *http.Request) {
	storeSize, err := p.store.Size(r.Context())
	if err != nil {
		p.logger.Error("validator store size query failed", slog.Any("error", err))
		storeSize = 0
	}
	status, sources, skipped := p.healthSnapshot()
	payload := struct {
		Status             string                  `json:"status"`
		ObservedAt         time.Time               `json:"observedAt"`
		ValidatorCount     int64                   `json:"validatorCount"`
		Route              string                  `json:"route,omitempty"`
		RouteSources       []string                `json:"routeSources,omitempty"`
		SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
		AvailableRoutes    []string                `json:"availableRoutes,omitempty"`
	}{
		Status:         status,
		ObservedAt:     time.Now().UTC(),
		ValidatorCount: storeSize,
	}
	if hint := routeHintFromContext(r.Context()); hint != "" {
		payload.Route = hint
	}
	if len(sources) > 0 {
		payload.RouteSources = sources
	}
	if len(skipped) > 0 {
		payload.SkippedDefinitions = skipped
	}
	if names := p.routeNames(); len(names) > 0 {
		payload.AvailableRoutes = names
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("explain encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) deriveValidatorKey(r *http.Request, route string) string {
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[name] = values[0]
	}
	descriptor := validators.Descriptor{
		Route: route,
		Path:  r.URL.Path,
		Query: query,
		Salt:  p.keySalt,
	}
	return descriptor.Key()
}

func (p *Pipeline) routeNames() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.routes))
	for name := range p.routes {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (p *Pipeline) healthSnapshot() (string, []string, []config.DefinitionSkip) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := "ok"
	if len(p.routes) == 0 || len(p.skipped) > 0 {
		status = "degraded"
	}
	return status, cloneStringSlice(p.routeSources), cloneDefinitionSkips(p.skipped)
}

func (p *Pipeline) lookupRoute(name string) (*routeRuntime, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, false
	}
	key := strings.ToLower(trimmed)
	p.mu.RLock()
	runtime, ok := p.routes[key]
	p.mu.RUnlock()
	return runtime, ok
}

func (p *Pipeline) configureRoutes(routes map[string]config.RouteConfig) {
	p.routes = make(map[string]*routeRuntime)
	p.ordered = nil
	p.defaultRoute = nil

	for name, cfg := range routes {
		runtime, err := p.buildRouteRuntime(name, cfg)
		if err != nil {
			p.logger.Warn("route configuration skipped", slog.String("route", name), slog.Any("error", err))
			continue
		}
		p.routes[strings.ToLower(runtime.name)] = runtime
		p.ordered = append(p.ordered, runtime)
	}

	// Longest prefix wins when routes nest.
	sort.Slice(p.ordered, func(i, j int) bool {
		if len(p.ordered[i].prefix) != len(p.ordered[j].prefix) {
			return len(p.ordered[i].prefix) > len(p.ordered[j].prefix)
		}
		return p.ordered[i].name < p.ordered[j].name
	})
	if len(p.ordered) == 1 {
		p.defaultRoute = p.ordered[0]
	}
}

// Reload swaps the active route bundle and purges the affected validator
// prefixes so subsequent requests evaluate against the latest configuration.
func (p *Pipeline) Reload(ctx context.Context, bundle config.RouteBundle) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	previous := make([]string, 0, len(p.routes))
	for _, runtime := range p.routes {
		previous = append(previous, runtime.name)
	}
	p.configureRoutes(bundle.Routes)
	p.routeSources = cloneStringSlice(bundle.Sources)
	p.skipped = cloneDefinitionSkips(bundle.Skipped)
	current := make([]string, 0, len(p.routes))
	for _, runtime := range p.routes {
		current = append(current, runtime.name)
	}
	p.mu.Unlock()

	if p.store == nil {
		p.logger.Info("configuration reloaded", slog.String("event", "routes_reload"))
		return
	}

	purged := appendUniqueStrings(previous, current...)
	for _, name := range purged {
		prefix := validators.RoutePrefix(name)
		if err := p.store.DeletePrefix(ctx, prefix); err != nil {
			p.logger.Warn("validator purge failed", slog.Any("error", err), slog.String("validator_prefix", prefix))
			continue
		}
		if invalidator, ok := p.store.(validators.ReloadInvalidator); ok {
			if err := invalidator.InvalidateOnReload(ctx, validators.ReloadScope{Prefix: prefix}); err != nil {
				p.logger.Warn("validator reload invalidation failed", slog.Any("error", err), slog.String("validator_prefix", prefix))
			}
		}
	}
	p.logger.Info("configuration reloaded",
		slog.String("event", "routes_reload"),
		slog.Int("route_count", len(current)),
	)
}

func (p *Pipeline) buildRouteRuntime(name string, cfg config.RouteConfig) (*routeRuntime, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("runtime: route name required")
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin))
	if err != nil {
		return nil, fmt.Errorf("runtime: route %q origin: %w", trimmed, err)
	}

	predicates, err := admission.CompilePredicates(p.env, cfg.BypassWhen)
	if err != nil {
		return nil, fmt.Errorf("runtime: route %q bypass predicates: %w", trimmed, err)
	}
	admissionCfg := admission.DefaultConfig()
	admissionCfg.Predicates = predicates

	options := p.defaults.Merge(cfg.Conditional.Overrides())
	policy := freshness.Policy{
		FollowCacheControl: cfg.Freshness.FollowsCacheControl(),
		DefaultTTL:         cfg.Freshness.TTL(),
		MaxTTL:             cfg.Freshness.Cap(),
		ServerTTL:          p.serverTTL,
	}
	curation := newHeaderCuration(cfg.Headers.Allow, cfg.Headers.Strip, cfg.Headers.Custom)

	policyAgent, err := responsepolicy.New(responsepolicy.Config{
		Route:    trimmed,
		Options:  options,
		Renderer: p.templateRenderer,
		Precondition: responsepolicy.PreconditionConfig{
			Body:        cfg.PreconditionFailed.Body,
			BodyFile:    cfg.PreconditionFailed.BodyFile,
			ContentType: cfg.PreconditionFailed.ContentType,
		},
		Headers: responsepolicy.CurationConfig{
			Allow:  append([]string{}, cfg.Headers.Allow...),
			Strip:  append([]string{}, cfg.Headers.Strip...),
			Custom: cloneStringMap(cfg.Headers.Custom),
		},
		Logger: p.logger.With(slog.String("route", trimmed)),
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: route %q response policy: %w", trimmed, err)
	}

	agents := []pipeline.Agent{
		&serverAgent{},
		admission.New(admissionCfg, p.logger.With(slog.String("route", trimmed))),
		validatorcache.NewLookup(validatorcache.LookupConfig{
			Store:   p.store,
			Logger:  p.logger,
			Metrics: p.metrics,
		}),
		newRevalidationAgent(options),
		newOriginAgent(p.client, origin, curation),
		validatorcache.NewPersist(validatorcache.PersistConfig{
			Store:   p.store,
			Policy:  policy,
			Logger:  p.logger,
			Metrics: p.metrics,
		}),
		policyAgent,
	}

	return &routeRuntime{
		name:   trimmed,
		prefix: normalizeRoutePrefix(cfg.Prefix),
		agents: p.instrumentAgents(trimmed, agents),
	}, nil
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func (p *Pipeline) logDebugRequestSnapshot(r *http.Request, logger *slog.Logger, state *pipeline.State) {
	if r == nil || logger == nil || state == nil {
		return
	}
	ctx := r.Context()
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	attrs := []slog.Attr{
		slog.String("method", state.Request.Method),
		slog.String("path", state.Request.Path),
	}
	if state.Request.Host != "" {
		attrs = append(attrs, slog.String("host", state.Request.Host))
	}
	if remote := strings.TrimSpace(r.RemoteAddr); remote != "" {
		attrs = append(attrs, slog.String("remote_addr", remote))
	}
	attrs = append(attrs,
		slog.Int("header_count", len(state.Request.Headers)),
		slog.Int("query_count", len(state.Request.Query)),
	)
	if _, ok := state.Request.Headers["if-none-match"]; ok {
		attrs = append(attrs, slog.Bool("if_none_match_present", true))
	}
	if _, ok := state.Request.Headers["if-modified-since"]; ok {
		attrs = append(attrs, slog.Bool("if_modified_since_present", true))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "gate request snapshot", attrs...)
}

func (p *Pipeline) logDebugDecisionSnapshot(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	if logger == nil || state == nil {
		return
	}
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	attrs := []slog.Attr{
		slog.Bool("bypassed", state.Bypass.Bypassed),
		slog.Bool("validator_hit", state.Validator.Hit),
		slog.Bool("validator_fresh", state.Validator.Fresh),
		slog.Bool("validator_stored", state.Validator.Stored),
		slog.Bool("evaluated", state.Conditional.Evaluated),
		slog.Bool("generate", state.Conditional.Generate),
		slog.String("verdict", state.Conditional.Verdict),
		slog.Bool("upstream_requested", state.Upstream.Requested),
		slog.Int("response_status", state.Response.Status),
	}
	if state.Bypass.Reason != "" {
		attrs = append(attrs, slog.String("bypass_reason", state.Bypass.Reason))
	}
	if state.Validator.Key != "" {
		attrs = append(attrs, slog.String("validator_key", state.Validator.Key))
	}
	if state.Upstream.Status != 0 {
		attrs = append(attrs, slog.Int("upstream_status", state.Upstream.Status))
	}
	if state.Upstream.Error != "" {
		attrs = append(attrs, slog.String("upstream_error", state.Upstream.Error))
	}
	if resp := state.Conditional.Response; resp != nil && resp.ETag != "" {
		attrs = append(attrs, slog.String("etag", string(resp.ETag)))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "gate decision snapshot", attrs...)
}
