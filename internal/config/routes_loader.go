package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/condgate/condgate/internal/expr"
)

const inlineSourceName = "inline-config"

// RouteBundle captures the merged route definitions after loading every
// configured source. Runtime agents can use the metadata to explain what was
// loaded and why certain definitions were skipped.
type RouteBundle struct {
	Routes  map[string]RouteConfig
	Sources []string
	Skipped []DefinitionSkip
}

type routeDocument struct {
	Routes map[string]RouteConfig `koanf:"routes"`
}

type routeAggregator struct {
	routes       map[string]RouteConfig
	routeSources map[string]string
	routeSkips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newRouteAggregator() *routeAggregator {
	return &routeAggregator{
		routes:       make(map[string]RouteConfig),
		routeSources: make(map[string]string),
		routeSkips:   make(map[string]*DefinitionSkip),
		sources:      make(map[string]struct{}),
	}
}

func (a *routeAggregator) addDocument(doc routeDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Routes {
		a.addRoute(name, cfg, source)
	}
}

func (a *routeAggregator) addRoute(name string, cfg RouteConfig, source string) {
	if existing, ok := a.routeSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.routeSources[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.routeSources, name)
		delete(a.routes, name)
		return
	}
	a.routeSources[name] = source
	a.routes[name] = cfg
}

func (a *routeAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.routeSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "route",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.routeSkips[name] = skip
}

// validateRoutes quarantines routes whose shape or bypass expressions cannot
// be honored. Without this guard the runtime would fail later in the pipeline;
// capturing the issue here records the offending routes in SkippedDefinitions
// so health checks can surface a precise diagnosis.
func (a *routeAggregator) validateRoutes(env *expr.Environment) {
	for name, cfg := range a.routes {
		err := validateRoute(name, cfg)
		if err == nil {
			err = validateBypassExpressions(cfg, env)
		}
		if err == nil {
			continue
		}
		source := a.routeSources[name]
		a.recordSkip(name, err.Error(), source)
		delete(a.routeSources, name)
		delete(a.routes, name)
	}
}

// pruneShadowedPrefixes quarantines routes that share a prefix with another
// route. Longest-prefix dispatch cannot break the tie deterministically, so
// neither definition is served.
func (a *routeAggregator) pruneShadowedPrefixes() {
	byPrefix := make(map[string][]string)
	for name, cfg := range a.routes {
		prefix := normalizePrefix(cfg.Prefix)
		byPrefix[prefix] = append(byPrefix[prefix], name)
	}
	for prefix, names := range byPrefix {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		for _, name := range names {
			source := a.routeSources[name]
			reason := fmt.Sprintf("prefix %s also claimed by: %s", prefix, strings.Join(others(names, name), ", "))
			a.recordSkip(name, reason, source)
			delete(a.routeSources, name)
			delete(a.routes, name)
		}
	}
}

func others(names []string, self string) []string {
	out := make([]string, 0, len(names)-1)
	for _, name := range names {
		if name != self {
			out = append(out, name)
		}
	}
	return out
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix != "/" {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}

func (a *routeAggregator) bundle() RouteBundle {
	a.pruneShadowedPrefixes()
	routes := make(map[string]RouteConfig, len(a.routes))
	for name, cfg := range a.routes {
		routes[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.routeSkips))
	for _, skip := range a.routeSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return RouteBundle{Routes: routes, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildRouteBundle(ctx context.Context, inlineRoutes map[string]RouteConfig, sourceCfg RoutesSourceConfig) (RouteBundle, error) {
	agg := newRouteAggregator()
	if len(inlineRoutes) > 0 {
		agg.addDocument(routeDocument{Routes: inlineRoutes}, inlineSourceName)
	}

	files, err := collectRouteSources(ctx, sourceCfg)
	if err != nil {
		return RouteBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RouteBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRouteDocument(path)
		if err != nil {
			return RouteBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return RouteBundle{}, err
	}
	agg.validateRoutes(env)
	return agg.bundle(), nil
}

func validateBypassExpressions(cfg RouteConfig, env *expr.Environment) error {
	for idx, expression := range cfg.BypassWhen {
		trimmed := strings.TrimSpace(expression)
		if trimmed == "" {
			continue
		}
		if _, err := env.Compile(trimmed); err != nil {
			return fmt.Errorf("bypassWhen[%d]: %w", idx, err)
		}
	}
	return nil
}

func collectRouteSources(ctx context.Context, sourceCfg RoutesSourceConfig) ([]string, error) {
	if sourceCfg.RoutesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(sourceCfg.RoutesFile); err != nil {
			return nil, err
		}
		return []string{sourceCfg.RoutesFile}, nil
	}
	if sourceCfg.RoutesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(sourceCfg.RoutesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: routes folder %s: %w", sourceCfg.RoutesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: routes folder %s is not a directory", sourceCfg.RoutesFolder)
	}
	var files []string
	err = filepath.WalkDir(sourceCfg.RoutesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRoutesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk routes folder %s: %w", sourceCfg.RoutesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: routes file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: routes file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRouteDocument(path string) (routeDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return routeDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return routeDocument{}, fmt.Errorf("config: load routes from %s: %w", path, err)
	}
	var doc routeDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return routeDocument{}, fmt.Errorf("config: decode routes from %s: %w", path, err)
	}
	if doc.Routes == nil {
		doc.Routes = make(map[string]RouteConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported routes file extension %s", ext)
	}
}

func isSupportedRoutesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRouteMap(in map[string]RouteConfig) map[string]RouteConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
