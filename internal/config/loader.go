package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.routes.routesfolder":           "server.routes.routesFolder",
			"server.routes.routesfile":             "server.routes.routesFile",
			"server.templates.templatesfolder":     "server.templates.templatesFolder",
			"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
			"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
			"server.conditional.nopreempthead":     "server.conditional.noPreemptHead",
			"server.conditional.noetag":            "server.conditional.noEtag",
			"server.conditional.nolastmodified":    "server.conditional.noLastModified",
			"server.conditional.noexpires":         "server.conditional.noExpires",
			"server.conditional.checkifrange":      "server.conditional.checkIfRange",
			"server.validators.ttlseconds":         "server.validators.ttlSeconds",
			"server.validators.keysalt":            "server.validators.keySalt",
			"server.validators.redis.tls.cafile":   "server.validators.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRoutes = cloneRouteMap(cfg.Routes)

	bundle, err := buildRouteBundle(ctx, cfg.InlineRoutes, cfg.Server.Routes)
	if err != nil {
		return Config{}, err
	}
	cfg.Routes = bundle.Routes
	cfg.RouteSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"routes": map[string]any{
				"routesFolder": cfg.Server.Routes.RoutesFolder,
				"routesFile":   cfg.Server.Routes.RoutesFile,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
			"conditional": map[string]any{
				"noPreemptHead":  cfg.Server.Conditional.NoPreemptHead,
				"noEtag":         cfg.Server.Conditional.NoEtag,
				"noLastModified": cfg.Server.Conditional.NoLastModified,
				"noExpires":      cfg.Server.Conditional.NoExpires,
				"strong":         cfg.Server.Conditional.Strong,
				"checkIfRange":   cfg.Server.Conditional.CheckIfRange,
			},
			"validators": map[string]any{
				"backend":    cfg.Server.Validators.Backend,
				"ttlSeconds": cfg.Server.Validators.TTLSeconds,
				"keySalt":    cfg.Server.Validators.KeySalt,
				"redis": map[string]any{
					"address":  cfg.Server.Validators.Redis.Address,
					"username": cfg.Server.Validators.Redis.Username,
					"password": cfg.Server.Validators.Redis.Password,
					"db":       cfg.Server.Validators.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Validators.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Validators.Redis.TLS.CAFile,
					},
				},
			},
		},
	}
}
