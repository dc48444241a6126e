package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/condgate/condgate/internal/conditional"
)

// Config holds every server-level option plus the route artifacts once they are loaded.
type Config struct {
	Server ServerConfig           `koanf:"server"`
	Routes map[string]RouteConfig `koanf:"routes"`

	InlineRoutes map[string]RouteConfig `koanf:"-"`

	// RouteSources records which files contributed route definitions once the
	// loader resolves the configured sources. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	RouteSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions the
	// loader intentionally disabled. Downstream agents can surface these in health
	// checks without re-parsing raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen      ListenConfig           `koanf:"listen"`
	Logging     LoggingConfig          `koanf:"logging"`
	Routes      RoutesSourceConfig     `koanf:"routes"`
	Templates   TemplatesConfig        `koanf:"templates"`
	Conditional ConditionalConfig      `koanf:"conditional"`
	Validators  ServerValidatorsConfig `koanf:"validators"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RoutesSourceConfig announces how route documents are sourced.
type RoutesSourceConfig struct {
	RoutesFolder string `koanf:"routesFolder"`
	RoutesFile   string `koanf:"routesFile"`
}

// TemplatesConfig captures the template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// ConditionalConfig carries the process-wide evaluation defaults. Routes may
// layer per-route overrides on top of these.
type ConditionalConfig struct {
	NoPreemptHead  bool `koanf:"noPreemptHead"`
	NoEtag         bool `koanf:"noEtag"`
	NoLastModified bool `koanf:"noLastModified"`
	NoExpires      bool `koanf:"noExpires"`
	Strong         bool `koanf:"strong"`
	CheckIfRange   bool `koanf:"checkIfRange"`
}

// Options converts the configured defaults into evaluation options.
func (c ConditionalConfig) Options() conditional.Options {
	return conditional.Options{
		NoPreemptHead:  c.NoPreemptHead,
		NoETag:         c.NoEtag,
		NoLastModified: c.NoLastModified,
		NoExpires:      c.NoExpires,
		Strong:         c.Strong,
		CheckIfRange:   c.CheckIfRange,
	}
}

type ServerValidatorsConfig struct {
	Backend    string                 `koanf:"backend"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	KeySalt    string                 `koanf:"keySalt"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DefinitionSkip describes a configuration artifact that the loader intentionally
// ignored because it violated invariants (for example duplicate names across
// files). Runtime agents can surface these in health checks so operators know
// which definitions were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// RouteConfig describes one origin-facing route: where it mounts, where the
// origin lives, and how conditional evaluation and validator caching behave
// for requests under its prefix.
type RouteConfig struct {
	Description string `koanf:"description"`
	Prefix      string `koanf:"prefix"`
	Origin      string `koanf:"origin"`

	Conditional        RouteConditionalConfig        `koanf:"conditional"`
	Freshness          RouteFreshnessConfig          `koanf:"freshness"`
	BypassWhen         []string                      `koanf:"bypassWhen"`
	PreconditionFailed RoutePreconditionFailedConfig `koanf:"preconditionFailed"`
	Headers            HeaderCurationConfig          `koanf:"headers"`
}

// RouteConditionalConfig is the per-route layer of the two-layer option merge.
// Unset fields inherit the server-wide defaults.
type RouteConditionalConfig struct {
	NoPreemptHead  *bool `koanf:"noPreemptHead"`
	NoEtag         *bool `koanf:"noEtag"`
	NoLastModified *bool `koanf:"noLastModified"`
	NoExpires      *bool `koanf:"noExpires"`
	Strong         *bool `koanf:"strong"`
	CheckIfRange   *bool `koanf:"checkIfRange"`
}

// Overrides converts the per-route tri-state fields into evaluation overrides.
func (c RouteConditionalConfig) Overrides() conditional.Overrides {
	return conditional.Overrides{
		NoPreemptHead:  c.NoPreemptHead,
		NoETag:         c.NoEtag,
		NoLastModified: c.NoLastModified,
		NoExpires:      c.NoExpires,
		Strong:         c.Strong,
		CheckIfRange:   c.CheckIfRange,
	}
}

// RouteFreshnessConfig controls how long cached validators stay authoritative
// before the route revalidates against the origin.
type RouteFreshnessConfig struct {
	FollowCacheControl *bool  `koanf:"followCacheControl"` // nil = true (default)
	DefaultTTL         string `koanf:"defaultTTL"`
	MaxTTL             string `koanf:"maxTTL"`
}

// FollowsCacheControl reports whether origin Cache-Control directives bound
// the validator TTL. Defaults to true when not explicitly set.
func (c RouteFreshnessConfig) FollowsCacheControl() bool {
	if c.FollowCacheControl == nil {
		return true
	}
	return *c.FollowCacheControl
}

// TTL returns the configured fallback validator lifetime, 0 when unset or
// unparseable.
func (c RouteFreshnessConfig) TTL() time.Duration {
	return parseDuration(c.DefaultTTL)
}

// Cap returns the upper bound applied to origin-supplied lifetimes, 0 meaning
// uncapped.
func (c RouteFreshnessConfig) Cap() time.Duration {
	return parseDuration(c.MaxTTL)
}

func parseDuration(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// RoutePreconditionFailedConfig shapes the body sent with a 412 preemption.
// Body and BodyFile are Go templates rendered in the sandbox.
type RoutePreconditionFailedConfig struct {
	Body        string `koanf:"body"`
	BodyFile    string `koanf:"bodyFile"`
	ContentType string `koanf:"contentType"`
}

// HeaderCurationConfig filters and augments the headers forwarded to the
// origin and returned to the client.
type HeaderCurationConfig struct {
	Allow  []string          `koanf:"allow"`
	Strip  []string          `koanf:"strip"`
	Custom map[string]string `koanf:"custom"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Routes.RoutesFolder != "" && c.Server.Routes.RoutesFile != "" {
		return errors.New("config: routesFolder and routesFile are mutually exclusive")
	}
	if c.Server.Validators.TTLSeconds < 0 {
		return fmt.Errorf("config: server.validators.ttlSeconds invalid: %d", c.Server.Validators.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Validators.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Validators.Redis.Address) == "" {
			return errors.New("config: server.validators.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.validators.backend unsupported: %s", c.Server.Validators.Backend)
	}
	for name, route := range c.Routes {
		if err := validateRoute(name, route); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Routes: RoutesSourceConfig{
				RoutesFolder: "./routes",
			},
			Templates: TemplatesConfig{
				TemplatesFolder:   "./templates",
				TemplatesAllowEnv: false,
			},
			Validators: ServerValidatorsConfig{
				Backend:    "memory",
				TTLSeconds: 60,
			},
		},
	}
}

func validateRoute(name string, route RouteConfig) error {
	prefix := strings.TrimSpace(route.Prefix)
	if prefix == "" {
		return fmt.Errorf("config: route %q prefix required", name)
	}
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("config: route %q prefix must start with /: %s", name, route.Prefix)
	}
	origin := strings.TrimSpace(route.Origin)
	if origin == "" {
		return fmt.Errorf("config: route %q origin required", name)
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("config: route %q origin invalid: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: route %q origin scheme unsupported: %s", name, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("config: route %q origin host required", name)
	}
	if route.Freshness.DefaultTTL != "" {
		if _, err := time.ParseDuration(route.Freshness.DefaultTTL); err != nil {
			return fmt.Errorf("config: route %q freshness.defaultTTL invalid: %w", name, err)
		}
	}
	if route.Freshness.MaxTTL != "" {
		if _, err := time.ParseDuration(route.Freshness.MaxTTL); err != nil {
			return fmt.Errorf("config: route %q freshness.maxTTL invalid: %w", name, err)
		}
	}
	if route.PreconditionFailed.Body != "" && route.PreconditionFailed.BodyFile != "" {
		return fmt.Errorf("config: route %q preconditionFailed body and bodyFile are mutually exclusive", name)
	}
	return nil
}
