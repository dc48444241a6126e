package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/condgate/condgate/internal/config"
	"github.com/condgate/condgate/internal/logging"
	"github.com/condgate/condgate/internal/metrics"
	"github.com/condgate/condgate/internal/runtime"
	"github.com/condgate/condgate/internal/runtime/validators"
	"github.com/condgate/condgate/internal/server"
	"github.com/condgate/condgate/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CONDGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		log.Fatalf("condgate: %v", err)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	storeLogger := logger.With(slog.String("agent", "store_factory"))
	store := buildValidatorStore(storeLogger, cfg.Server.Validators)

	var templateSandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder, cfg.Server.Templates.TemplatesAllowEnv, cfg.Server.Templates.TemplatesAllowedEnv)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			templateSandbox = sandbox
		}
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	pipe, err := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Store:              store,
		ServerTTL:          time.Duration(cfg.Server.Validators.TTLSeconds) * time.Second,
		KeySalt:            cfg.Server.Validators.KeySalt,
		Defaults:           cfg.Server.Conditional.Options(),
		Routes:             cfg.Routes,
		RouteSources:       cfg.RouteSources,
		SkippedDefinitions: cfg.SkippedDefinitions,
		TemplateSandbox:    templateSandbox,
		CorrelationHeader:  cfg.Server.Logging.CorrelationHeader,
		Metrics:            metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("validator store shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Routes.RoutesFile != "" || cfg.Server.Routes.RoutesFolder != "" {
		watcher, err := loader.WatchRoutes(ctx, cfg, func(bundle config.RouteBundle) {
			pipe.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("routes watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("routes watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewPipelineHandler(pipe, metricsRecorder.Handler())
	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildValidatorStore selects the validator backend. Redis setup failures fall
// back to the in-process store so the gate still serves, just without shared
// validators.
func buildValidatorStore(logger *slog.Logger, cfg config.ServerValidatorsConfig) validators.Store {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory validator store", slog.Duration("ttl", ttl))
		}
		return validators.NewMemory(ttl)
	case "redis":
		store, err := validators.NewRedis(validators.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: validators.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis validator store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory validator store")
			}
			return validators.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis validator store", slog.String("address", cfg.Redis.Address))
		}
		return store
	default:
		if logger != nil {
			logger.Warn("unsupported validator backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return validators.NewMemory(ttl)
	}
}
