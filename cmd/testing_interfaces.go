package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/condgate/condgate/internal/config"
	"github.com/condgate/condgate/internal/server"
)

// configLoader and runnableServer are construction seams so tests can drive
// run without touching the filesystem or binding a listener.
type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchRoutes(context.Context, config.Config, func(config.RouteBundle), func(error)) (routeWatcher, error)
}

type routeWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	if configFile == "" {
		return &loaderAdapter{Loader: config.NewLoader(envPrefix)}
	}
	return &loaderAdapter{Loader: config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

type loaderAdapter struct {
	*config.Loader
}

func (l *loaderAdapter) WatchRoutes(ctx context.Context, cfg config.Config, onChange func(config.RouteBundle), onError func(error)) (routeWatcher, error) {
	watcher, err := l.Loader.WatchRoutes(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}
