package main

import (
	"context"
	"log/slog"
	"os"

	"taro/internal/config"
	"taro/internal/infra/etcd"
	"taro/internal/infra/memory"
	"taro/internal/infra/sqlite"
	"taro/internal/logging"
	"taro/internal/metrics"
	"taro/internal/persistence"
	"taro/internal/tracing"
	"taro/internal/usecase"

	"github.com/cockroachdb/errors"
)

// app holds the components shared by all commands.
type app struct {
	cfg     *config.Config
	loader  *config.Loader
	logger  *slog.Logger
	catalog *persistence.Catalog
	manager *persistence.Manager
	service *usecase.JobService
	closers []func() error
}

func newApp(configPath string, verbose bool) (*app, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	// --verbose has a precedence over config file
	if verbose {
		cfg.Log.Mode = "enabled"
		cfg.Log.Stdout.Level = "debug"
	}

	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, loader: loader, logger: logger, closers: []func() error{closeLog}}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer("taro", os.Stderr)
		if err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "failed to initialize tracer")
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	}

	a.catalog = persistence.NewCatalog()
	memory.Register(a.catalog)
	sqlite.Register(a.catalog, sqlite.Config{Path: cfg.Persistence.Database}, logger)
	etcd.Register(a.catalog, etcd.Config{
		Endpoints: cfg.Persistence.Etcd.Endpoints,
		Timeout:   cfg.Persistence.Etcd.Timeout,
	}, logger)
	a.manager = persistence.NewManager(a.catalog, cfg.PersistenceSettings(), logger)

	var plugins []usecase.Plugin
	for _, name := range cfg.Plugins {
		switch name {
		case metrics.PluginName:
			plugins = append(plugins, metrics.NewObserver())
		case tracing.PluginName:
			plugins = append(plugins, tracing.NewObserver(nil))
		}
	}
	a.service = usecase.NewJobService(a.manager, logger,
		usecase.WithPlugins(plugins...),
		usecase.WithDisabledJobs(cfg.DisabledJobRules()),
	)
	return a, nil
}

// writeMetrics dumps metrics to the configured textfile, if any.
func (a *app) writeMetrics() {
	if a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
}

// Close releases persistence and the remaining resources in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
