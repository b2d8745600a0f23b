// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the onegate server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"onegate/config"
	"onegate/internal/adapters"
	"onegate/internal/admin"
	"onegate/internal/cache"
	"onegate/internal/channel"
	"onegate/internal/dispatch"
	"onegate/internal/outcomes"
	"onegate/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config     *config.Config
	factory    *adapters.Factory
	outcomes   *outcomes.Result
	cache      cache.Cache
	dispatcher *dispatch.Dispatcher
	prober     *channel.Prober
	server     *server.Server

	stopProbing     func()
	stopPersistence func()

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration produced by config.Load.
	AppConfig *config.LoadResult

	// Factory holds the adapter types channels can be built from.
	Factory *adapters.Factory
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	appCfg := cfg.AppConfig.Config
	app := &App{
		config:  appCfg,
		factory: cfg.Factory,
	}

	outcomeResult, err := outcomes.New(ctx, appCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize outcome log: %w", err)
	}
	app.outcomes = outcomeResult

	healthCache, err := newCache(ctx, appCfg.Cache)
	if err != nil {
		closeErr := app.outcomes.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize health cache: %w (also: outcomes close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize health cache: %w", err)
	}
	app.cache = healthCache

	evaluator := channel.NewEvaluator(channel.EvaluatorConfig{
		FailureThreshold:  appCfg.Evaluator.FailureThreshold,
		Cooldown:          seconds(appCfg.Evaluator.Cooldown),
		OnExclusionChange: dispatch.ObserveExclusion,
	})

	registry := channel.NewRegistry()
	for _, ch := range BuildChannels(appCfg.Channels, cfg.Factory) {
		if err := registry.Add(ch); err != nil {
			slog.Error("failed to register channel", "channel", ch.Name(), "error", err)
		}
	}

	app.dispatcher = dispatch.New(registry, evaluator, outcomeResult.Logger, dispatch.Config{
		MaxAttempts:    appCfg.Dispatch.MaxAttempts,
		AttemptTimeout: seconds(appCfg.Dispatch.AttemptTimeout),
	})

	if app.cache != nil {
		channel.LoadHealth(ctx, app.cache, evaluator, registry.List())
		app.stopPersistence = channel.StartHealthPersistence(app.cache, evaluator, seconds(appCfg.Cache.SnapshotInterval))
	}

	app.prober = channel.NewProber(registry.List, evaluator, seconds(appCfg.Probe.Timeout))
	if appCfg.Probe.Interval > 0 {
		app.stopProbing = app.prober.StartBackgroundProbing(seconds(appCfg.Probe.Interval))
	}

	app.logStartupInfo()

	serverCfg := &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		AdminHandler:    admin.NewHandler(app.dispatcher, cfg.Factory, app.prober, outcomeResult.Reader),
	}
	if store := outcomeResult.Storage; store != nil {
		serverCfg.HealthCheck = store.Ping
	}
	app.server = server.New(app.dispatcher, serverCfg)

	return app, nil
}

// BuildChannels creates a channel for every configured entry. Entries that
// fail to build are logged and skipped so one bad credential does not keep
// the gateway down.
func BuildChannels(cfgs []config.ChannelConfig, factory *adapters.Factory) []*channel.Channel {
	channels := make([]*channel.Channel, 0, len(cfgs))
	for _, c := range cfgs {
		ch, err := channel.New(channel.Spec{
			Name:        c.Name,
			AdapterType: c.Type,
			Priority:    c.Priority,
			Enabled:     c.IsEnabled(),
			Config:      c.Config,
		}, factory)
		if err != nil {
			slog.Error("failed to create channel", "channel", c.Name, "type", c.Type, "error", err)
			continue
		}
		channels = append(channels, ch)
	}
	return channels
}

// ReloadChannels rebuilds the channel set from cfgs. Channels that keep
// their name and adapter type keep their health.
func (a *App) ReloadChannels(cfgs []config.ChannelConfig) error {
	return a.dispatcher.ReloadChannels(BuildChannels(cfgs, a.factory))
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "redis":
		c, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			URL: cfg.Redis.URL,
			Key: cfg.Redis.Key,
			TTL: seconds(cfg.Redis.TTL),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return cache.NewLocalCache(cfg.Local.Path), nil
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Dispatcher returns the request dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Background probing stops.
// 3. Health persistence stops after a final snapshot, then the cache closes.
// 4. Channels close, releasing backend sessions.
// 5. Outcome log close (flushes pending entries, closes storage).
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every step and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.stopProbing != nil {
		a.stopProbing()
	}

	if a.stopPersistence != nil {
		a.stopPersistence()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("health cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if a.dispatcher != nil {
		a.dispatcher.Close()
	}

	if a.outcomes != nil {
		if err := a.outcomes.Close(); err != nil {
			slog.Error("outcome log close error", "error", err)
			errs = append(errs, fmt.Errorf("outcomes close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: ONEGATE_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set ONEGATE_MASTER_KEY environment variable to secure this gateway")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	channels := a.dispatcher.Registry().List()
	enabled := 0
	for _, ch := range channels {
		if ch.Enabled() {
			enabled++
		}
	}
	slog.Info("channels configured",
		"configured", len(cfg.Channels),
		"registered", len(channels),
		"enabled", enabled,
		"adapters", a.factory.ListRegistered(),
	)
	if len(channels) == 0 {
		slog.Warn("no channels registered; every chat request will fail")
	}

	slog.Info("dispatch configured",
		"max_attempts", cfg.Dispatch.MaxAttempts,
		"attempt_timeout", seconds(cfg.Dispatch.AttemptTimeout),
		"failure_threshold", cfg.Evaluator.FailureThreshold,
		"cooldown", seconds(cfg.Evaluator.Cooldown),
	)

	if cfg.Probe.Interval > 0 {
		slog.Info("channel probing enabled", "interval", seconds(cfg.Probe.Interval), "timeout", seconds(cfg.Probe.Timeout))
	} else {
		slog.Info("channel probing disabled")
	}

	slog.Info("health cache configured", "type", cfg.Cache.Type)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Outcomes.Enabled {
		slog.Info("outcome log enabled",
			"storage", cfg.Storage.Type,
			"buffer_size", cfg.Outcomes.BufferSize,
			"flush_interval", cfg.Outcomes.FlushInterval,
			"retention_days", cfg.Outcomes.RetentionDays,
		)
	} else {
		slog.Info("outcome log disabled")
	}
}
