// Package app provides the top-level application lifecycle management for the
// reconciliation engine. It wires together all dependencies (stores, caches,
// the ledger client, notifications) and starts the goroutines of the
// configured run mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/chainrecon/internal/config"
	"github.com/alanyoungcy/chainrecon/internal/telemetry"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	closers   []func()
	startedAt time.Time
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. Resources are released by Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("network", a.cfg.Network),
		slog.String("log_level", a.cfg.LogLevel),
	)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "chainrecon",
		Network:     a.cfg.Network,
		Endpoint:    a.cfg.Tracing.Endpoint,
		Insecure:    a.cfg.Tracing.Insecure,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("app: tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	})

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger.With(slog.String("component", "wire")))
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "subscriber":
		err = a.SubscriberMode(ctx, deps)
	case "api":
		err = a.APIMode(ctx, deps)
	case "full":
		err = a.FullMode(ctx, deps)
	default:
		err = fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	// Alerts and webhooks started by the last settlements finish before the
	// stores close.
	deps.Reconciler.Wait()
	return err
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
