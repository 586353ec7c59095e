package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/improver/internal/backend"
	"github.com/aristath/improver/internal/config"
	"github.com/aristath/improver/internal/events"
	"github.com/aristath/improver/internal/orchestrator"
	"github.com/aristath/improver/internal/tui"
	"github.com/aristath/improver/internal/validate"
	"github.com/aristath/improver/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// cycleRunner runs one improvement cycle.
type cycleRunner interface {
	RunCycle(ctx context.Context) (*orchestrator.CycleSummary, error)
}

func (c *RunCmd) Run(app *appContext) error {
	if !c.Once && c.Interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", c.Interval)
	}

	loadConfig := func() (*config.Config, error) { return config.LoadDefault(app.root) }
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Create ProcessManager for subprocess tracking
	pm := backend.NewProcessManager()

	inner, err := backend.New(backend.Config{
		Type:     c.Backend,
		Command:  c.Command,
		WorkDir:  app.root,
		Model:    c.Model,
		Provider: c.Provider,
	}, pm)
	if err != nil {
		return err
	}
	breakers := orchestrator.NewBreakerRegistry(app.logger)
	intel := orchestrator.NewResilientBackend(inner, breakers.Get(c.Backend), orchestrator.DefaultRetryConfig())
	defer intel.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := events.NewEventBus(registry)
	defer bus.Close()

	surface := tui.NewSurface(nil, app.out)
	sub := bus.SubscribeAll(0)
	defer bus.Unsubscribe(sub)
	go surface.Follow(app.ctx, sub)

	opts := []orchestrator.Option{
		orchestrator.WithSurface(surface),
		orchestrator.WithEventBus(bus),
		orchestrator.WithMetrics(registry),
		orchestrator.WithLogger(app.logger),
	}
	if cfg.DatabasePath != "" {
		db, err := openStore(app.ctx, app.root, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, orchestrator.WithPersistence(db))
	}

	engine, err := orchestrator.NewEngine(workspace.NewOSStore(app.root), intel, validate.NewSyntaxValidator(), loadConfig, opts...)
	if err != nil {
		return err
	}

	if c.MetricsAddr != "" {
		srv := serveMetrics(c.MetricsAddr, registry, app.logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	app.logger.Info("improver started", "root", app.root, "backend", c.Backend, "once", c.Once, "interval", c.Interval)

	errChan := make(chan error, 1)
	go func() {
		errChan <- runLoop(app.ctx, engine, c.Interval, c.Once, app.logger)
	}()

	select {
	case err := <-errChan:
		return err
	case <-app.ctx.Done():
		// Restore default signal handling so a second interrupt force-exits
		app.stop()
		app.logger.Info("shutdown signal received, cleaning up")

		if err := pm.KillAll(); err != nil {
			app.logger.Error("killing backend subprocesses", "error", err)
		}
		return awaitShutdown(errChan, shutdownTimeout, app.logger)
	}
}

// runLoop runs a cycle, then one every interval, until ctx ends.
// With once set it returns after the first cycle, reporting its error.
func runLoop(ctx context.Context, r cycleRunner, interval time.Duration, once bool, logger *slog.Logger) error {
	for {
		summary, err := r.RunCycle(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, orchestrator.ErrCycleInProgress):
			logger.Warn("previous cycle still running, skipping")
		case err != nil:
			if once {
				return err
			}
			logger.Error("improvement cycle failed", "error", err)
		case summary.Skipped:
			logger.Info("improvement disabled in configuration")
		default:
			logger.Info("cycle finished",
				"quality_score", summary.Report.QualityScore,
				"proposed", summary.Proposed,
				"enqueued", summary.Enqueued,
				"completed", summary.Completed,
				"failed", summary.Failed,
				"cancelled", summary.Cancelled)
		}

		if once {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// awaitShutdown waits up to timeout for the run loop to report back.
func awaitShutdown(errChan <-chan error, timeout time.Duration, logger *slog.Logger) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errChan:
		logger.Info("shutdown complete")
		return err
	case <-timer.C:
		logger.Warn("shutdown timeout exceeded, forcing exit")
		return nil
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
