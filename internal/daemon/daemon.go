// Package daemon wires the store, providers, worker pool and HTTP API into
// one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"sixseven/internal/api"
	"sixseven/internal/config"
	"sixseven/internal/httputil"
	"sixseven/internal/logging"
	"sixseven/internal/notify"
	"sixseven/internal/observe"
	"sixseven/internal/orchestrator"
	"sixseven/internal/provider"
	"sixseven/internal/provider/creative"
	"sixseven/internal/provider/research"
	"sixseven/internal/store"
	"sixseven/internal/telemetry"
	"sixseven/internal/worker"
	"sixseven/internal/workflow"
)

// App is a fully wired service. Handler is safe to serve before Start, but
// commands fail to dispatch until the pool is running.
type App struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Pool         *worker.Pool
	Handler      http.Handler

	dispatcher *notify.Dispatcher
	queued     []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the store and builds every component from cfg. reg receives the
// service metrics; nil means a fresh registry with the Go and process
// collectors.
func New(cfg *config.Config, reg *prometheus.Registry) (*App, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	st, queued, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	retry := httputil.RetryConfig{
		MaxRetries:   *cfg.Retry.MaxRetries,
		BaseDelay:    cfg.Retry.BaseDelay.Duration,
		MaxDelay:     cfg.Retry.MaxDelay.Duration,
		JitterFactor: httputil.DefaultRetryConfig().JitterFactor,
	}
	hc := httputil.NewClient(cfg.Retry.RequestTimeout.Duration, retry)
	providers := provider.NewRegistry(
		research.New(research.Config{
			BaseURL:      cfg.Research.BaseURL,
			APIKey:       cfg.Research.APIKey,
			PollInterval: cfg.Research.PollInterval.Duration,
			Timeout:      cfg.Research.Timeout.Duration,
		}, hc),
		creative.New(creative.Config{
			BaseURL:      cfg.Creative.BaseURL,
			APIKey:       cfg.Creative.APIKey,
			PollInterval: cfg.Creative.PollInterval.Duration,
			Timeout:      cfg.Creative.Timeout.Duration,
		}, hc),
	)
	if cfg.Research.APIKey == "" {
		log.Warn().Msg("daemon: research api key not set; research jobs will fail")
	}
	if cfg.Creative.APIKey == "" {
		log.Warn().Msg("daemon: creative api key not set; creative jobs will fail")
	}

	metrics := telemetry.NewMetrics(reg)
	dispatcher := notify.NewDispatcher(notify.BuildSenders(cfg.Notifications, nil), cfg.Notifications.Triggers)
	hub := api.NewHub()
	obs := observe.Multi(observe.Log{}, metrics, dispatcher, hub)

	engine := workflow.New(st, providers, obs)
	pool := worker.NewPool(cfg.Server.MaxWorkers, engine)
	orch := orchestrator.New(st, pool, obs, orchestrator.Options{
		StaleAfter:  cfg.Status.StaleAfter.Duration,
		Timezone:    cfg.Defaults.Timezone,
		Imagination: cfg.Defaults.Imagination,
		AspectRatio: cfg.Defaults.AspectRatio,
	})

	return &App{
		Store:        st,
		Orchestrator: orch,
		Pool:         pool,
		Handler: api.NewServer(api.Options{
			Store:        st,
			Orchestrator: orch,
			Hub:          hub,
			Pool:         pool,
			Metrics:      metrics,
			Gatherer:     reg,
			RateLimit:    cfg.Server.RateLimit,
		}),
		dispatcher: dispatcher,
		queued:     queued,
	}, nil
}

// openStore returns the configured store and, for SQLite, the queued job IDs
// left behind by a previous process.
func openStore(cfg *config.Config) (store.Store, []string, error) {
	if cfg.Store != config.StoreSQLite {
		return store.NewMemoryStore(), nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	// Crash recovery: fail running jobs, re-dispatch queued ones.
	rec, err := st.RecoverInFlightJobs(context.Background())
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("crash recovery: %w", err)
	}
	if len(rec.Interrupted) > 0 {
		log.Info().Int("count", len(rec.Interrupted)).Msg("daemon: failed interrupted jobs")
	}
	return st, rec.Queued, nil
}

// Start runs the worker pool and notification dispatcher until ctx ends or
// Stop is called, then re-dispatches recovered queued jobs.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Pool.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatcher.Run(ctx)
	}()

	for _, id := range a.queued {
		if _, err := a.Pool.Dispatch(id); err != nil {
			log.Error().Err(err).Str("job", store.ShortID(id)).Msg("daemon: re-dispatch failed")
		}
	}
	if len(a.queued) > 0 {
		log.Info().Int("count", len(a.queued)).Msg("daemon: re-dispatched queued jobs")
	}
	a.queued = nil
}

// Stop cancels running workflows, flushes pending notifications and closes
// the store.
func (a *App) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.Pool.Stop()
	a.wg.Wait()
	return a.Store.Close()
}

// Run starts the service on cfg.Server.Addr and blocks until SIGINT/SIGTERM
// or ctx ends.
func Run(ctx context.Context, cfg *config.Config) error {
	logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	shutdownTracing, err := telemetry.SetupTracing(cfg.Telemetry.Tracing, cfg.Telemetry.TraceFile, config.Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("daemon: trace flush failed")
		}
	}()

	app, err := New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app.Start(ctx)

	// No WriteTimeout: job streams stay open until the job finishes.
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("daemon: api server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Info().Int("workers", cfg.Server.MaxWorkers).Str("store", cfg.Store).Msg("daemon: started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("daemon: shutdown signal received, stopping")
		// Force-exit on second signal.
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Error().Msg("daemon: second signal received, forcing exit")
			os.Exit(1)
		}()
	case err := <-serveErr:
		runErr = fmt.Errorf("api server: %w", err)
	}

	// Graceful shutdown with hard deadline.
	timeout := cfg.Server.ShutdownTimeout.Duration
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_ = httpSrv.Shutdown(shutdownCtx)
		done <- app.Stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Msg("daemon: close store failed")
		}
		log.Info().Msg("daemon: stopped")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
	return runErr
}
