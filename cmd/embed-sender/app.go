package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/formbricks/embed-sender/internal/api/handlers"
	"github.com/formbricks/embed-sender/internal/config"
	"github.com/formbricks/embed-sender/internal/inference"
	"github.com/formbricks/embed-sender/internal/observability"
	"github.com/formbricks/embed-sender/internal/repository"
	"github.com/formbricks/embed-sender/internal/service"
	"github.com/formbricks/embed-sender/internal/status"
	"github.com/formbricks/embed-sender/internal/worker"
	"github.com/formbricks/embed-sender/internal/workers"
)

const forwardRetryMaxWorkers = 4

// App holds all sender dependencies and coordinates startup and shutdown.
type App struct {
	cfg           *config.Config
	pipeline      *worker.DispatchPipeline
	addresses     *status.AddressResolver
	reporter      *status.Reporter                    // nil when MANAGEMENT_STATUS_API is unset
	river         *river.Client[pgx.Tx]               // nil when the forward retry queue is disabled
	server        *http.Server                        // nil when METRICS_PORT is unset
	meterProvider observability.MeterProviderShutdown // nil when metrics are disabled
}

// NewApp builds and wires all components. It does not start anything; call Run.
func NewApp(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, runID string) (*App, error) {
	var (
		meterProvider  observability.MeterProviderShutdown
		metricsHandler http.Handler
		metrics        observability.DispatchMetrics
	)

	if cfg.MetricsPort == "" {
		slog.InfoContext(ctx, "metrics not enabled (METRICS_PORT empty or unset)")
	} else {
		var err error

		meterProvider, metricsHandler, metrics, err = observability.NewMeterProvider(ctx, observability.MeterProviderConfig{
			ServiceName: cfg.APIName,
		})
		if err != nil {
			return nil, fmt.Errorf("create meter provider: %w", err)
		}
	}

	queue := repository.NewQueueRepository(db)

	inferenceClient := inference.NewClient(cfg.GPUServerURL,
		inference.WithTimeout(cfg.InferenceTimeout),
		inference.WithRateLimit(cfg.InferenceRateLimit),
	)
	splitter := service.NewOverflowSplitter(inferenceClient, queue, metrics)

	addresses := status.NewAddressResolver(cfg.IPLookupURLs, cfg.IPCacheTTL,
		status.WithFailureTTL(cfg.IPFailureTTL),
	)
	forwarder := service.NewResultForwarder(cfg.ReceiverURL, cfg.ReceiverAuthToken,
		service.WithForwarderHTTPClient(&http.Client{Timeout: cfg.ForwardTimeout}),
		service.WithAddressResolver(addresses),
	)

	var (
		riverClient *river.Client[pgx.Tx]
		failed      worker.FailedForwardHandler
	)

	if cfg.ForwardRetryEnabled {
		riverWorkers := river.NewWorkers()
		river.AddWorker(riverWorkers, workers.NewForwardRetryWorker(forwarder, metrics))

		var err error

		riverClient, err = river.NewClient(riverpgxv5.New(db), &river.Config{
			Queues: map[string]river.QueueConfig{
				service.ForwardRetryQueueName: {MaxWorkers: forwardRetryMaxWorkers},
			},
			Workers:      riverWorkers,
			ErrorHandler: &workers.ErrorHandler{},
		})
		if err != nil {
			shutdownMeterProvider(meterProvider)

			return nil, fmt.Errorf("create River client: %w", err)
		}

		failed = service.NewForwardRetryEnqueuer(riverClient, cfg.ForwardRetryMaxAttempts, metrics)

		slog.InfoContext(ctx, "forward retry queue enabled",
			"queue", service.ForwardRetryQueueName,
			"max_attempts", cfg.ForwardRetryMaxAttempts,
		)
	} else {
		slog.InfoContext(ctx, "forward retry queue disabled (FORWARD_RETRY_ENABLED=false), failed forwards are only logged")
	}

	pipeline, err := worker.NewDispatchPipeline(worker.PipelineConfig{
		TaskID:          cfg.TaskID,
		TargetInFlight:  cfg.TargetInFlight,
		WorkBatchSize:   cfg.WorkBatchSize,
		OptionsBackoff:  cfg.OptionsBackoff,
		ReapWait:        cfg.ReapWait,
		IdleWait:        cfg.IdleWait,
		EmptyBackoff:    cfg.EmptyBackoff,
		ExitWhenDrained: cfg.ExitWhenDrained,
	}, queue, splitter, forwarder, failed, metrics)
	if err != nil {
		shutdownMeterProvider(meterProvider)

		return nil, fmt.Errorf("create dispatch pipeline: %w", err)
	}

	var reporter *status.Reporter
	if cfg.ManagementStatusAPI != "" {
		reporter = status.NewReporter(status.ReporterConfig{
			URL:        cfg.ManagementStatusAPI,
			Token:      cfg.ManagementScriptToken,
			APIName:    cfg.APIName,
			ActionType: cfg.ActionType,
			RunID:      runID,
			TaskID:     cfg.TaskID,
			Interval:   cfg.StatusInterval,
		}, addresses)
	}

	var server *http.Server
	if metricsHandler != nil {
		server = newHTTPServer(cfg.MetricsPort, handlers.NewHealthHandler(queue), metricsHandler)
	}

	return &App{
		cfg:           cfg,
		pipeline:      pipeline,
		addresses:     addresses,
		reporter:      reporter,
		river:         riverClient,
		server:        server,
		meterProvider: meterProvider,
	}, nil
}

// newHTTPServer builds the operational server: /health, /ready and /metrics, no auth.
func newHTTPServer(port string, health *handlers.HealthHandler, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.Check)
	mux.HandleFunc("GET /ready", health.Ready)
	mux.Handle("GET /metrics", metrics)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 15 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts River, the status reporter and the metrics server, then runs the dispatch
// pipeline until ctx is cancelled, the task drains, or a component fails.
// Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.river != nil {
		if err := a.river.Start(runCtx); err != nil {
			return fmt.Errorf("river: %w", err)
		}
	}

	serverErr := make(chan error, 1)

	if a.server != nil {
		go func() {
			slog.Info("Starting metrics server", "port", a.cfg.MetricsPort)

			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("server: %w", err)
			}
		}()
	}

	// Resolve the public address up front; forwards and reports share the cached result.
	go func() {
		if _, err := a.addresses.PublicAddress(runCtx); err != nil {
			slog.WarnContext(runCtx, "public address not resolved at startup", "error", err)
		}
	}()

	if a.reporter != nil {
		go a.reporter.Start(runCtx)
	}

	pipelineDone := make(chan error, 1)

	go func() {
		pipelineDone <- a.pipeline.Run(runCtx)
	}()

	select {
	case err := <-pipelineDone:
		return err
	case err := <-serverErr:
		cancel()
		<-pipelineDone

		return err
	}
}

// Shutdown stops the server, River and the meter provider in order. Call after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.river != nil {
		slog.InfoContext(ctx, "Stopping River forward retry queue...")

		if err := a.river.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("river stop: %w", err))
		}
	}

	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

func shutdownMeterProvider(mp observability.MeterProviderShutdown) {
	if mp == nil {
		return
	}

	if err := mp.Shutdown(context.Background()); err != nil {
		slog.Error("shutdown meter provider after init error", "error", err)
	}
}
