package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/catalog"
	"github.com/pitabwire/jornada/internal/journey"
	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	// Step 1: Load configuration and telemetry.
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("tracing initialization: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Open the store.
	s, storeCheck, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Step 3: Seed the template catalog.
	cat := catalog.New(s, catalog.WithLogger(logger))
	if err := seedTemplates(ctx, cat, cfg.Catalog.Directories, logger); err != nil {
		return err
	}

	// Step 4: Build the notification channel, idempotency store and engines.
	rc := &sharedRedis{cfg: cfg.Notifications.Redis}
	defer rc.close(logger)

	dispatcher, queueCheck, err := buildDispatcher(cfg.Notifications, rc, logger, metrics)
	if err != nil {
		return err
	}
	idem, err := buildIdempotencyStore(cfg.Idempotency, rc)
	if err != nil {
		return err
	}

	linker := billing.NewLinker(s, billing.WithLogger(logger), billing.WithObserver(metrics))
	reconciler := billing.NewReconciler(s, billing.WithLogger(logger), billing.WithObserver(metrics))
	engine := journey.NewEngine(s, linker,
		journey.WithLogger(logger),
		journey.WithObserver(metrics),
		journey.WithDispatcher(dispatcher),
	)

	// Step 5: Build the HTTP router.
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Catalog:     cat,
		Engine:      engine,
		Linker:      linker,
		Metrics:     metrics,
		Idempotency: idem,
		Readiness: observability.ReadinessChecks{
			Store:             storeCheck,
			NotificationQueue: queueCheck,
			Sweep:             reconciler,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sweepDone := make(chan struct{})
	if cfg.Billing.SweepEnabled {
		go func() {
			defer close(sweepDone)
			reconciler.Run(bgCtx, cfg.Billing.SweepInterval)
		}()
	} else {
		close(sweepDone)
	}

	// Step 7: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notifications", cfg.Notifications.Driver),
		zap.Bool("idempotency", idem != nil),
		zap.Bool("sweep_enabled", cfg.Billing.SweepEnabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let an in-flight sweep finish its current plan.
	bgCancel()
	select {
	case <-sweepDone:
	case <-shutdownCtx.Done():
		logger.Warn("reconciliation sweep did not stop before the shutdown deadline")
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
