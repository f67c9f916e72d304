package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/capture"
	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/decision"
	"github.com/pitabwire/docket/internal/jobs"
	"github.com/pitabwire/docket/internal/navigation"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/transport"
	"github.com/pitabwire/docket/internal/workflow"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	return cmd
}

// serve wires every component from cfg and runs the server until ctx is
// cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "docketd", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	sources, err := buildSources(cfg, logger)
	if err != nil {
		return err
	}
	patterns, err := navigation.CompilePatterns(cfg.Navigation.TranscriptPatterns)
	if err != nil {
		return fmt.Errorf("transcript patterns: %w", err)
	}

	sessions := decision.NewRegistry(metrics, logger)
	decisions := decision.NewChannel(sessions, metrics, logger)
	breakers := capture.NewBreakerSet(cfg.Capture.Breaker.FailureThreshold, cfg.Capture.Breaker.Cooldown, metrics)

	coordinator := workflow.NewCoordinator(cfg, workflow.Deps{
		Sources:   sources,
		Decisions: decisions,
		Race:      capture.NewRace(cfg.Capture, breakers, metrics, logger),
		Patterns:  patterns,
		Metrics:   metrics,
		Logger:    logger,
	})

	jobStore, jobStoreCloser, err := buildJobStore(ctx, cfg.Jobs.Store, logger)
	if err != nil {
		return err
	}
	if jobStoreCloser != nil {
		defer jobStoreCloser()
	}

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	if err := os.MkdirAll(cfg.Jobs.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("download dir: %w", err)
	}

	manager := jobs.NewManager(jobStore, coordinator, sources, idemStore, jobs.Options{
		MaxActive:      cfg.Jobs.MaxActive,
		DownloadPath:   cfg.Jobs.DownloadDir,
		DefaultSource:  cfg.Navigation.DefaultSource,
		IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
	}, logger)

	if n, err := manager.Reconcile(ctx); err != nil {
		logger.Error("job reconciliation failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("marked interrupted jobs as failed", zap.Int("jobs", n))
	}

	readiness := observability.ReadinessChecks{
		DownloadDir: observability.HealthCheckFunc(manager.CheckDownloadPath),
		JobStore:    jobStore,
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Auth:           transport.NewAuthenticator(cfg.Auth),
		Jobs:           manager,
		Sessions:       sessions,
		Decisions:      decisions,
		Readiness:      readiness,
		MetricsHandler: observability.Handler(),
	})

	// WriteTimeout stays zero: it would cut long-lived operator sockets.
	// Handlers are bounded by HandlerTimeout instead.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", cfg.Jobs.Mode),
		zap.Strings("sources", sources.Names()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		serveErr = err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("jobs did not stop in time", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// buildSources registers the navigation sources available to jobs.
func buildSources(cfg *config.Config, logger *zap.Logger) (*navigation.Registry, error) {
	sources := navigation.NewRegistry()
	if cfg.Navigation.ScriptedFixture == "" {
		logger.Warn("no scripted fixture configured, scripted source disabled")
		return sources, nil
	}
	fixture, err := navigation.LoadFixture(cfg.Navigation.ScriptedFixture)
	if err != nil {
		return nil, err
	}
	logger.Info("scripted fixture loaded",
		zap.Strings("files", fixture.SourceFiles),
		zap.Int("cases", len(fixture.Cases)),
		zap.String("checksum", fixture.Checksum),
	)
	sources.Register(navigation.ScriptedSource, navigation.NewScriptedFactory(fixture, navigation.ScriptedOptions{
		Fetch: capture.FetchOptions{
			Attempts:     cfg.Capture.StrategyAttempts,
			Interval:     cfg.Capture.RetryDelay,
			InitialDelay: cfg.Capture.FetchInitialDelay,
			MaxSize:      cfg.Capture.MaxSize,
		},
	}))
	return sources, nil
}

// buildJobStore creates the job ledger based on config.
func buildJobStore(ctx context.Context, cfg config.JobStoreConfig, logger *zap.Logger) (jobs.JobStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory job store")
		return jobs.NewMemoryJobStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("job store: %s environment variable not set", cfg.DSNEnv)
		}
		pool, err := jobs.OpenPool(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("job store: %w", err)
		}
		store := jobs.NewPgJobStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("job store: %w", err)
		}
		logger.Info("using postgres job store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the job creation idempotency store. A nil
// store disables deduplication.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (jobs.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return jobs.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return jobs.NewRedisIdempotencyStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
