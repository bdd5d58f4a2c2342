package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/autoflow/internal/config"
	"github.com/pitabwire/autoflow/internal/definition"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/internal/transport"
	"github.com/pitabwire/autoflow/internal/workflow"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workflow runners and schedule poller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, cfg.Observability.ServiceName, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Load and validate definitions before touching the store so a broken
	// file fails fast.
	registry, err := loadRegistry(cfg.Engine.Definitions)
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	claimer, claimCheck, closeClaimer, err := buildClaimer(cfg.Claim, logger)
	if err != nil {
		return err
	}
	defer closeClaimer()

	engine := workflow.NewEngine(store,
		workflow.WithExecutor(buildExecutor(cfg, logger, metrics)),
		workflow.WithClaimer(claimer),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithMaxSteps(cfg.Engine.MaxStepsPerRun),
	)

	created, err := registry.ImportAll(ctx, engine)
	if err != nil {
		return err
	}
	if registry.Len() > 0 {
		logger.Info("definitions imported",
			zap.Int("loaded", registry.Len()),
			zap.Int("created", created),
			zap.String("checksum", registry.Checksum()),
		)
	}

	if cfg.Engine.RecoverOnStart {
		if _, err := engine.RecoverRunning(ctx); err != nil {
			return fmt.Errorf("recover running instances: %w", err)
		}
	}

	scheduler := workflow.NewScheduler(engine,
		workflow.WithPollInterval(cfg.Engine.SchedulePollInterval),
		workflow.WithBatchSize(cfg.Engine.ScheduleBatchSize),
		workflow.WithSchedulerLogger(logger),
		workflow.WithSchedulerMetrics(metrics),
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Engine:    engine,
		Validator: definition.NewValidator(),
		Logger:    logger,
		Metrics:   metrics,
		Readiness: observability.ReadinessChecks{
			Store:             observability.CheckFunc(store.Ping),
			Claim:             claimCheck,
			DefinitionsLoaded: func() bool { return len(cfg.Engine.Definitions) == 0 || registry.Len() > 0 },
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("claim", cfg.Claim.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("workflow engine shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// loadRegistry loads and validates every definition under dirs.
func loadRegistry(dirs []string) (*definition.Registry, error) {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, fmt.Errorf("definition loading failed: %w", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		return nil, validationFailure(verrs)
	}
	return definition.NewRegistry(defs), nil
}

func validationFailure(verrs []definition.VError) error {
	errs := make([]error, len(verrs))
	for i, ve := range verrs {
		errs[i] = ve
	}
	return fmt.Errorf("definition validation failed (%d errors): %w", len(verrs), errors.Join(errs...))
}
