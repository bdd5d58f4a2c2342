package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/action"
	"github.com/pitabwire/autoflow/internal/config"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/internal/workflow"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// buildStore opens the configured workflow store. The returned closer is
// never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), func() {}, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}

		// The database may still be starting when the server comes up.
		backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				logger.Warn("workflow store not reachable, retrying", zap.Error(err))
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		return store, store.Close, migrateIfEnabled(ctx, cfg, store)

	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.SQLitePath+"?_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: open %s: %w", cfg.SQLitePath, err)
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)

		store := workflow.NewSQLiteWorkflowStore(db)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}
		return store, store.Close, migrateIfEnabled(ctx, cfg, store)

	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

func migrateIfEnabled(ctx context.Context, cfg config.StoreConfig, store *workflow.SQLWorkflowStore) error {
	if !cfg.Migrate {
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("workflow store: migrate: %w", err)
	}
	return nil
}

// buildClaimer returns the instance claimer and, for Redis, a readiness
// check and a closer.
func buildClaimer(cfg config.ClaimConfig, logger *zap.Logger) (workflow.Claimer, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "local":
		return workflow.NewLocalClaimer(), nil, func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("claim: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		claimer := workflow.NewRedisClaimer(client,
			workflow.WithClaimTTL(cfg.TTL),
			workflow.WithClaimKeyPrefix(cfg.KeyPrefix),
			workflow.WithClaimLogger(logger),
		)
		logger.Info("using redis instance claims", zap.String("addr", addr))
		return claimer, observability.CheckFunc(claimer.Ping), func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported claim driver: %q", cfg.Driver)
	}
}

// buildExecutor wires the action handlers from config.
func buildExecutor(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *action.Executor {
	opts := []action.Option{
		action.WithHTTPClient(&http.Client{Timeout: cfg.Actions.HTTP.Timeout}),
		action.WithBreakers(action.NewBreakerSet(cfg.Actions.HTTP.BreakerFailureThreshold, cfg.Actions.HTTP.BreakerCooldown)),
		action.WithSandbox(action.NewSandbox(action.SandboxConfig{
			Timeout:      cfg.Actions.Code.Timeout,
			MaxCallStack: cfg.Actions.Code.MaxCallStack,
		}, logger)),
		action.WithLogger(logger),
		action.WithMetrics(metrics),
	}

	ai := cfg.Actions.AI
	if ai.Endpoint != "" {
		client := action.NewHTTPAIClient(ai.Endpoint, os.Getenv(ai.APIKeyEnv), ai.Model, &http.Client{Timeout: ai.Timeout})
		opts = append(opts, action.WithAIClient(client))
	} else {
		logger.Info("no AI endpoint configured, ai_task states will fail")
	}

	return action.NewExecutor(action.NewDispatcher(opts...),
		action.WithDefaultTimeout(cfg.Engine.DefaultStepTimeout),
		action.WithExecutorLogger(logger),
		action.WithExecutorMetrics(metrics),
	)
}
