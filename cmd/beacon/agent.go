package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/beacon/internal/app/analytics"
	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/config"
	"github.com/coachpo/beacon/internal/infra/persistence/filestore"
	"github.com/coachpo/beacon/internal/infra/persistence/migrations"
	"github.com/coachpo/beacon/internal/infra/persistence/postgres"
	"github.com/coachpo/beacon/internal/infra/seal"
	"github.com/coachpo/beacon/internal/infra/telemetry"
	"github.com/coachpo/beacon/internal/infra/transport/httpsender"
)

const (
	agentLoggerPrefix = "beacon "
	meterName         = "github.com/coachpo/beacon/analytics"
)

// agent bundles the pipeline and the resources it owns.
type agent struct {
	cfg     config.AppConfig
	tokens  *domain.TokenHolder
	store   domain.Store
	service *analytics.Service
	db      *pgxpool.Pool
}

func newAgentLogger() *log.Logger {
	return log.New(os.Stdout, agentLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func componentLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

func newAgent(ctx context.Context, cfg config.AppConfig, logger *log.Logger, metrics *telemetry.PipelineMetrics) (*agent, error) {
	a := &agent{cfg: cfg, tokens: domain.NewTokenHolder(cfg.Analytics.ClientToken)}

	store, db, err := buildStore(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.db = db

	sender := httpsender.New(
		httpsender.WithTimeout(cfg.Transport.Timeout),
		httpsender.WithMaxAttempts(cfg.Transport.MaxAttempts),
		httpsender.WithRateLimit(cfg.Transport.RateLimit, cfg.Transport.Burst),
		httpsender.WithUserAgent(cfg.Transport.UserAgent),
		httpsender.WithLogger(componentLogger("transport/http ")),
		httpsender.WithDebug(cfg.Debug),
	)

	service, err := analytics.New(store, sender,
		analytics.WithBatchSize(cfg.Analytics.BatchSize),
		analytics.WithSDKLogsURL(cfg.Analytics.SDKLogsURL),
		analytics.WithFailureThreshold(cfg.Analytics.FailureThreshold),
		analytics.WithTokenSource(a.tokens),
		analytics.WithWorkers(cfg.Analytics.Workers, cfg.Analytics.QueueDepth),
		analytics.WithMaxConcurrency(cfg.Analytics.MaxConcurrency),
		analytics.WithLogger(componentLogger("analytics ")),
		analytics.WithMetrics(metrics),
		analytics.WithDebug(cfg.Debug),
	)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("initialise analytics service: %w", err)
	}
	a.service = service
	return a, nil
}

func buildStore(ctx context.Context, cfg config.AppConfig, logger *log.Logger, metrics *telemetry.PipelineMetrics) (domain.Store, *pgxpool.Pool, error) {
	secret, err := cfg.Storage.Secret()
	if err != nil {
		return nil, nil, err
	}
	sealer, err := seal.FromSecret(secret, cfg.Storage.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("derive storage key: %w", err)
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db := cfg.Storage.Database
		if db.RunMigrations {
			if err := migrations.ApplyEmbedded(ctx, db.DSN, logger); err != nil {
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			DSN:               db.DSN,
			MaxConns:          db.MaxConns,
			MinConns:          db.MinConns,
			MaxConnLifetime:   db.MaxConnLifetime,
			MaxConnIdleTime:   db.MaxConnIdleTime,
			HealthCheckPeriod: db.HealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewQueueStore(pool, sealer,
			postgres.WithQueueName(cfg.Storage.QueueName),
			postgres.WithLogger(componentLogger("storage/postgres ")),
			postgres.WithMetrics(metrics),
		)
		logger.Printf("queue stored in postgres (queue=%s)", cfg.Storage.QueueName)
		return store, pool, nil
	case config.BackendFile:
		path := cfg.Storage.Path
		if path == "" {
			path, err = filestore.DefaultPath()
			if err != nil {
				return nil, nil, err
			}
		}
		store, err := filestore.New(path, sealer,
			filestore.WithLogger(componentLogger("storage/file ")),
			filestore.WithMetrics(metrics),
		)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("queue stored in %s", store.Path())
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// close stops the service, waiting for background work until ctx is done,
// then releases the store.
func (a *agent) close(ctx context.Context) error {
	var err error
	if a.service != nil {
		err = a.service.Close(ctx)
	}
	a.closeStore()
	return err
}

func (a *agent) closeStore() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// loadAgent builds an agent for one-shot commands. Telemetry stays off.
func loadAgent(ctx context.Context) (*agent, error) {
	logger := newAgentLogger()
	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := newAgent(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func closeAgent(ctx context.Context, a *agent, err error) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, a.close(closeCtx))
}
