package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/catalog"
	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/internal/idempotency"
	"github.com/pitabwire/jornada/internal/notify"
	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/internal/store"
)

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration: %w", err)
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

// buildStore opens the configured store. The returned closer is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		s := store.NewMemoryStore()
		return s, s, func() {}, nil
	case config.StorePostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		s := store.NewPgStore(pool)
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("store: migrate: %w", err)
			}
			logger.Info("store schema applied")
		}
		return s, s, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// sharedRedis opens one client on first use. The notification queue and the
// idempotency store both talk to notifications.redis.
type sharedRedis struct {
	cfg    config.RedisConfig
	client *redis.Client
}

func (s *sharedRedis) get() *redis.Client {
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Addr,
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		})
	}
	return s.client
}

func (s *sharedRedis) close(logger *zap.Logger) {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		logger.Warn("redis close failed", zap.Error(err))
	}
}

// buildDispatcher returns the notification channel wrapped in a circuit
// breaker. The health checker is nil unless the channel is remote.
func buildDispatcher(cfg config.NotificationsConfig, rc *sharedRedis, logger *zap.Logger, obs notify.Observer) (notify.Dispatcher, observability.HealthChecker, error) {
	var (
		next    notify.Dispatcher
		checker observability.HealthChecker
	)

	switch cfg.Driver {
	case config.NotifyLog:
		next = notify.NewLogDispatcher(logger)
	case config.NotifyRedis:
		queue := notify.NewRedisQueue(rc.get(), cfg.Redis.QueueKey)
		next, checker = queue, queue
	default:
		return nil, nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}

	cb := cfg.CircuitBreaker
	breaker := notify.NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout, clock.System{})
	guarded := notify.NewGuarded(next, breaker, notify.WithLogger(logger), notify.WithObserver(obs))
	return guarded, checker, nil
}

// buildIdempotencyStore returns nil when replay is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, rc *sharedRedis) (idempotency.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Driver {
	case config.IdempotencyMemory:
		return idempotency.NewMemoryStore(nil), nil
	case config.IdempotencyRedis:
		return idempotency.NewRedisStore(rc.get(), cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// seedTemplates loads template files from the configured directories and
// stores the ones not present yet. Missing directories are skipped.
func seedTemplates(ctx context.Context, cat *catalog.Catalog, dirs []string, logger *zap.Logger) error {
	existing := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			logger.Warn("template directory not found, skipping", zap.String("directory", dir))
			continue
		}
		existing = append(existing, dir)
	}

	files, err := catalog.NewLoader().LoadAll(existing)
	if err != nil {
		return fmt.Errorf("template loading: %w", err)
	}
	if _, err := cat.Seed(ctx, files); err != nil {
		return fmt.Errorf("template seeding: %w", err)
	}
	return nil
}
