package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/zenfast/cycle-engine/internal/core/domain"
	"github.com/zenfast/cycle-engine/internal/infra/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Backend bundles the repository selected at startup with its lifecycle
// hooks. Selection happens exactly once; callers hold the interface.
type Backend struct {
	Name  string
	Repo  domain.CycleRepository
	Ping  func(ctx context.Context) error
	Close func() error
}

// NewBackend opens the configured storage backend and returns it behind the
// repository contract.
func NewBackend(cfg *config.Config, log *logrus.Logger) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return newPostgresBackend(cfg, log)
	case config.BackendBadger:
		return newBadgerBackend(cfg, log)
	case config.BackendRedis:
		return newRedisBackend(cfg, log)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newPostgresBackend(cfg *config.Config, log *logrus.Logger) (*Backend, error) {
	db, err := sqlx.Connect("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to postgres backend")

	return &Backend{
		Name: config.BackendPostgres,
		Repo: NewPostgresCycleRepository(db),
		Ping: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
		Close: db.Close,
	}, nil
}

func newBadgerBackend(cfg *config.Config, log *logrus.Logger) (*Backend, error) {
	// *logrus.Logger satisfies badger.Logger directly.
	opts := badger.DefaultOptions(cfg.BadgerPath).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(log)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.BadgerPath, err)
	}

	log.WithField("path", cfg.BadgerPath).Info("Opened badger backend")

	return &Backend{
		Name: config.BackendBadger,
		Repo: NewBadgerCycleRepository(db),
		Ping: func(ctx context.Context) error {
			if db.IsClosed() {
				return fmt.Errorf("badger database is closed")
			}
			return nil
		},
		Close: db.Close,
	}, nil
}

func newRedisBackend(cfg *config.Config, log *logrus.Logger) (*Backend, error) {
	addr := cfg.RedisHost + ":" + cfg.RedisPort

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	log.WithField("addr", addr).Info("Connected to redis backend")

	return &Backend{
		Name: config.BackendRedis,
		Repo: NewRedisCycleRepository(rdb),
		Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		Close: rdb.Close,
	}, nil
}
