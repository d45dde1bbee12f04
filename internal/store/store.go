package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ErrNotFound is returned by Load when no state exists for a run id.
var ErrNotFound = errors.New("run state not found")

// Store persists resumable run state.
type Store interface {
	schemas.RunStore
	Close() error
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// validRunID keeps run ids usable as file names and keys.
func validRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// New creates the store selected by cfg. It returns nil for the none backend.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreFile:
		return NewFileStore(cfg.Dir, logger)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := NewRedisStore(ctx, client, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool, cfg.Postgres.Table, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.closer = pool.Close
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
