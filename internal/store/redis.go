package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/conversation"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// RedisStore keeps each run state under its own key with an optional TTL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisStore verifies the connection and returns the store.
func NewRedisStore(ctx context.Context, client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "pagepilot:run:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.Named("store.redis"),
	}, nil
}

func (s *RedisStore) key(runID string) string {
	return s.keyPrefix + runID
}

// Save overwrites the state and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, state schemas.AgentRunState) error {
	if err := validRunID(state.RunID); err != nil {
		return err
	}
	data, err := conversation.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(state.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	s.logger.Debug("Saved run state.", observability.RunID(state.RunID), observability.Step(state.Step))
	return nil
}

// Load reads the state of runID.
func (s *RedisStore) Load(ctx context.Context, runID string) (*schemas.AgentRunState, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	state, err := conversation.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
