package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/conversation"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps run states in a single table keyed by run id.
type PostgresStore struct {
	pool   DBPool
	table  string
	logger *zap.Logger
	closer func()
}

// NewPostgresStore verifies the connection and creates the table if needed.
func NewPostgresStore(ctx context.Context, pool DBPool, table string, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if table == "" {
		table = "agent_runs"
	}
	s := &PostgresStore{
		pool:   pool,
		table:  pgx.Identifier{table}.Sanitize(),
		logger: logger.Named("store.postgres"),
	}
	if _, err := pool.Exec(ctx, s.createSQL()); err != nil {
		return nil, fmt.Errorf("failed to create run table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		step INTEGER NOT NULL,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`, s.table)
}

func (s *PostgresStore) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (run_id, task, step, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			task = EXCLUDED.task,
			step = EXCLUDED.step,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`, s.table)
}

func (s *PostgresStore) selectSQL() string {
	return fmt.Sprintf(`SELECT state FROM %s WHERE run_id = $1`, s.table)
}

// Save upserts the state.
func (s *PostgresStore) Save(ctx context.Context, state schemas.AgentRunState) error {
	if err := validRunID(state.RunID); err != nil {
		return err
	}
	data, err := conversation.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, s.upsertSQL(), state.RunID, state.Task, state.Step, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	s.logger.Debug("Saved run state.", observability.RunID(state.RunID), observability.Step(state.Step))
	return nil
}

// Load reads the state of runID.
func (s *PostgresStore) Load(ctx context.Context, runID string) (*schemas.AgentRunState, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	var data []byte
	if err := s.pool.QueryRow(ctx, s.selectSQL(), runID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	state, err := conversation.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
