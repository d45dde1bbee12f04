package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/conversation"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// FileStore keeps one JSON document per run in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore creates dir (with ~ expanded) if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store dir: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &FileStore{dir: expanded, logger: logger.Named("store.file")}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes the state atomically through a temporary file.
func (s *FileStore) Save(ctx context.Context, state schemas.AgentRunState) error {
	if err := validRunID(state.RunID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := conversation.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, state.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(state.RunID)); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	s.logger.Debug("Saved run state.", observability.RunID(state.RunID), observability.Step(state.Step))
	return nil
}

// Load reads the state of runID.
func (s *FileStore) Load(ctx context.Context, runID string) (*schemas.AgentRunState, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(runID))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	state, err := conversation.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
