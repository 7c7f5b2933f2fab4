// Package session manages stored crawl sessions: listing, merging, exporting
// and cleaning them up on top of a storage backend.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/cite-weaver/internal/config"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Store is the session facade over a durable backend. It also serves as the
// crawler's checkpointer.
type Store struct {
	backend storage.Backend
	log     *logrus.Entry
	now     func() time.Time
}

// NewStore wraps a backend.
func NewStore(backend storage.Backend, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		backend: backend,
		log:     log.WithField("component", "session"),
		now:     time.Now,
	}
}

// Open creates the backend selected by cfg.Store.
func Open(cfg *config.Config, log *logrus.Entry) (*Store, error) {
	var backend storage.Backend
	switch cfg.Store {
	case config.StoreFile:
		fs, err := storage.NewFileStore(cfg.SessionDir, log)
		if err != nil {
			return nil, err
		}
		backend = fs
	case config.StoreSQLite, "":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		backend = db
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStore, cfg.Store)
	}
	return NewStore(backend, log), nil
}

// Save persists a checkpoint.
func (s *Store) Save(ctx context.Context, state *storage.SessionState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	if err := s.backend.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	return nil
}

// Load returns a stored session; storage.ErrNotFound if it was never saved.
func (s *Store) Load(ctx context.Context, id string) (*storage.SessionState, error) {
	state, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return state, nil
}

// List returns summaries, newest first.
func (s *Store) List(ctx context.Context) ([]storage.Summary, error) {
	return s.backend.List(ctx)
}

// Delete removes a stored session.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Merge combines stored sessions into a new one, saves it and returns it.
func (s *Store) Merge(ctx context.Context, ids ...string) (*storage.SessionState, error) {
	if len(ids) < 2 {
		return nil, ErrNothingToMerge
	}
	states := make([]*storage.SessionState, 0, len(ids))
	for _, id := range ids {
		state, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	merged, err := MergeStates(NewID(), s.now(), states...)
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, merged); err != nil {
		return nil, err
	}
	s.log.WithField("session_id", merged.SessionID).
		Infof("Merged %d sessions (%d nodes, %d visited URLs)", len(ids), len(merged.Nodes), len(merged.Visited))
	return merged, nil
}

// Export renders a stored session in the given format.
func (s *Store) Export(ctx context.Context, id string, format Format) ([]byte, error) {
	state, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return Export(state, format)
}

// Cleanup deletes sessions created before now-olderThan. With dryRun set it
// only reports what would be removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration, dryRun bool) ([]storage.Summary, error) {
	summaries, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan)

	var removed []storage.Summary
	for _, sum := range summaries {
		if !sum.CreatedAt.Before(cutoff) {
			continue
		}
		if !dryRun {
			if err := s.backend.Delete(ctx, sum.SessionID); err != nil {
				return removed, fmt.Errorf("failed to delete session %s: %w", sum.SessionID, err)
			}
			s.log.Infof("Deleted session %s (created %s)", sum.SessionID, sum.CreatedAt.Format(time.RFC3339))
		}
		removed = append(removed, sum)
	}
	return removed, nil
}
