package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const sessionFileExt = ".json"

// FileStore keeps one JSON document per session in a directory.
// Writes go to a temporary file in the same directory and are renamed into
// place, so a reader only ever sees a complete document.
type FileStore struct {
	dir string
	log *logrus.Entry
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, log *logrus.Entry) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FileStore{dir: dir, log: log.WithField("component", "filestore")}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+sessionFileExt)
}

// Save writes the snapshot atomically.
func (f *FileStore) Save(_ context.Context, state *SessionState) error {
	if err := ValidateState(state); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	doc := *state
	doc.Version = CurrentVersion
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+state.SessionID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(state.SessionID)); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	committed = true
	return nil
}

// Load reads and validates one session document.
func (f *FileStore) Load(_ context.Context, sessionID string) (*SessionState, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return decodeState(data, sessionID)
}

func decodeState(data []byte, sessionID string) (*SessionState, error) {
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, sessionID, err)
	}
	if err := checkVersion(&state); err != nil {
		return nil, err
	}
	if state.SessionID != sessionID {
		return nil, fmt.Errorf("%w: document names session %q", ErrCorrupt, state.SessionID)
	}
	if err := ValidateState(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

// List summarizes every readable session, newest first. Unreadable
// documents are logged and skipped.
func (f *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var summaries []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		id := strings.TrimSuffix(name, sessionFileExt)
		state, err := f.Load(ctx, id)
		if err != nil {
			f.log.Warnf("Skipping session %s: %v", id, err)
			continue
		}
		summaries = append(summaries, Summarize(state))
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries, nil
}

// Delete removes a session document.
func (f *FileStore) Delete(_ context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	err := os.Remove(f.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return err
}

// Close is a no-op; FileStore holds no open handles.
func (f *FileStore) Close() error {
	return nil
}
