package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(id string) *SessionState {
	created := time.Date(2024, 6, 2, 12, 34, 56, 0, time.UTC)
	throttled := created.Add(3 * time.Minute)
	return &SessionState{
		SessionID:    id,
		RootURL:      "https://scholar.google.com/scholar?cites=11002616430871081935",
		CreatedAt:    created,
		UpdatedAt:    created.Add(5 * time.Minute),
		RequestCount: 7,
		Visited: []string{
			"https://scholar.google.com/scholar?cites=11002616430871081935",
			"https://scholar.google.com/scholar?cites=42",
		},
		Backoff: BackoffState{
			ConsecutiveThrottleCount: 2,
			LastThrottle:             &throttled,
			WindowStart:              created,
			ThrottleEvents:           []time.Time{throttled},
			DelayMultiplier:          4,
		},
		Counters: Counters{
			Outcomes:      map[Outcome]int{OutcomeSuccess: 5, OutcomeRateLimited: 2},
			ParseDegraded: 1,
		},
		Roots: []int{0},
		Nodes: []TreeNode{
			{ID: 0, Parent: NoParent, Depth: 0, Position: 0, Status: StatusExpanded, Children: []int{1, 2},
				Paper: Paper{Title: RootTitle, CitedByURL: "https://scholar.google.com/scholar?cites=11002616430871081935"}},
			{ID: 1, Parent: 0, Depth: 1, Position: 0, Status: StatusPending,
				Paper: Paper{Title: "Attention Is All You Need", Authors: "A Vaswani, N Shazeer", Year: "2017",
					CitationCount: 42, URL: "https://arxiv.org/abs/1706.03762", CitedByURL: "https://scholar.google.com/scholar?cites=42"}},
			{ID: 2, Parent: 0, Depth: 1, Position: 1, Status: StatusFailed,
				Failure: &NodeFailure{Kind: OutcomeChallenge, Message: "captcha"},
				Paper:   Paper{Title: "BERT", Year: "2018", CitedByURL: "https://scholar.google.com/scholar?cites=7"}},
		},
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	dir := t.TempDir()
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	fileStore, err := NewFileStore(filepath.Join(dir, "sessions"), nil)
	require.NoError(t, err)

	return map[string]Backend{"sqlite": sqliteStore, "file": fileStore}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleState("demo_20240602_123456")
			require.NoError(t, b.Save(ctx, want))

			got, err := b.Load(ctx, want.SessionID)
			require.NoError(t, err)

			assert.Equal(t, CurrentVersion, got.Version)
			assert.Equal(t, want.RootURL, got.RootURL)
			assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, want.RequestCount, got.RequestCount)
			assert.ElementsMatch(t, want.Visited, got.Visited)
			assert.Equal(t, want.Roots, got.Roots)
			assert.Equal(t, want.Nodes, got.Nodes)
			assert.Equal(t, want.Counters, got.Counters)
			assert.Equal(t, 2, got.Backoff.ConsecutiveThrottleCount)
			require.NotNil(t, got.Backoff.LastThrottle)
			assert.True(t, want.Backoff.LastThrottle.Equal(*got.Backoff.LastThrottle))
		})
	}
}

func TestBackendSaveOverwrites(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := sampleState("overwrite")
			require.NoError(t, b.Save(ctx, state))

			state.RequestCount = 99
			state.Nodes[1].Status = StatusExpanded
			state.Visited = append(state.Visited, "https://scholar.google.com/scholar?cites=99")
			require.NoError(t, b.Save(ctx, state))

			got, err := b.Load(ctx, "overwrite")
			require.NoError(t, err)
			assert.Equal(t, 99, got.RequestCount)
			assert.Equal(t, StatusExpanded, got.Nodes[1].Status)
			assert.Len(t, got.Visited, 3)
		})
	}
}

func TestBackendLoadNotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load(context.Background(), "never-saved")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NotErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestBackendListAndDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := sampleState("older")
			newer := sampleState("newer")
			newer.CreatedAt = older.CreatedAt.Add(time.Hour)
			require.NoError(t, b.Save(ctx, older))
			require.NoError(t, b.Save(ctx, newer))

			list, err := b.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "newer", list[0].SessionID)
			assert.Equal(t, 3, list[0].NodeCount)
			assert.Equal(t, 1, list[0].PendingCount)
			assert.Equal(t, 2, list[0].VisitedCount)
			assert.Equal(t, 2, list[0].ConsecutiveThrottles)

			require.NoError(t, b.Delete(ctx, "older"))
			assert.ErrorIs(t, b.Delete(ctx, "older"), ErrNotFound)

			list, err = b.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestBackendRejectsInvalidState(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := sampleState("broken")
			state.Nodes[2].Depth = 5
			err := b.Save(context.Background(), state)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)

			_, err = b.Load(context.Background(), "broken")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "truncated.json"), []byte(`{"session_id": "trunc`), 0o600))

	_, err = fs.Load(context.Background(), "truncated")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.NotErrorIs(t, err, ErrNotFound)

	// Corrupt documents are skipped when listing.
	list, err := fs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStoreKeepsPreviousCheckpointOnFailedSave(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	good := sampleState("resilient")
	require.NoError(t, fs.Save(ctx, good))

	bad := sampleState("resilient")
	bad.Nodes[1].Parent = 17
	require.Error(t, fs.Save(ctx, bad))

	got, err := fs.Load(ctx, "resilient")
	require.NoError(t, err)
	assert.Equal(t, good.Nodes, got.Nodes)

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreNewerVersion(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	doc := `{"version": 9, "session_id": "future", "roots": [], "nodes": []}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "future.json"), []byte(doc), 0o600))

	_, err = fs.Load(context.Background(), "future")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestFileStoreLegacyVersion(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	doc := `{"session_id": "legacy", "request_count": 3, "visited_urls": ["https://scholar.google.com/scholar?cites=1"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.json"), []byte(doc), 0o600))

	got, err := fs.Load(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, 3, got.RequestCount)
	assert.False(t, got.HasTree())
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"demo_20240602_123456", true},
		{"3f2c9a1e-7d4b-4c1e-9f0a-2b6c8d1e5f3a", true},
		{"", false},
		{"  ", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			}
		})
	}
}

func TestValidateStateDetectsOrphans(t *testing.T) {
	state := sampleState("orphan")
	state.Nodes[0].Children = []int{1}
	err := ValidateState(state)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}
