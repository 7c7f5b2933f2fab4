package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps every session as rows in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens/creates the database at dbPath and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; keep checkpoints serialized.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables and indices if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		root_url TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		request_count INTEGER DEFAULT 0,
		roots TEXT NOT NULL,
		backoff TEXT NOT NULL,
		counters TEXT NOT NULL,
		merged_from TEXT
	);

	CREATE TABLE IF NOT EXISTS visited_urls (
		session_id TEXT NOT NULL,
		url TEXT NOT NULL,
		PRIMARY KEY (session_id, url)
	);

	CREATE TABLE IF NOT EXISTS nodes (
		session_id TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		parent_id INTEGER NOT NULL,
		depth INTEGER NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		title TEXT,
		authors TEXT,
		year TEXT,
		citation_count INTEGER DEFAULT 0,
		url TEXT,
		cited_by_url TEXT,
		abstract TEXT,
		failure_kind TEXT,
		failure_message TEXT,
		PRIMARY KEY (session_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(session_id, parent_id, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save replaces the stored snapshot for state.SessionID inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, state *SessionState) error {
	if err := ValidateState(state); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	roots, err := json.Marshal(state.Roots)
	if err != nil {
		return fmt.Errorf("failed to encode roots: %w", err)
	}
	backoff, err := json.Marshal(state.Backoff)
	if err != nil {
		return fmt.Errorf("failed to encode backoff state: %w", err)
	}
	counters, err := json.Marshal(state.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	var mergedFrom sql.NullString
	if len(state.MergedFrom) > 0 {
		b, err := json.Marshal(state.MergedFrom)
		if err != nil {
			return fmt.Errorf("failed to encode merged_from: %w", err)
		}
		mergedFrom = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, version, root_url, created_at, updated_at, request_count, roots, backoff, counters, merged_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			version = EXCLUDED.version,
			root_url = EXCLUDED.root_url,
			updated_at = EXCLUDED.updated_at,
			request_count = EXCLUDED.request_count,
			roots = EXCLUDED.roots,
			backoff = EXCLUDED.backoff,
			counters = EXCLUDED.counters,
			merged_from = EXCLUDED.merged_from
	`, state.SessionID, CurrentVersion, state.RootURL, state.CreatedAt.UTC(), state.UpdatedAt.UTC(),
		state.RequestCount, string(roots), string(backoff), string(counters), mergedFrom)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM visited_urls WHERE session_id = ?", state.SessionID); err != nil {
		return fmt.Errorf("failed to clear visited urls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE session_id = ?", state.SessionID); err != nil {
		return fmt.Errorf("failed to clear nodes: %w", err)
	}

	visitedStmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO visited_urls (session_id, url) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare visited insert: %w", err)
	}
	defer visitedStmt.Close()

	for _, u := range state.Visited {
		if _, err := visitedStmt.ExecContext(ctx, state.SessionID, u); err != nil {
			return fmt.Errorf("failed to insert visited url: %w", err)
		}
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (session_id, node_id, parent_id, depth, position, status,
			title, authors, year, citation_count, url, cited_by_url, abstract,
			failure_kind, failure_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	for _, n := range state.Nodes {
		var kind, message sql.NullString
		if n.Failure != nil {
			kind = sql.NullString{String: string(n.Failure.Kind), Valid: true}
			message = sql.NullString{String: n.Failure.Message, Valid: true}
		}
		p := n.Paper
		_, err := nodeStmt.ExecContext(ctx, state.SessionID, n.ID, n.Parent, n.Depth, n.Position, string(n.Status),
			p.Title, p.Authors, p.Year, p.CitationCount, p.URL, p.CitedByURL, p.Abstract, kind, message)
		if err != nil {
			return fmt.Errorf("failed to insert node %d: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// Load reads a session snapshot back and validates it.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	state := SessionState{SessionID: sessionID}
	var roots, backoff, counters string
	var mergedFrom sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT version, root_url, created_at, updated_at, request_count, roots, backoff, counters, merged_from
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(&state.Version, &state.RootURL, &state.CreatedAt, &state.UpdatedAt,
		&state.RequestCount, &roots, &backoff, &counters, &mergedFrom)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := checkVersion(&state); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(roots), &state.Roots); err != nil {
		return nil, fmt.Errorf("%w: roots: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(backoff), &state.Backoff); err != nil {
		return nil, fmt.Errorf("%w: backoff: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(counters), &state.Counters); err != nil {
		return nil, fmt.Errorf("%w: counters: %v", ErrCorrupt, err)
	}
	if mergedFrom.Valid {
		if err := json.Unmarshal([]byte(mergedFrom.String), &state.MergedFrom); err != nil {
			return nil, fmt.Errorf("%w: merged_from: %v", ErrCorrupt, err)
		}
	}

	if state.Visited, err = s.loadVisited(ctx, sessionID); err != nil {
		return nil, err
	}
	if state.Nodes, err = s.loadNodes(ctx, sessionID); err != nil {
		return nil, err
	}

	if err := ValidateState(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) loadVisited(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT url FROM visited_urls WHERE session_id = ? ORDER BY url", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load visited urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan visited url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visited urls: %w", err)
	}
	return urls, nil
}

func (s *SQLiteStore) loadNodes(ctx context.Context, sessionID string) ([]TreeNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, parent_id, depth, position, status,
			title, authors, year, citation_count, url, cited_by_url, abstract,
			failure_kind, failure_message
		FROM nodes
		WHERE session_id = ?
		ORDER BY node_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	var nodes []TreeNode
	for rows.Next() {
		var n TreeNode
		var status string
		var title, authors, year, url, citedBy, abstract, kind, message sql.NullString
		if err := rows.Scan(&n.ID, &n.Parent, &n.Depth, &n.Position, &status,
			&title, &authors, &year, &n.Paper.CitationCount, &url, &citedBy, &abstract,
			&kind, &message); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.Status = NodeStatus(status)
		n.Paper.Title = title.String
		n.Paper.Authors = authors.String
		n.Paper.Year = year.String
		n.Paper.URL = url.String
		n.Paper.CitedByURL = citedBy.String
		n.Paper.Abstract = abstract.String
		if kind.Valid {
			n.Failure = &NodeFailure{Kind: Outcome(kind.String), Message: message.String}
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	// Rebuild child lists from parent links.
	for _, n := range nodes {
		if n.Parent == NoParent {
			continue
		}
		if n.Parent < 0 || n.Parent >= len(nodes) {
			return nil, fmt.Errorf("%w: node %d has parent %d out of range", ErrCorrupt, n.ID, n.Parent)
		}
		nodes[n.Parent].Children = append(nodes[n.Parent].Children, n.ID)
	}
	for i := range nodes {
		children := nodes[i].Children
		sort.Slice(children, func(a, b int) bool {
			return nodes[children[a]].Position < nodes[children[b]].Position
		})
	}
	return nodes, nil
}

// List returns a summary of every stored session, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.root_url, s.created_at, s.updated_at, s.request_count, s.backoff,
			(SELECT COUNT(*) FROM visited_urls v WHERE v.session_id = s.session_id),
			(SELECT COUNT(*) FROM nodes n WHERE n.session_id = s.session_id),
			(SELECT COUNT(*) FROM nodes n WHERE n.session_id = s.session_id AND n.status = ?)
		FROM sessions s
		ORDER BY s.created_at DESC, s.session_id ASC
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var backoff string
		if err := rows.Scan(&sum.SessionID, &sum.RootURL, &sum.CreatedAt, &sum.UpdatedAt, &sum.RequestCount,
			&backoff, &sum.VisitedCount, &sum.NodeCount, &sum.PendingCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var b BackoffState
		if err := json.Unmarshal([]byte(backoff), &b); err == nil {
			sum.ConsecutiveThrottles = b.ConsecutiveThrottleCount
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return summaries, nil
}

// Delete removes a session and all of its rows.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM visited_urls WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete visited urls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete nodes: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
