package storage

import (
	"context"
	"fmt"
	"strings"
)

// Backend persists session snapshots. Save must be atomic: a failed or
// interrupted Save leaves the previously committed snapshot loadable.
type Backend interface {
	Save(ctx context.Context, state *SessionState) error
	Load(ctx context.Context, sessionID string) (*SessionState, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// ValidateSessionID rejects ids that are empty or could escape a storage directory.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// Summarize builds the listing row for a state.
func Summarize(state *SessionState) Summary {
	pending := 0
	for _, n := range state.Nodes {
		if n.Status == StatusPending {
			pending++
		}
	}
	return Summary{
		SessionID:            state.SessionID,
		RootURL:              state.RootURL,
		CreatedAt:            state.CreatedAt,
		UpdatedAt:            state.UpdatedAt,
		RequestCount:         state.RequestCount,
		VisitedCount:         len(state.Visited),
		NodeCount:            len(state.Nodes),
		PendingCount:         pending,
		ConsecutiveThrottles: state.Backoff.ConsecutiveThrottleCount,
	}
}
