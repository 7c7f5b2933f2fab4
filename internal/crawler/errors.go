package crawler

import "errors"

var (
	// ErrRateLimitEscalated aborts a crawl that stayed escalated past its retry budget.
	ErrRateLimitEscalated = errors.New("rate limit escalated: retry budget exhausted")
	// ErrRunTimeout is returned when the overall wall-clock budget runs out.
	ErrRunTimeout = errors.New("crawl run timeout exceeded")
	// ErrCheckpoint wraps a failed session save. It is always fatal.
	ErrCheckpoint = errors.New("checkpoint failed")
	// ErrInvalidRoot is returned for root URLs that cannot be normalized.
	ErrInvalidRoot = errors.New("invalid root url")
)

// Termination reasons recorded in the crawl report.
const (
	ReasonCompleted        = "completed"
	ReasonCancelled        = "cancelled"
	ReasonTimeout          = "timeout"
	ReasonEscalated        = "rate_limit_escalated"
	ReasonCheckpointFailed = "checkpoint_failed"
	ReasonFailed           = "failed"
)
