package crawler

import (
	"time"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// FetchEvent describes one completed request.
type FetchEvent struct {
	SessionID string
	URL       string
	Depth     int
	Status    int
	Outcome   storage.Outcome
	Delay     time.Duration
	Duration  time.Duration
}

// Observer receives per-node progress from a crawl. Calls happen on the crawl
// loop; implementations must not block.
type Observer interface {
	FetchCompleted(ev FetchEvent)
	NodeFinished(sessionID string, node storage.TreeNode)
	Checkpointed(sessionID string, requests int)
	ChallengePaused(sessionID, url string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) FetchCompleted(FetchEvent)             {}
func (NopObserver) NodeFinished(string, storage.TreeNode) {}
func (NopObserver) Checkpointed(string, int)              {}
func (NopObserver) ChallengePaused(string, string)        {}
