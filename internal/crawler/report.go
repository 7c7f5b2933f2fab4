package crawler

import (
	"time"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// report builds terminal statistics for a run. Outcome counts are cumulative
// over every resume of the session.
func (b *Builder) report(r *run, start time.Time, reason string) *storage.CrawlReport {
	end := b.now()
	stats := r.tree.Stats()
	counters := r.counters.Clone()
	for _, o := range storage.Outcomes {
		if _, ok := counters.Outcomes[o]; !ok {
			counters.Outcomes[o] = 0
		}
	}

	return &storage.CrawlReport{
		SessionID:         r.sessionID,
		StartTime:         start,
		EndTime:           end,
		Duration:          end.Sub(start),
		RootCount:         len(r.tree.Roots()),
		NodeCount:         stats.Nodes,
		LeafCount:         stats.Leaves,
		MaxDepth:          stats.MaxDepth,
		ReferenceCount:    stats.References,
		FailedCount:       stats.Failed,
		PendingCount:      stats.Pending,
		RequestCount:      r.requests,
		Outcomes:          counters.Outcomes,
		ParseDegraded:     counters.ParseDegraded,
		FinalBackoff:      r.ctrl.Snapshot(),
		TerminationReason: reason,
	}
}
