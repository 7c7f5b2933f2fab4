package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/cite-weaver/internal/config"
	"github.com/alvmarrod/cite-weaver/internal/memory"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

func TestFanoutAndDepthLimits(t *testing.T) {
	fetcher := newStubFetcher()
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b"), citer("c")},
	}}
	store := &memStore{}

	root, report, err := newTestBuilder(testConfig(1, 2), fetcher, parser, store).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	assert.Equal(t, storage.RootTitle, root.Paper.Title)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, storage.StatusExpanded, root.Status)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "paper a", root.Children[0].Paper.Title)
	assert.Equal(t, "paper b", root.Children[1].Paper.Title)
	for _, c := range root.Children {
		assert.Equal(t, 1, c.Depth)
		assert.Empty(t, c.Children)
		assert.Equal(t, storage.StatusLeaf, c.Status)
	}

	assert.Equal(t, 1, fetcher.Total())
	assert.Equal(t, 3, report.NodeCount)
	assert.Equal(t, 1, report.RootCount)
	assert.Equal(t, 2, report.LeafCount)
	assert.Equal(t, 1, report.MaxDepth)
	assert.Equal(t, 1, report.RequestCount)
	assert.Equal(t, 1, report.Outcomes[storage.OutcomeSuccess])
	assert.Equal(t, 0, report.Outcomes[storage.OutcomeChallenge])
	assert.Equal(t, ReasonCompleted, report.TerminationReason)
	assert.Equal(t, 1, store.Count(), "final checkpoint only")
}

func TestDepthAndFanoutInvariants(t *testing.T) {
	parser := stubParser{gen: func(id string) []storage.Paper {
		out := make([]storage.Paper, 0, 5)
		for i := 0; i < 4; i++ {
			out = append(out, citer(fmt.Sprintf("%s.%d", id, i)))
		}
		return append(out, citer("shared"))
	}}

	for _, tc := range []struct{ depth, fanout int }{{1, 1}, {2, 3}, {3, 5}, {4, 2}} {
		t.Run(fmt.Sprintf("d%d_k%d", tc.depth, tc.fanout), func(t *testing.T) {
			fetcher := newStubFetcher()
			root, _, err := newTestBuilder(testConfig(tc.depth, tc.fanout), fetcher, parser, nil).Run(context.Background(), cites("r"))
			require.NoError(t, err)

			expanded := make(map[string]bool)
			walk(root, func(n *storage.CitationNode) {
				assert.LessOrEqual(t, n.Depth, tc.depth)
				assert.LessOrEqual(t, len(n.Children), tc.fanout)
				for _, c := range n.Children {
					assert.Equal(t, n.Depth+1, c.Depth)
				}
				if n.Status == storage.StatusExpanded {
					assert.False(t, expanded[n.Paper.CitedByURL], "expanded twice: %s", n.Paper.CitedByURL)
					expanded[n.Paper.CitedByURL] = true
				}
			})
			for u, n := range fetcher.All() {
				assert.Equal(t, 1, n, "fetched more than once: %s", u)
			}
		})
	}
}

func TestMaxDepthZero(t *testing.T) {
	fetcher := newStubFetcher()
	store := &memStore{}

	root, report, err := newTestBuilder(testConfig(0, 10), fetcher, stubParser{}, store).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusLeaf, root.Status)
	assert.Empty(t, root.Children)
	assert.Zero(t, fetcher.Total())
	assert.Equal(t, 1, report.NodeCount)
	require.Equal(t, 1, store.Count())
	assert.Equal(t, "test-session", store.Last().SessionID)
}

func TestZeroCitersYieldsLeaf(t *testing.T) {
	root, report, err := newTestBuilder(testConfig(3, 10), newStubFetcher(), stubParser{}, nil).Run(context.Background(), cites("lonely"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusLeaf, root.Status)
	assert.Nil(t, root.Failure)
	assert.Equal(t, 1, report.RequestCount)
}

func TestRootPaperFromListingHeader(t *testing.T) {
	parser := stubParser{
		graph: map[string][]storage.Paper{cites("root"): {citer("a")}},
		pages: map[string]*storage.Paper{cites("root"): {Title: "Attention is all you need", URL: "https://arxiv.org/abs/1706.03762"}},
	}

	root, _, err := newTestBuilder(testConfig(1, 10), newStubFetcher(), parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	assert.Equal(t, "Attention is all you need", root.Paper.Title)
	assert.Equal(t, cites("root"), root.Paper.CitedByURL)
}

func TestDuplicateCiterBecomesReference(t *testing.T) {
	fetcher := newStubFetcher()
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b")},
		cites("a"):    {citer("c")},
		cites("b"):    {citer("c")},
		cites("c"):    {citer("d")},
	}}

	root, report, err := newTestBuilder(testConfig(3, 5), fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	viaA := root.Children[0].Children[0]
	viaB := root.Children[1].Children[0]
	assert.Equal(t, storage.StatusExpanded, viaA.Status)
	require.Len(t, viaA.Children, 1)
	assert.Equal(t, storage.StatusReference, viaB.Status)
	assert.Empty(t, viaB.Children)

	assert.Equal(t, 1, fetcher.Calls(cites("c")))
	assert.Equal(t, 1, report.ReferenceCount)
}

func TestSiblingDuplicatesExpandOnce(t *testing.T) {
	fetcher := newStubFetcher()
	dup := citer("a")
	dup.Title = "paper a (preprint)"
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), dup},
		cites("a"):    {citer("x")},
	}}

	root, _, err := newTestBuilder(testConfig(2, 5), fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusExpanded, root.Children[0].Status)
	assert.Equal(t, storage.StatusReference, root.Children[1].Status)
	assert.Equal(t, 1, fetcher.Calls(cites("a")))
}

func TestFailedListingIsNotRefetchedThroughDuplicate(t *testing.T) {
	for name, tc := range map[string]struct {
		script []storage.Outcome
		tune   func(*config.Config)
		calls  int
	}{
		"network": {
			script: []storage.Outcome{storage.OutcomeNetworkError, storage.OutcomeNetworkError, storage.OutcomeNetworkError},
			tune:   func(cfg *config.Config) { cfg.RetryAttempts = 2 },
			calls:  3,
		},
		"throttle_skip": {
			script: []storage.Outcome{storage.OutcomeRateLimited},
			tune:   func(cfg *config.Config) { cfg.ThrottlePolicy = "skip" },
			calls:  1,
		},
	} {
		t.Run(name, func(t *testing.T) {
			fetcher := newStubFetcher()
			fetcher.script[cites("a")] = tc.script
			dup := citer("a")
			dup.Title = "paper a (preprint)"
			dup.URL = "https://preprints.example.org/a"
			parser := stubParser{graph: map[string][]storage.Paper{
				cites("root"): {citer("a"), dup},
				cites("a"):    {citer("a1")},
			}}
			cfg := testConfig(2, 5)
			tc.tune(cfg)

			root, report, err := newTestBuilder(cfg, fetcher, parser, nil).Run(context.Background(), cites("root"))
			require.NoError(t, err)

			require.Len(t, root.Children, 2)
			assert.Equal(t, storage.StatusFailed, root.Children[0].Status)
			assert.Equal(t, storage.StatusReference, root.Children[1].Status)
			assert.Equal(t, tc.calls, fetcher.Calls(cites("a")))
			assert.Equal(t, 1, report.FailedCount)
			assert.Equal(t, 1, report.ReferenceCount)
		})
	}
}

func TestThrottledThreeTimesThenSuccess(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("root")] = []storage.Outcome{storage.OutcomeRateLimited, storage.OutcomeRateLimited, storage.OutcomeRateLimited}
	parser := stubParser{graph: map[string][]storage.Paper{cites("root"): {citer("a"), citer("b")}}}
	cfg := testConfig(1, 10)
	cfg.SuccessReset = 1
	sleeper := &recordingSleeper{}

	root, report, err := newTestBuilder(cfg, fetcher, parser, nil, WithSleeper(sleeper.Sleep)).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusExpanded, root.Status)
	assert.Len(t, root.Children, 2)
	assert.Equal(t, 4, fetcher.Calls(cites("root")))
	assert.Equal(t, 3, report.Outcomes[storage.OutcomeRateLimited])
	assert.Equal(t, 1, report.Outcomes[storage.OutcomeSuccess])
	assert.Equal(t, 0, report.FinalBackoff.ConsecutiveThrottleCount)

	require.Len(t, sleeper.delays, 4)
	for i := 2; i < len(sleeper.delays); i++ {
		assert.GreaterOrEqual(t, sleeper.delays[i], sleeper.delays[i-1])
	}
	for _, d := range sleeper.delays {
		assert.LessOrEqual(t, d, cfg.MaxDelay())
	}
}

func TestThrottleSkipPolicy(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("a")] = []storage.Outcome{storage.OutcomeRateLimited}
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b")},
		cites("b"):    {citer("b1")},
	}}
	cfg := testConfig(2, 10)
	cfg.ThrottlePolicy = "skip"

	root, report, err := newTestBuilder(cfg, fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	a := root.Children[0]
	assert.Equal(t, storage.StatusFailed, a.Status)
	require.NotNil(t, a.Failure)
	assert.Equal(t, storage.OutcomeRateLimited, a.Failure.Kind)
	assert.Equal(t, 1, fetcher.Calls(cites("a")))
	assert.Len(t, root.Children[1].Children, 1)
	assert.Equal(t, 1, report.FailedCount)
}

func TestChallengeSkipContinuesWithSiblings(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("a")] = []storage.Outcome{storage.OutcomeChallenge}
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b")},
		cites("a"):    {citer("a1")},
		cites("b"):    {citer("b1"), citer("b2")},
	}}

	root, report, err := newTestBuilder(testConfig(2, 10), fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	a := root.Children[0]
	assert.Equal(t, storage.StatusFailed, a.Status)
	require.NotNil(t, a.Failure)
	assert.Equal(t, storage.OutcomeChallenge, a.Failure.Kind)
	assert.Empty(t, a.Children)
	assert.Equal(t, 1, fetcher.Calls(cites("a")))

	assert.Len(t, root.Children[1].Children, 2)
	assert.Equal(t, 1, report.Outcomes[storage.OutcomeChallenge])
	assert.Equal(t, 1, report.FinalBackoff.ChallengeCount)
}

func TestChallengePauseResumes(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("root")] = []storage.Outcome{storage.OutcomeChallenge}
	parser := stubParser{graph: map[string][]storage.Paper{cites("root"): {citer("a")}}}
	cfg := testConfig(1, 10)
	cfg.ChallengePolicy = "pause"
	cfg.PauseTimeoutMs = 0

	resume := make(chan struct{}, 1)
	observer := &cancelAfter{resume: resume}

	root, _, err := newTestBuilder(cfg, fetcher, parser, nil, WithResumeSignal(resume), WithObserver(observer)).
		Run(context.Background(), cites("root"))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusExpanded, root.Status)
	assert.Len(t, root.Children, 1)
	assert.Equal(t, 2, fetcher.Calls(cites("root")))
	assert.Equal(t, 1, observer.paused)
}

func TestChallengePauseIgnoresEarlierResumeSignal(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("a")] = []storage.Outcome{storage.OutcomeChallenge}
	parser := stubParser{graph: map[string][]storage.Paper{cites("root"): {citer("a")}}}
	cfg := testConfig(2, 10)
	cfg.ChallengePolicy = "pause"
	cfg.PauseTimeoutMs = 5

	// Sent before any challenge was seen.
	resume := make(chan struct{}, 1)
	resume <- struct{}{}

	root, _, err := newTestBuilder(cfg, fetcher, parser, nil, WithResumeSignal(resume)).
		Run(context.Background(), cites("root"))
	require.NoError(t, err)

	a := root.Children[0]
	assert.Equal(t, storage.StatusFailed, a.Status)
	require.NotNil(t, a.Failure)
	assert.Equal(t, "challenge pause timed out", a.Failure.Message)
	assert.Equal(t, 1, fetcher.Calls(cites("a")))
	assert.Empty(t, resume)
}

func TestChallengePauseTimesOut(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("a")] = []storage.Outcome{storage.OutcomeChallenge}
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b")},
	}}
	cfg := testConfig(2, 10)
	cfg.ChallengePolicy = "pause"
	cfg.PauseTimeoutMs = 5

	root, _, err := newTestBuilder(cfg, fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	a := root.Children[0]
	assert.Equal(t, storage.StatusFailed, a.Status)
	require.NotNil(t, a.Failure)
	assert.Equal(t, "challenge pause timed out", a.Failure.Message)
	assert.Equal(t, storage.StatusLeaf, root.Children[1].Status)
	assert.Equal(t, 1, fetcher.Calls(cites("b")))
}

func TestChallengePauseCancelled(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("root")] = []storage.Outcome{storage.OutcomeChallenge}
	cfg := testConfig(1, 10)
	cfg.ChallengePolicy = "pause"
	cfg.PauseTimeoutMs = 0
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	observer := &cancelAfter{n: 1, cancel: cancel}

	_, report, err := newTestBuilder(cfg, fetcher, stubParser{}, store, WithObserver(observer)).Run(ctx, cites("root"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCancelled, report.TerminationReason)
	require.NotNil(t, store.Last())
	assert.Equal(t, storage.StatusPending, store.Last().Nodes[0].Status)
	assert.NotContains(t, store.Last().Visited, memory.Key(cites("root")))
}

func TestNetworkFailureRecordedAsLeaf(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("a")] = []storage.Outcome{
		storage.OutcomeNetworkError, storage.OutcomeNetworkError, storage.OutcomeNetworkError, storage.OutcomeNetworkError,
	}
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b")},
		cites("a"):    {citer("a1")},
		cites("b"):    {citer("b1")},
	}}
	cfg := testConfig(2, 10)
	cfg.RetryAttempts = 2

	root, report, err := newTestBuilder(cfg, fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	a := root.Children[0]
	assert.Equal(t, storage.StatusFailed, a.Status)
	require.NotNil(t, a.Failure)
	assert.Equal(t, storage.OutcomeNetworkError, a.Failure.Kind)
	assert.Empty(t, a.Children)
	assert.Equal(t, 3, fetcher.Calls(cites("a")))
	assert.Len(t, root.Children[1].Children, 1)
	assert.Equal(t, 3, report.Outcomes[storage.OutcomeNetworkError])
}

func TestNetworkRetryRecovers(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.script[cites("root")] = []storage.Outcome{storage.OutcomeNetworkError}
	parser := stubParser{graph: map[string][]storage.Paper{cites("root"): {citer("a")}}}

	root, _, err := newTestBuilder(testConfig(1, 10), fetcher, parser, nil).Run(context.Background(), cites("root"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusExpanded, root.Status)
	assert.Equal(t, 2, fetcher.Calls(cites("root")))
}

func TestEscalatedThrottlingAborts(t *testing.T) {
	fetcher := newStubFetcher()
	script := make([]storage.Outcome, 50)
	for i := range script {
		script[i] = storage.OutcomeRateLimited
	}
	fetcher.script[cites("root")] = script
	cfg := testConfig(2, 10)
	cfg.EscalationCeiling = 1
	cfg.MaxEscalatedRetries = 1
	store := &memStore{}

	_, report, err := newTestBuilder(cfg, fetcher, stubParser{}, store).Run(context.Background(), cites("root"))
	require.ErrorIs(t, err, ErrRateLimitEscalated)

	assert.Equal(t, 3, fetcher.Calls(cites("root")))
	assert.Equal(t, ReasonEscalated, report.TerminationReason)
	last := store.Last()
	require.NotNil(t, last)
	assert.Equal(t, 3, last.RequestCount)
	assert.Equal(t, storage.StatusPending, last.Nodes[0].Status)
	assert.Equal(t, 3, last.Backoff.ConsecutiveThrottleCount)
}

func TestCheckpointInterval(t *testing.T) {
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b"), citer("c"), citer("d")},
	}}
	cfg := testConfig(2, 10)
	cfg.CheckpointInterval = 2
	store := &memStore{}

	_, report, err := newTestBuilder(cfg, newStubFetcher(), parser, store).Run(context.Background(), cites("root"))
	require.NoError(t, err)
	require.Equal(t, 5, report.RequestCount)

	var counts []int
	for _, s := range store.saves {
		counts = append(counts, s.RequestCount)
	}
	assert.Equal(t, []int{2, 4, 5}, counts)
}

func TestCheckpointFailureIsFatal(t *testing.T) {
	parser := stubParser{graph: map[string][]storage.Paper{cites("root"): {citer("a"), citer("b")}}}
	cfg := testConfig(2, 10)
	cfg.CheckpointInterval = 1
	store := &memStore{err: errors.New("disk full")}
	fetcher := newStubFetcher()

	_, report, err := newTestBuilder(cfg, fetcher, parser, store).Run(context.Background(), cites("root"))
	require.ErrorIs(t, err, ErrCheckpoint)
	assert.Equal(t, ReasonCheckpointFailed, report.TerminationReason)
	assert.Equal(t, 1, fetcher.Total(), "crawl stops at the failed checkpoint")
}

func TestResumeProducesEquivalentTree(t *testing.T) {
	parser := stubParser{gen: func(id string) []storage.Paper {
		out := []storage.Paper{citer(id + ".0"), citer(id + ".1"), citer(id + ".2")}
		if len(id) > 3 {
			out = append(out, citer("shared"))
		}
		return out
	}}
	cfg := testConfig(3, 4)

	fullFetcher := newStubFetcher()
	full, fullReport, err := newTestBuilder(cfg, fullFetcher, parser, nil).Run(context.Background(), cites("r"))
	require.NoError(t, err)
	require.Greater(t, fullReport.RequestCount, 6)

	for _, interruptAt := range []int{1, 3, 6} {
		t.Run(fmt.Sprintf("after_%d", interruptAt), func(t *testing.T) {
			fetcher := newStubFetcher()
			store := &memStore{}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			observer := &cancelAfter{n: interruptAt, cancel: cancel}
			_, report, err := newTestBuilder(cfg, fetcher, parser, store, WithObserver(observer)).Run(ctx, cites("r"))
			require.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, ReasonCancelled, report.TerminationReason)
			assert.Equal(t, interruptAt, report.RequestCount)

			checkpoint := store.Last()
			require.NotNil(t, checkpoint)
			assert.Equal(t, interruptAt, checkpoint.RequestCount)

			resumed, resumedReport, err := newTestBuilder(cfg, fetcher, parser, store).Resume(context.Background(), checkpoint)
			require.NoError(t, err)

			assert.Equal(t, full, resumed)
			assert.Equal(t, fullReport.NodeCount, resumedReport.NodeCount)
			assert.Equal(t, fullReport.RequestCount, resumedReport.RequestCount)
			assert.Equal(t, "test-session", resumedReport.SessionID)
			for u, n := range fetcher.All() {
				assert.Equal(t, 1, n, "fetched more than once across resume: %s", u)
			}
		})
	}
}

func TestResumeCompletedSessionFetchesNothing(t *testing.T) {
	parser := stubParser{graph: map[string][]storage.Paper{cites("root"): {citer("a")}}}
	store := &memStore{}
	cfg := testConfig(1, 10)

	_, _, err := newTestBuilder(cfg, newStubFetcher(), parser, store).Run(context.Background(), cites("root"))
	require.NoError(t, err)

	fetcher := newStubFetcher()
	_, report, err := newTestBuilder(cfg, fetcher, parser, store).Resume(context.Background(), store.Last())
	require.NoError(t, err)
	assert.Zero(t, fetcher.Total())
	assert.Equal(t, 2, report.NodeCount)
}

func TestResumeWithSmallerDepthStopsAtNewLimit(t *testing.T) {
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("root"): {citer("a"), citer("b")},
		cites("a"):    {citer("a1")},
		cites("b"):    {citer("b1")},
	}}
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer := &cancelAfter{n: 1, cancel: cancel}
	_, _, err := newTestBuilder(testConfig(3, 10), newStubFetcher(), parser, store, WithObserver(observer)).
		Run(ctx, cites("root"))
	require.ErrorIs(t, err, context.Canceled)
	checkpoint := store.Last()
	require.NotNil(t, checkpoint)
	require.Len(t, checkpoint.Nodes, 3)

	fetcher := newStubFetcher()
	root, report, err := newTestBuilder(testConfig(1, 10), fetcher, parser, store).Resume(context.Background(), checkpoint)
	require.NoError(t, err)

	assert.Zero(t, fetcher.Total())
	assert.Equal(t, ReasonCompleted, report.TerminationReason)
	assert.Equal(t, 1, report.MaxDepth)
	assert.Zero(t, report.PendingCount)
	require.Len(t, root.Children, 2)
	walk(root, func(n *storage.CitationNode) {
		assert.LessOrEqual(t, n.Depth, 1)
	})
	for _, c := range root.Children {
		assert.Equal(t, storage.StatusLeaf, c.Status)
	}
}

func TestResumeCrawlsEveryRoot(t *testing.T) {
	forest := memory.NewForest()
	forest.AddRoot(storage.Paper{Title: storage.RootTitle, CitedByURL: cites("r1")}, storage.StatusPending)
	forest.AddRoot(storage.Paper{Title: storage.RootTitle, CitedByURL: cites("r2")}, storage.StatusPending)
	roots, nodes := forest.Records()
	state := &storage.SessionState{
		Version:   storage.CurrentVersion,
		SessionID: "merged-session",
		RootURL:   cites("r1"),
		CreatedAt: fixedClock()(),
		Roots:     roots,
		Nodes:     nodes,
	}
	parser := stubParser{graph: map[string][]storage.Paper{
		cites("r1"): {citer("a")},
		cites("r2"): {citer("b")},
	}}
	fetcher := newStubFetcher()
	store := &memStore{}

	root, report, err := newTestBuilder(testConfig(1, 10), fetcher, parser, store).Resume(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.Calls(cites("r1")))
	assert.Equal(t, 1, fetcher.Calls(cites("r2")))
	assert.Equal(t, 2, report.RootCount)
	assert.Equal(t, 4, report.NodeCount)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "paper a", root.Children[0].Paper.Title)

	saved := store.Last()
	require.NotNil(t, saved)
	require.Len(t, saved.Roots, 2)
	second := saved.Nodes[saved.Roots[1]]
	assert.Equal(t, storage.StatusExpanded, second.Status)
	require.Len(t, second.Children, 1)
	assert.Equal(t, "paper b", saved.Nodes[second.Children[0]].Paper.Title)
}

func TestRunTimeout(t *testing.T) {
	cfg := testConfig(2, 10)
	cfg.RunTimeoutMs = 20
	store := &memStore{}

	_, report, err := newTestBuilder(cfg, blockingFetcher{}, stubParser{}, store).Run(context.Background(), cites("root"))
	require.ErrorIs(t, err, ErrRunTimeout)
	assert.Equal(t, ReasonTimeout, report.TerminationReason)
	require.NotNil(t, store.Last())
	assert.Equal(t, 0, store.Last().RequestCount)
}

func TestRunRejectsInvalidInput(t *testing.T) {
	_, _, err := newTestBuilder(testConfig(1, 1), newStubFetcher(), stubParser{}, nil).Run(context.Background(), "not a url")
	assert.ErrorIs(t, err, ErrInvalidRoot)

	cfg := testConfig(1, 1)
	cfg.CheckpointInterval = 0
	_, _, err = newTestBuilder(cfg, newStubFetcher(), stubParser{}, nil).Run(context.Background(), cites("root"))
	assert.Error(t, err)
}

func TestDefaultSleeperHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestFrontierPopsInPreorder(t *testing.T) {
	f := NewFrontier([]int{4, 7, 9})
	f.PushChildren([]int{1, 2})

	var got []int
	for !f.IsEmpty() {
		id, _ := f.Pop()
		got = append(got, id)
	}
	assert.Equal(t, []int{1, 2, 4, 7, 9}, got)
	_, ok := f.Pop()
	assert.False(t, ok)
}
