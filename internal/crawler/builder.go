// Package crawler builds citation trees by depth-first expansion of cited-by
// listings, pacing every request through the backoff controller and
// checkpointing progress so an interrupted crawl can resume.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/cite-weaver/internal/backoff"
	"github.com/alvmarrod/cite-weaver/internal/config"
	"github.com/alvmarrod/cite-weaver/internal/fetch"
	"github.com/alvmarrod/cite-weaver/internal/memory"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// Fetcher retrieves a single listing page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) fetch.Result
}

// Parser extracts papers from a listing page. It must not panic.
type Parser interface {
	Extract(content []byte, pageURL string) storage.Listing
}

// Checkpointer persists session snapshots.
type Checkpointer interface {
	Save(ctx context.Context, state *storage.SessionState) error
}

// Builder drives citation-tree construction. A Builder holds no crawl state
// of its own; each Run or Resume owns its state for the duration of the call.
type Builder struct {
	cfg      *config.Config
	fetcher  Fetcher
	parser   Parser
	store    Checkpointer
	observer Observer
	log      *logrus.Entry

	sleep     Sleeper
	now       func() time.Time
	rnd       func() float64
	resume    <-chan struct{}
	sessionID string
}

// NewBuilder creates a builder. store may be nil, in which case no
// checkpoints are written.
func NewBuilder(cfg *config.Config, fetcher Fetcher, parser Parser, store Checkpointer, opts ...Option) *Builder {
	b := &Builder{
		cfg:      cfg,
		fetcher:  fetcher,
		parser:   parser,
		store:    store,
		observer: NopObserver{},
		log:      logrus.NewEntry(logrus.StandardLogger()),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("component", "crawler")
	return b
}

// run is the state owned by one Run or Resume call.
type run struct {
	sessionID  string
	rootURL    string
	createdAt  time.Time
	mergedFrom []string

	tree     *memory.Tree
	visited  *memory.VisitedSet
	ctrl     *backoff.Controller
	counters storage.Counters
	requests int

	lastCheckpoint int
	log            *logrus.Entry
}

func (b *Builder) newController() *backoff.Controller {
	opts := []backoff.Option{backoff.WithClock(b.now)}
	if b.rnd != nil {
		opts = append(opts, backoff.WithRand(b.rnd))
	}
	return backoff.New(b.cfg.BackoffConfig(), opts...)
}

// Run crawls the citation tree of the paper whose cited-by listing is rootURL.
// The returned tree and report are valid even when err is non-nil.
// The returned tree is the first root; the checkpointed session holds every
// root and the report counts them.
func (b *Builder) Run(ctx context.Context, rootURL string) (*storage.CitationNode, *storage.CrawlReport, error) {
	if _, err := memory.NormalizeURL(rootURL); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if err := b.cfg.ValidateTuning(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	id := b.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	if err := storage.ValidateSessionID(id); err != nil {
		return nil, nil, err
	}

	r := &run{
		sessionID: id,
		rootURL:   rootURL,
		createdAt: b.now(),
		tree:      memory.NewTree(storage.Paper{Title: storage.RootTitle, CitedByURL: rootURL}),
		visited:   memory.NewVisitedSet(),
		ctrl:      b.newController(),
		counters:  storage.Counters{Outcomes: make(map[storage.Outcome]int)},
	}
	if b.cfg.MaxDepth == 0 {
		// A zero-depth crawl is just the root; nothing is fetched.
		if err := r.tree.SetStatus(r.tree.Root(), storage.StatusLeaf); err != nil {
			return nil, nil, err
		}
	}
	return b.crawl(ctx, r)
}

// Resume continues a checkpointed crawl. Nodes expanded before the
// checkpoint are never fetched again. Pending nodes at or beyond the
// configured depth become leaves. Like Run it returns the first root;
// merged sessions keep their other roots in the saved state.
func (b *Builder) Resume(ctx context.Context, state *storage.SessionState) (*storage.CitationNode, *storage.CrawlReport, error) {
	if err := b.cfg.ValidateTuning(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	tree, err := memory.FromState(state)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to restore tree: %w", err)
	}

	visited := memory.NewVisitedSet()
	for _, u := range state.Visited {
		visited.Add(u)
	}
	ctrl := b.newController()
	ctrl.Restore(state.Backoff)

	r := &run{
		sessionID:      state.SessionID,
		rootURL:        state.RootURL,
		createdAt:      state.CreatedAt,
		mergedFrom:     append([]string(nil), state.MergedFrom...),
		tree:           tree,
		visited:        visited,
		ctrl:           ctrl,
		counters:       state.Counters.Clone(),
		requests:       state.RequestCount,
		lastCheckpoint: state.RequestCount,
	}
	return b.crawl(ctx, r)
}

// crawl is the single loop shared by Run and Resume.
func (b *Builder) crawl(ctx context.Context, r *run) (*storage.CitationNode, *storage.CrawlReport, error) {
	start := b.now()
	r.log = b.log.WithField("session_id", r.sessionID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout := b.cfg.RunTimeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, timeout, ErrRunTimeout)
		defer cancelTimeout()
	}

	frontier := NewFrontier(r.tree.Pending())
	r.log.Infof("Starting crawl of %s (%d pending nodes, max_depth=%d, max_papers_per_level=%d)",
		r.rootURL, frontier.Len(), b.cfg.MaxDepth, b.cfg.MaxPapersPerLevel)

	var crawlErr error
	for crawlErr == nil {
		if runCtx.Err() != nil {
			crawlErr = runCtx.Err()
			break
		}
		id, ok := frontier.Pop()
		if !ok {
			break
		}

		children, err := b.expand(runCtx, r, id)
		if err != nil {
			crawlErr = err
			break
		}
		frontier.PushChildren(children)

		if r.requests-r.lastCheckpoint >= b.cfg.CheckpointInterval {
			crawlErr = b.checkpoint(ctx, r)
		}
	}

	reason := ReasonCompleted
	switch {
	case crawlErr == nil:
	case errors.Is(crawlErr, ErrCheckpoint):
		reason = ReasonCheckpointFailed
	case errors.Is(crawlErr, ErrRateLimitEscalated):
		reason = ReasonEscalated
	case errors.Is(context.Cause(runCtx), ErrRunTimeout) && ctx.Err() == nil:
		reason = ReasonTimeout
		crawlErr = ErrRunTimeout
	case ctx.Err() != nil:
		reason = ReasonCancelled
		crawlErr = ctx.Err()
	default:
		reason = ReasonFailed
	}

	// Always leave a resumable checkpoint behind, even on abort.
	if !errors.Is(crawlErr, ErrCheckpoint) {
		if err := b.checkpoint(ctx, r); err != nil {
			reason = ReasonCheckpointFailed
			crawlErr = errors.Join(crawlErr, err)
		}
	}

	report := b.report(r, start, reason)
	r.log.Infof("Crawl finished: %s (%d nodes, %d requests, max depth %d, took %s)",
		reason, report.NodeCount, report.RequestCount, report.MaxDepth, report.Duration)

	return r.tree.Nested(r.tree.Root()), report, crawlErr
}

// expand processes one popped node and returns the ids of children to visit.
func (b *Builder) expand(ctx context.Context, r *run, id int) ([]int, error) {
	node, ok := r.tree.Node(id)
	if !ok {
		return nil, fmt.Errorf("node %d disappeared from tree", id)
	}
	listingURL := node.Paper.CitedByURL
	log := r.log.WithFields(logrus.Fields{"url": listingURL, "depth": node.Depth})

	// A resume may run with a smaller depth than the checkpointed crawl.
	if node.Depth >= b.cfg.MaxDepth {
		log.Debug("Depth limit reached, recording leaf")
		if err := r.tree.SetStatus(id, storage.StatusLeaf); err != nil {
			return nil, err
		}
		b.finished(r, id)
		return nil, nil
	}

	if r.visited.Has(listingURL) {
		log.Debug("Listing already claimed elsewhere, recording reference")
		if err := r.tree.SetStatus(id, storage.StatusReference); err != nil {
			return nil, err
		}
		b.finished(r, id)
		return nil, nil
	}

	// Claim the listing before fetching so a failed listing is not retried
	// through another path. An aborted fetch leaves the node pending, so
	// the claim is released for the resume.
	r.visited.Add(listingURL)
	res, failure, err := b.fetchNode(ctx, r, node)
	if err != nil {
		r.visited.Remove(listingURL)
		return nil, err
	}
	if failure != nil {
		log.Warnf("Giving up on node: %s", failure.Message)
		if err := r.tree.Fail(id, failure.Kind, failure.Message); err != nil {
			return nil, err
		}
		b.finished(r, id)
		return nil, nil
	}

	listing := b.parser.Extract(res.Body, res.FinalURL)
	if listing.Degraded {
		r.counters.ParseDegraded++
		log.Warn("Listing parsed with placeholder fields")
	}
	if node.Parent == storage.NoParent && listing.Page != nil && node.Paper.Title == storage.RootTitle {
		root := node.Paper
		root.Title = listing.Page.Title
		if listing.Page.URL != "" {
			root.URL = listing.Page.URL
		}
		if err := r.tree.SetPaper(id, root); err != nil {
			return nil, err
		}
	}

	entries := listing.Entries
	if len(entries) > b.cfg.MaxPapersPerLevel {
		entries = entries[:b.cfg.MaxPapersPerLevel]
	}

	var pending []int
	for _, paper := range entries {
		status := storage.StatusLeaf
		if node.Depth+1 < b.cfg.MaxDepth && paper.CitedByURL != "" {
			status = storage.StatusPending
			if r.visited.Has(paper.CitedByURL) {
				status = storage.StatusReference
			}
		}
		childID, err := r.tree.AddChild(id, paper, status)
		if err != nil {
			return nil, err
		}
		if status == storage.StatusPending {
			pending = append(pending, childID)
		}
	}

	status := storage.StatusExpanded
	if len(entries) == 0 {
		status = storage.StatusLeaf
	}
	if err := r.tree.SetStatus(id, status); err != nil {
		return nil, err
	}
	log.Infof("Expanded node with %d citers (%d to visit)", len(entries), len(pending))
	b.finished(r, id)
	return pending, nil
}

func (b *Builder) finished(r *run, id int) {
	if n, ok := r.tree.Node(id); ok {
		b.observer.NodeFinished(r.sessionID, n)
	}
}

// fetchNode applies the per-node fetch policy: network retries, throttle
// handling through the controller, and challenge pauses. A non-nil failure
// means the node should be recorded with an error marker; a non-nil error
// aborts the crawl and leaves the node pending.
func (b *Builder) fetchNode(ctx context.Context, r *run, node storage.TreeNode) (fetch.Result, *storage.NodeFailure, error) {
	listingURL := node.Paper.CitedByURL
	log := r.log.WithFields(logrus.Fields{"url": listingURL, "depth": node.Depth})

	delay := r.ctrl.WaitBeforeNext()
	networkFailures := 0
	escalatedRetries := 0
	pauses := 0

	for {
		if err := b.sleep(ctx, delay); err != nil {
			return fetch.Result{}, nil, err
		}

		started := b.now()
		res := b.fetcher.Fetch(ctx, listingURL)
		if err := ctx.Err(); err != nil {
			// An interrupted request is not counted; the node stays pending.
			return fetch.Result{}, nil, err
		}

		r.requests++
		r.counters.Add(res.Outcome)
		b.observer.FetchCompleted(FetchEvent{
			SessionID: r.sessionID,
			URL:       listingURL,
			Depth:     node.Depth,
			Status:    res.Status,
			Outcome:   res.Outcome,
			Delay:     delay,
			Duration:  b.now().Sub(started),
		})

		switch res.Outcome {
		case storage.OutcomeSuccess:
			r.ctrl.OnSuccess()
			return res, nil, nil

		case storage.OutcomeRateLimited:
			action := r.ctrl.OnThrottled()
			if action.Kind == backoff.ActionSkip {
				return res, &storage.NodeFailure{Kind: storage.OutcomeRateLimited, Message: "throttled, skipped by policy"}, nil
			}
			if r.ctrl.State() == backoff.StateEscalated {
				escalatedRetries++
				if escalatedRetries > b.cfg.MaxEscalatedRetries {
					log.Errorf("Still throttled after %d escalated retries", b.cfg.MaxEscalatedRetries)
					return res, nil, ErrRateLimitEscalated
				}
			}
			log.Warnf("Throttled (%d in window), retrying in %s", r.ctrl.ConsecutiveThrottles(), action.Delay)
			delay = action.Delay

		case storage.OutcomeChallenge:
			action := r.ctrl.OnChallengeDetected()
			if action.Kind == backoff.ActionSkip {
				return res, &storage.NodeFailure{Kind: storage.OutcomeChallenge, Message: "challenge detected, skipped by policy"}, nil
			}
			pauses++
			if pauses > b.cfg.ChallengeRetries {
				return res, &storage.NodeFailure{Kind: storage.OutcomeChallenge, Message: fmt.Sprintf("challenge unresolved after %d pauses", b.cfg.ChallengeRetries)}, nil
			}
			b.drainResume()
			log.Warnf("Challenge detected, pausing for external resolution (timeout %s)", b.cfg.PauseTimeout())
			b.observer.ChallengePaused(r.sessionID, listingURL)
			resumed, err := b.awaitResume(ctx)
			if err != nil {
				return fetch.Result{}, nil, err
			}
			if !resumed {
				return res, &storage.NodeFailure{Kind: storage.OutcomeChallenge, Message: "challenge pause timed out"}, nil
			}
			log.Info("Resumed after challenge")
			delay = r.ctrl.WaitBeforeNext()

		default:
			networkFailures++
			msg := fmt.Sprintf("status %d", res.Status)
			if res.Err != nil {
				msg = res.Err.Error()
			}
			if networkFailures > b.cfg.RetryAttempts {
				return res, &storage.NodeFailure{Kind: storage.OutcomeNetworkError, Message: msg}, nil
			}
			log.Warnf("Fetch failed (attempt %d/%d): %s", networkFailures, b.cfg.RetryAttempts+1, msg)
			delay = b.cfg.RetryDelay()
		}
	}
}

// drainResume discards resume signals sent while no pause was in progress.
func (b *Builder) drainResume() {
	for {
		select {
		case <-b.resume:
		default:
			return
		}
	}
}

// awaitResume blocks until the resume signal, the pause timeout or ctx.
// A zero pause timeout waits for the signal or ctx only.
func (b *Builder) awaitResume(ctx context.Context) (bool, error) {
	var timeout <-chan time.Time
	if d := b.cfg.PauseTimeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.resume:
		return true, nil
	case <-timeout:
		return false, nil
	}
}

// snapshot captures the run as a persistable session state.
func (r *run) snapshot(now time.Time) *storage.SessionState {
	roots, nodes := r.tree.Records()
	return &storage.SessionState{
		Version:      storage.CurrentVersion,
		SessionID:    r.sessionID,
		RootURL:      r.rootURL,
		CreatedAt:    r.createdAt,
		UpdatedAt:    now,
		RequestCount: r.requests,
		Visited:      r.visited.Slice(),
		Backoff:      r.ctrl.Snapshot(),
		Counters:     r.counters.Clone(),
		Roots:        roots,
		Nodes:        nodes,
		MergedFrom:   r.mergedFrom,
	}
}

// checkpoint saves the run. It uses the caller's context without its
// cancellation so the final save on shutdown still goes through.
func (b *Builder) checkpoint(ctx context.Context, r *run) error {
	r.lastCheckpoint = r.requests
	if b.store == nil {
		return nil
	}
	if err := b.store.Save(context.WithoutCancel(ctx), r.snapshot(b.now())); err != nil {
		r.log.Errorf("Checkpoint failed: %v", err)
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	r.log.Debugf("Checkpoint saved at %d requests", r.requests)
	b.observer.Checkpointed(r.sessionID, r.requests)
	return nil
}
