// Package backoff paces requests against a rate-limited source. The
// Controller only computes delays; callers do the sleeping.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// ThrottlePolicy selects what happens to a node whose fetch was throttled.
type ThrottlePolicy string

const (
	ThrottleRetry ThrottlePolicy = "retry"
	ThrottleSkip  ThrottlePolicy = "skip"
)

// ChallengePolicy selects what happens when a human-verification page is served.
type ChallengePolicy string

const (
	ChallengePause ChallengePolicy = "pause"
	ChallengeSkip  ChallengePolicy = "skip"
)

// Config holds controller tuning.
type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Window is the sliding width over which throttle events are counted.
	Window time.Duration
	// EscalationCeiling is the throttle count above which the controller escalates.
	EscalationCeiling int
	// SuccessReset is the number of consecutive successes that clears the streak.
	SuccessReset    int
	ThrottlePolicy  ThrottlePolicy
	ChallengePolicy ChallengePolicy
}

// State is the controller's position in its state machine.
type State int

const (
	StateNormal State = iota
	StateBackoff
	StateEscalated
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateBackoff:
		return "backoff"
	case StateEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// ActionKind is the remedy the controller asks the caller to apply.
type ActionKind int

const (
	ActionRetry ActionKind = iota
	ActionSkip
	ActionPause
)

func (k ActionKind) String() string {
	switch k {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// Action is returned by OnThrottled and OnChallengeDetected. Delay is set for
// ActionRetry only.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand replaces the jitter source. It must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(c *Controller) { c.rnd = r }
}

// Controller owns the rate-limit state of one crawl.
type Controller struct {
	cfg Config
	now func() time.Time
	rnd func() float64

	events         []time.Time
	successStreak  int
	lastThrottle   *time.Time
	windowStart    time.Time
	challengeCount int
	lastChallenge  *time.Time
}

// New creates a controller in the Normal state.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg: cfg,
		now: time.Now,
		rnd: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.windowStart = c.now()
	return c
}

// evict drops throttle events that fell out of the sliding window.
func (c *Controller) evict(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	keep := 0
	for keep < len(c.events) && !c.events[keep].After(cutoff) {
		keep++
	}
	if keep == 0 {
		return
	}
	c.events = append(c.events[:0], c.events[keep:]...)
	if len(c.events) == 0 {
		c.windowStart = now
	} else {
		c.windowStart = c.events[0]
	}
}

func (c *Controller) reset(now time.Time) {
	c.events = c.events[:0]
	c.windowStart = now
}

// ConsecutiveThrottles returns the number of throttle signals in the current streak.
func (c *Controller) ConsecutiveThrottles() int {
	c.evict(c.now())
	return len(c.events)
}

// State reports Normal, Backoff or Escalated.
func (c *Controller) State() State {
	n := c.ConsecutiveThrottles()
	switch {
	case n > c.cfg.EscalationCeiling:
		return StateEscalated
	case n > 0:
		return StateBackoff
	default:
		return StateNormal
	}
}

// delay computes min(base*mult^n + jitter, max). Jitter is bounded by
// JitterFraction of the raw delay.
func (c *Controller) delay(n int) time.Duration {
	raw := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(n))
	d := raw + c.rnd()*c.cfg.JitterFraction*raw
	if d >= float64(c.cfg.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

// WaitBeforeNext returns the delay to apply before the next fetch.
func (c *Controller) WaitBeforeNext() time.Duration {
	return c.delay(c.ConsecutiveThrottles())
}

// OnSuccess records a successful fetch. Enough consecutive successes return
// the controller to Normal.
func (c *Controller) OnSuccess() {
	now := c.now()
	c.evict(now)
	c.successStreak++
	if c.successStreak >= c.cfg.SuccessReset && len(c.events) > 0 {
		c.reset(now)
	}
}

// OnThrottled records a throttle signal and decides the remedy.
func (c *Controller) OnThrottled() Action {
	now := c.now()
	c.evict(now)
	if len(c.events) == 0 {
		c.windowStart = now
	}
	c.events = append(c.events, now)
	c.successStreak = 0
	c.lastThrottle = &now

	if c.cfg.ThrottlePolicy == ThrottleSkip {
		return Action{Kind: ActionSkip}
	}
	n := len(c.events)
	if n > c.cfg.EscalationCeiling {
		return Action{Kind: ActionRetry, Delay: c.cfg.MaxDelay}
	}
	return Action{Kind: ActionRetry, Delay: c.delay(n)}
}

// OnChallengeDetected records a challenge and decides the remedy. Challenges
// do not touch the throttle streak.
func (c *Controller) OnChallengeDetected() Action {
	now := c.now()
	c.challengeCount++
	c.lastChallenge = &now
	c.successStreak = 0

	if c.cfg.ChallengePolicy == ChallengePause {
		return Action{Kind: ActionPause}
	}
	return Action{Kind: ActionSkip}
}

// Snapshot returns the persisted form of the controller state.
func (c *Controller) Snapshot() storage.BackoffState {
	c.evict(c.now())
	s := storage.BackoffState{
		ConsecutiveThrottleCount: len(c.events),
		SuccessStreak:            c.successStreak,
		WindowStart:              c.windowStart,
		DelayMultiplier:          math.Pow(c.cfg.Multiplier, float64(len(c.events))),
		ChallengeCount:           c.challengeCount,
	}
	if len(c.events) > 0 {
		s.ThrottleEvents = append([]time.Time(nil), c.events...)
	}
	if c.lastThrottle != nil {
		t := *c.lastThrottle
		s.LastThrottle = &t
	}
	if c.lastChallenge != nil {
		t := *c.lastChallenge
		s.LastChallenge = &t
	}
	return s
}

// Restore loads a persisted state. Events older than the window are dropped
// on the next call.
func (c *Controller) Restore(s storage.BackoffState) {
	c.events = append(c.events[:0], s.ThrottleEvents...)
	c.successStreak = s.SuccessStreak
	c.windowStart = s.WindowStart
	c.challengeCount = s.ChallengeCount
	c.lastThrottle = nil
	c.lastChallenge = nil
	if s.LastThrottle != nil {
		t := *s.LastThrottle
		c.lastThrottle = &t
	}
	if s.LastChallenge != nil {
		t := *s.LastChallenge
		c.lastChallenge = &t
	}
}
