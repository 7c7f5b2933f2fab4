package crawler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sleeper waits for d or until ctx is done, returning ctx.Err() in that case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Builder.
type Option func(*Builder)

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(b *Builder) { b.observer = o }
}

// WithLogger sets the log entry used by the builder.
func WithLogger(l *logrus.Entry) Option {
	return func(b *Builder) { b.log = l }
}

// WithSleeper replaces the context-aware sleep between requests.
func WithSleeper(s Sleeper) Option {
	return func(b *Builder) { b.sleep = s }
}

// WithClock replaces time.Now for timestamps and the rate-limit window.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithRand replaces the jitter source. It must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(b *Builder) { b.rnd = r }
}

// WithResumeSignal sets the channel that releases a crawl paused on a challenge.
func WithResumeSignal(ch <-chan struct{}) Option {
	return func(b *Builder) { b.resume = ch }
}

// WithSessionID fixes the id of a new run instead of generating one.
func WithSessionID(id string) Option {
	return func(b *Builder) { b.sessionID = id }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
