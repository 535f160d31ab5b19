package discovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy is the pluggable reconnect-delay collaborator: NextDelay
// must never fail (the driver treats a timer error as a programming error
// and aborts); ResetDelay resets the internal counter, which the driver
// does on every successful reconnect.
type BackoffPolicy interface {
	ResetDelay()
	NextDelay(ctx context.Context) error
}

// ExponentialBackoff is the default BackoffPolicy: jittered exponential
// with a configurable cap, built on github.com/cenkalti/backoff/v4 rather
// than hand-rolling a counter.
type ExponentialBackoff struct {
	eb *backoff.ExponentialBackOff
}

// NewExponentialBackoff builds a jittered exponential BackoffPolicy. base
// is the initial delay, cap is the largest interval the doubling reaches,
// and jitter is the randomization factor (0 disables jitter,
// cenkalti/backoff's maximum useful value is 1). Jitter is applied to the
// capped interval, so a single NextDelay can wait up to cap*(1+jitter).
func NewExponentialBackoff(base, cap time.Duration, jitter float64) *ExponentialBackoff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = cap
	eb.RandomizationFactor = jitter
	eb.Multiplier = 2
	// MaxElapsedTime = 0 disables cenkalti/backoff's "give up" behavior;
	// this policy backs off forever, the driver decides when to stop
	// retrying (it doesn't, short of the consumer disconnecting).
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &ExponentialBackoff{eb: eb}
}

// ResetDelay resets the exponential counter back to base.
func (b *ExponentialBackoff) ResetDelay() {
	b.eb.Reset()
}

// NextDelay waits for the next backoff interval to elapse, or returns
// ctx.Err() if the context is canceled first. It never returns any other
// error: cenkalti/backoff's NextBackOff only returns backoff.Stop when
// MaxElapsedTime is exceeded, which this policy disables.
func (b *ExponentialBackoff) NextDelay(ctx context.Context) error {
	d := b.eb.NextBackOff()
	if d == backoff.Stop {
		// Unreachable with MaxElapsedTime == 0, but fall back to the cap
		// rather than busy-looping if cenkalti's contract ever changes.
		d = b.eb.MaxInterval
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
