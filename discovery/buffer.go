package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/sirupsen/logrus"
)

// roomPollInterval bounds how long the daemon can be blocked waiting to
// notice that the consumer has drained a full channel. Go's channels have
// no "became less full" notification, so waitForRoom falls back to a
// short poll instead of a true wakeup.
const roomPollInterval = 2 * time.Millisecond

// Options configures a Buffer. Capacity is the bounded channel size; a
// consumer that falls behind by Capacity Changes makes the daemon
// goroutine wait for room before asking the driver for the next Change,
// which in turn makes the driver stop making forward progress — the
// backpressure this package is built around.
type Options struct {
	Capacity int
	Metrics  *BufferMetrics
}

func (o Options) capacity() int {
	if o.Capacity <= 0 {
		return 1
	}
	return o.Capacity
}

// Buffer runs a Driver's state machine on a background "daemon" goroutine
// and hands its Change values to a consumer through a bounded channel.
// Driver.Next is otherwise a plain blocking call (the driver and its build
// set start short-lived goroutines for resolver calls, backoff timers and
// builds, but nothing calls Next except this daemon).
type Buffer[T Target, S any] struct {
	driver *Driver[T, S]
	out    chan Change[S]
	done   chan struct{}
	cancel context.CancelFunc
	log     *logging.Entry
	metrics *BufferMetrics

	mu  sync.Mutex
	err error
}

// NewBuffer constructs a Buffer and immediately starts its daemon
// goroutine, scoped to ctx. Canceling ctx, or calling the returned
// Buffer's Close, tears the daemon down: every in-flight build is
// canceled and the Changes channel is closed.
func NewBuffer[T Target, S any](ctx context.Context, cfg Config[T, S], opts Options) *Buffer[T, S] {
	runCtx, cancel := context.WithCancel(ctx)

	log := cfg.Log
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}
	log = log.WithField("component", "discovery-buffer").WithField("target", cfg.Target.String())

	b := &Buffer[T, S]{
		driver:  NewDriver(cfg),
		out:     make(chan Change[S], opts.capacity()),
		done:    make(chan struct{}),
		cancel:  cancel,
		log:     log,
		metrics: opts.Metrics,
	}

	go b.run(runCtx)
	return b
}

// Subscribe returns the Change stream and an unsubscribe function. There
// is only ever one logical subscriber per Buffer — calling the returned
// func a second time is a harmless no-op.
func (b *Buffer[T, S]) Subscribe() (<-chan Change[S], func()) {
	return b.out, b.Close
}

// Changes returns the bounded stream of Change values. The channel is
// closed once the driver terminates, either because ctx was canceled, the
// consumer unsubscribed, or a fatal error occurred (see Err).
func (b *Buffer[T, S]) Changes() <-chan Change[S] {
	return b.out
}

// Err returns the error that ended the stream, if any. It is safe to call
// at any time but only meaningful after Changes is closed; errors.Is
// matches it against the sentinels in errors.go, never against a plain
// context cancellation (that is reported as a nil Err — a clean
// shutdown, not a failure).
func (b *Buffer[T, S]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close unsubscribes: it cancels the driver, waits for the daemon
// goroutine to exit, and returns once Changes is closed.
func (b *Buffer[T, S]) Close() {
	b.cancel()
	<-b.done
}

func (b *Buffer[T, S]) run(ctx context.Context) {
	defer close(b.done)
	defer close(b.out)
	defer b.driver.Close()

	for {
		// Don't call Next() — and thereby resume resolver/maker work —
		// while a previously produced Change is still sitting in a full
		// channel unconsumed. Only gating the send below lets the driver
		// advance one Change further than the channel has room for.
		if !b.waitForRoom(ctx) {
			return
		}

		change, err := b.driver.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				b.log.WithError(err).Warn("discovery pipeline terminated")
				b.setErr(err)
			}
			return
		}

		b.metrics.setDepth(len(b.out))
		b.out <- change
	}
}

// waitForRoom blocks until b.out has room for another Change, reporting
// false if ctx is done first. b.out is only ever written by this
// goroutine, so len(b.out) < cap(b.out) is a safe, race-free way to
// detect that the consumer has drained at least one queued Change.
func (b *Buffer[T, S]) waitForRoom(ctx context.Context) bool {
	if len(b.out) < cap(b.out) {
		return true
	}

	b.metrics.incBlocked()
	ticker := time.NewTicker(roomPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if len(b.out) < cap(b.out) {
				return true
			}
		}
	}
}

func (b *Buffer[T, S]) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}
