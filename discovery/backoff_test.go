package discovery

import (
	"context"
	"testing"
	"time"
)

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	b := NewExponentialBackoff(10*time.Millisecond, 40*time.Millisecond, 0)

	var waited []time.Duration
	for i := 0; i < 4; i++ {
		start := time.Now()
		if err := b.NextDelay(context.Background()); err != nil {
			t.Fatalf("NextDelay: %v", err)
		}
		waited = append(waited, time.Since(start))
	}

	// With no jitter the intervals double from base until they reach the
	// cap: 10ms, 20ms, 40ms, 40ms. A timer never fires early, so each wait
	// is at least its interval.
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, d := range waited {
		if d < want[i] {
			t.Fatalf("delay %d: expected at least %v, got %v", i, want[i], d)
		}
		if d > 200*time.Millisecond {
			t.Fatalf("delay %d took implausibly long: %v", i, d)
		}
	}

	if next := b.eb.NextBackOff(); next != 40*time.Millisecond {
		t.Fatalf("expected the next interval to stay at the 40ms cap, got %v", next)
	}
}

func TestExponentialBackoffResetDelay(t *testing.T) {
	b := NewExponentialBackoff(10*time.Millisecond, time.Second, 0)

	// Advance the counter several times, then reset; the next delay
	// should be back near base rather than continuing to grow.
	for i := 0; i < 3; i++ {
		if err := b.NextDelay(context.Background()); err != nil {
			t.Fatalf("NextDelay: %v", err)
		}
	}
	b.ResetDelay()

	start := time.Now()
	if err := b.NextDelay(context.Background()); err != nil {
		t.Fatalf("NextDelay: %v", err)
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Fatalf("expected a delay close to base after reset, got %v", d)
	}
}

func TestExponentialBackoffHonorsContextCancellation(t *testing.T) {
	b := NewExponentialBackoff(time.Hour, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.NextDelay(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("NextDelay did not observe context cancellation")
	}
}
