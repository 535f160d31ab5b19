package dnsresolve

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/endpoint-discovery/discovery"
)

func noopLog() *logging.Entry {
	l := logging.New()
	l.SetOutput(io.Discard)
	return logging.NewEntry(l)
}

func scriptedLookup(results ...[]net.IPAddr) func(ctx context.Context, host string) ([]net.IPAddr, error) {
	i := 0
	return func(ctx context.Context, host string) ([]net.IPAddr, error) {
		idx := i
		if idx >= len(results) {
			idx = len(results) - 1
		}
		i++
		return results[idx], nil
	}
}

func ip(s string) net.IPAddr { return net.IPAddr{IP: net.ParseIP(s)} }

func TestResolutionPollFirstLookupYieldsAdd(t *testing.T) {
	r := &resolution{
		lookupHost: scriptedLookup([]net.IPAddr{ip("10.0.0.1"), ip("10.0.0.2")}),
		interval:   time.Hour,
		target:     Target{Host: "svc.local", Port: 80},
		log:        noopLog(),
		first:      true,
	}

	u, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if u.Kind != discovery.UpdateAdd || len(u.Add) != 2 {
		t.Fatalf("expected an initial Add of both addresses, got %+v", u)
	}
}

func TestResolutionPollFirstLookupEmptyYieldsEmpty(t *testing.T) {
	r := &resolution{
		lookupHost: scriptedLookup(nil),
		interval:   time.Hour,
		target:     Target{Host: "svc.local", Port: 80},
		log:        noopLog(),
		first:      true,
	}

	u, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if u.Kind != discovery.UpdateEmpty {
		t.Fatalf("expected Empty, got %+v", u)
	}
}

func TestResolutionPollDiffsAgainstLastKnown(t *testing.T) {
	r := &resolution{
		lookupHost: scriptedLookup(
			[]net.IPAddr{ip("10.0.0.1")},
			[]net.IPAddr{ip("10.0.0.1"), ip("10.0.0.2")},
		),
		interval: time.Millisecond,
		target:   Target{Host: "svc.local", Port: 80},
		log:      noopLog(),
		first:    true,
	}

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	u, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if u.Kind != discovery.UpdateAdd || len(u.Add) != 1 || u.Add[0].Addr.IP != "10.0.0.2" {
		t.Fatalf("expected an Add of the newly appeared address, got %+v", u)
	}
}

func TestResolutionPollReportsRemovals(t *testing.T) {
	r := &resolution{
		lookupHost: scriptedLookup(
			[]net.IPAddr{ip("10.0.0.1"), ip("10.0.0.2")},
			[]net.IPAddr{ip("10.0.0.1")},
		),
		interval: time.Millisecond,
		target:   Target{Host: "svc.local", Port: 80},
		log:      noopLog(),
		first:    true,
	}

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	u, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if u.Kind != discovery.UpdateRemove || len(u.Remove) != 1 || u.Remove[0].IP != "10.0.0.2" {
		t.Fatalf("expected a Remove of the vanished address, got %+v", u)
	}
}

func TestResolutionPollSimultaneousAddAndRemoveReportsBoth(t *testing.T) {
	r := &resolution{
		lookupHost: scriptedLookup(
			[]net.IPAddr{ip("10.0.0.1")},
			[]net.IPAddr{ip("10.0.0.2")},
			[]net.IPAddr{ip("10.0.0.2")},
		),
		interval: time.Millisecond,
		target:   Target{Host: "svc.local", Port: 80},
		log:      noopLog(),
		first:    true,
	}

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	// The second lookup both loses 10.0.0.1 and gains 10.0.0.2 in the same
	// cycle. The removal must be reported first, without losing the gain.
	removed, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if removed.Kind != discovery.UpdateRemove || len(removed.Remove) != 1 || removed.Remove[0].IP != "10.0.0.1" {
		t.Fatalf("expected a Remove of the vanished address, got %+v", removed)
	}

	added, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("third Poll: %v", err)
	}
	if added.Kind != discovery.UpdateAdd || len(added.Add) != 1 || added.Add[0].Addr.IP != "10.0.0.2" {
		t.Fatalf("expected the gained address to still be reported as an Add, got %+v", added)
	}
}

func TestResolutionPollUnchangedWaitsForIntervalThenContextCancellation(t *testing.T) {
	r := &resolution{
		lookupHost: scriptedLookup([]net.IPAddr{ip("10.0.0.1")}),
		interval:   10 * time.Millisecond,
		target:     Target{Host: "svc.local", Port: 80},
		log:        noopLog(),
		first:      true,
	}

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The lookup never changes, so Poll keeps re-checking on the interval
	// until ctx is canceled.
	if _, err := r.Poll(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestResolutionPollWrapsLookupError(t *testing.T) {
	r := &resolution{
		lookupHost: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return nil, errors.New("network unreachable")
		},
		interval: time.Hour,
		target:   Target{Host: "svc.local", Port: 80},
		log:      noopLog(),
		first:    true,
	}

	if _, err := r.Poll(context.Background()); !errors.Is(err, discovery.ErrResolveFailed) {
		t.Fatalf("expected ErrResolveFailed, got %v", err)
	}
}

func TestResolutionPollNotFoundYieldsDoesNotExist(t *testing.T) {
	r := &resolution{
		lookupHost: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		},
		interval: time.Hour,
		target:   Target{Host: "svc.local", Port: 80},
		log:      noopLog(),
		first:    true,
	}

	u, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if u.Kind != discovery.UpdateDoesNotExist {
		t.Fatalf("expected DoesNotExist, got %+v", u)
	}
}
