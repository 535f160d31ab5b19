package discovery

import (
	"context"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/semaphore"
)

// EndpointMaker is the external per-endpoint service factory: Ready
// reports whether a new build may be started (a fatal error here is
// fatal to the whole pipeline); Make asynchronously constructs the service
// for one resolved endpoint. Make is expected to honor context
// cancellation promptly — that is how the build set cancels an
// overwritten or removed build.
type EndpointMaker[S any] interface {
	Ready(ctx context.Context) error
	Make(ctx context.Context, ep Endpoint) (S, error)
}

type buildResult[S any] struct {
	addr Address
	slot *buildSlot[S]
	svc  S
	err  error
}

// buildSlot pairs an in-flight build with its independent cancellation
// signal: a context.CancelFunc, checked before a result is ever trusted.
type buildSlot[S any] struct {
	cancel context.CancelFunc
}

// buildSet holds at most one build per address, with the invariant that
// every pending build has exactly one matching cancellation entry. Builds
// run on their own goroutine and fan their result into a single shared
// channel so that a single select can observe "next completed build"
// without imposing an order on completion.
type buildSet[S any] struct {
	maker   EndpointMaker[S]
	pending *orderedmap.OrderedMap[Address, *buildSlot[S]]
	results chan buildResult[S]

	// sem bounds how many Make calls run at once, the same
	// semaphore.Weighted pattern pkg/etcd's snapshot path uses to cap
	// concurrent snapshot operations. Nil means unbounded.
	sem *semaphore.Weighted
}

func newBuildSet[S any](maker EndpointMaker[S], maxConcurrent int64) *buildSet[S] {
	s := &buildSet[S]{
		maker:   maker,
		pending: orderedmap.New[Address, *buildSlot[S]](),
		// Buffered so that a build whose slot was removed (cancel or
		// overwrite) before it noticed cancellation never blocks on
		// send; the receiver drops it by address lookup instead.
		results: make(chan buildResult[S], 16),
	}
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return s
}

// push registers a new pending build for addr. If a build is already
// pending for addr, its cancellation signal fires before the new one is
// registered, and the new build replaces it.
func (s *buildSet[S]) push(parent context.Context, addr Address, ep Endpoint) {
	if prior, ok := s.pending.Get(addr); ok {
		prior.cancel()
	}

	ctx, cancel := context.WithCancel(parent)
	slot := &buildSlot[S]{cancel: cancel}
	s.pending.Set(addr, slot)

	go func() {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				// ctx was canceled while queued for a slot; nothing was
				// started, so there is nothing to swallow.
				return
			}
			defer s.sem.Release(1)
		}

		svc, err := s.maker.Make(ctx, ep)
		// Poll the cancellation signal before trusting the build's
		// result: a canceled build must be swallowed even if Make
		// raced past its own ctx.Err() check internally.
		if ctx.Err() != nil {
			return
		}
		select {
		case s.results <- buildResult[S]{addr: addr, slot: slot, svc: svc, err: err}:
		case <-ctx.Done():
			// Canceled between the Err() check above and the send;
			// best-effort cancellation means the result may still
			// have been delivered instead. Either outcome is legal.
		}
	}()
}

// remove fires the cancellation signal for addr, if a build is pending,
// and forgets the registration. The underlying goroutine may still
// complete; its result is swallowed because the address is no longer in
// pending by the time it is looked up (see complete).
func (s *buildSet[S]) remove(addr Address) {
	if slot, ok := s.pending.Get(addr); ok {
		slot.cancel()
		s.pending.Delete(addr)
	}
}

// len reports the number of builds currently pending.
func (s *buildSet[S]) len() int {
	return s.pending.Len()
}

// cancelAll fires every pending cancellation signal, used when the driver
// itself is torn down (consumer disconnected).
func (s *buildSet[S]) cancelAll() {
	for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.cancel()
	}
	s.pending = orderedmap.New[Address, *buildSlot[S]]()
}

// tryComplete performs one non-blocking check of the results channel,
// reaping at most one completed build. ok is false if nothing was ready;
// a build whose slot is no longer the one pending for its address (raced
// with remove/overwrite) is silently dropped rather than reported up.
func (s *buildSet[S]) tryComplete() (addr Address, svc S, err error, ok bool) {
	select {
	case res := <-s.results:
		return s.complete(res)
	default:
		var zero S
		return Address{}, zero, nil, false
	}
}

// await blocks until either a build completes or ctx is done, for use
// inside a driver select alongside other event sources.
func (s *buildSet[S]) await(ctx context.Context) (addr Address, svc S, err error, ok bool, done bool) {
	select {
	case res := <-s.results:
		a, v, e, k := s.complete(res)
		return a, v, e, k, false
	case <-ctx.Done():
		var zero S
		return Address{}, zero, nil, false, true
	}
}

func (s *buildSet[S]) complete(res buildResult[S]) (addr Address, svc S, err error, ok bool) {
	if cur, stillPending := s.pending.Get(res.addr); !stillPending || cur != res.slot {
		// Overwritten or removed since this build started; swallow.
		var zero S
		return Address{}, zero, nil, false
	}
	s.pending.Delete(res.addr)
	if res.err != nil {
		return res.addr, res.svc, fmt.Errorf("%w: %s: %s", ErrBuildFailed, res.addr, res.err), true
	}
	return res.addr, res.svc, nil, true
}
