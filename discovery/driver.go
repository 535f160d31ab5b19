package discovery

import (
	"context"
	"fmt"

	logging "github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Config bundles a Driver's collaborators as constructor parameters
// rather than a shared options object, following
// controller/api/destination/watcher.NewEndpointsWatcher's lead.
type Config[T Target, S any] struct {
	Target  T
	Resolve Resolve[T]
	Maker   EndpointMaker[S]
	Backoff BackoffPolicy
	Log     *logging.Entry
	Metrics *DriverMetrics

	// MaxConcurrentBuilds bounds how many Maker.Make calls run at once.
	// Zero means unbounded: every pending address gets its own goroutine
	// with no cap.
	MaxConcurrentBuilds int64
}

// Driver owns the reconnect state machine: Disconnected -> Connecting ->
// Connected -> (Reconcile | Resolving) -> Failed -> Backoff ->
// Disconnected. It is not safe for concurrent use; a Buffer daemon
// goroutine is the only intended caller.
//
// The state machine is a `state` field (an unexported interface-free
// `any` holding one of the unexported state*/ structs below) plus a step
// method — Next — that advances it, rather than a continuation stack.
type Driver[T Target, S any] struct {
	target  T
	resolve Resolve[T]
	maker   EndpointMaker[S]
	backoff BackoffPolicy
	log     *logging.Entry
	metrics *DriverMetrics

	state any

	builds *buildSet[S]
	// active holds the endpoints accepted since the last reconnect,
	// keyed in insertion order so reconciliation's union-ordering rule
	// can walk it deterministically.
	active *orderedmap.OrderedMap[Address, Endpoint]
	// pendingRemovals queues addresses waiting to be reported as
	// ChangeRemove, drained before anything else on every Next call.
	pendingRemovals []Address
}

// NewDriver constructs a Driver in its initial Disconnected state.
func NewDriver[T Target, S any](cfg Config[T, S]) *Driver[T, S] {
	log := cfg.Log
	if log == nil {
		log = logging.NewEntry(logging.StandardLogger())
	}
	log = log.WithField("component", "discovery-driver").WithField("target", cfg.Target.String())

	return &Driver[T, S]{
		target:  cfg.Target,
		resolve: cfg.Resolve,
		maker:   cfg.Maker,
		backoff: cfg.Backoff,
		log:     log,
		metrics: cfg.Metrics,
		state:   stateDisconnected{},
		builds:  newBuildSet[S](cfg.Maker, cfg.MaxConcurrentBuilds),
		active:  orderedmap.New[Address, Endpoint](),
	}
}

type asyncResolution struct {
	val Resolution
	err error
}

type asyncUpdate struct {
	val Update
	err error
}

type (
	stateDisconnected struct{}
	stateConnecting   struct{ result <-chan asyncResolution }
	stateConnected    struct{ resolution Resolution }
	stateConnectWait  struct {
		resolution Resolution
		result     <-chan asyncUpdate
	}
	stateReconcile struct {
		resolution Resolution
		update     Update
	}
	// queued, when non-nil, is an update that must be forwarded to
	// applyUpdate before the next resolution.Poll is issued — how
	// reconcile hands the first post-reconnect update back to the normal
	// forwarding path once it has been reconciled against the endpoints
	// active before the disconnect.
	stateResolving struct {
		resolution Resolution
		queued     *Update
	}
	stateResolveWait struct {
		resolution Resolution
		result     <-chan asyncUpdate
	}
	stateFailed struct{ err error }
	stateBackoff struct {
		cause  error
		result <-chan error
	}
	// stateDone is the terminal state entered after Update.DoesNotExist:
	// the resolution was authoritative that the target does not exist,
	// so the driver stops rather than reconnect.
	stateDone struct{}
)

func (d *Driver[T, S]) setState(s any) {
	d.state = s
	d.reportState()
}

// Next advances the state machine until it has a Change to deliver, or
// ctx is done, or a fatal error occurs (maker readiness errors and
// individual build errors are fatal to the pipeline).
//
// Ordering: pending removals are always drained before anything else.
// This both reports removals before inserts within the same turn and
// enforces backpressure: the resolution is never polled again while a
// removal is outstanding.
func (d *Driver[T, S]) Next(ctx context.Context) (Change[S], error) {
	var zero Change[S]

	for {
		if len(d.pendingRemovals) > 0 {
			addr := d.pendingRemovals[0]
			d.pendingRemovals = d.pendingRemovals[1:]
			d.builds.remove(addr)
			return Change[S]{Kind: ChangeRemove, Addr: addr}, nil
		}

		if addr, svc, err, ok := d.builds.tryComplete(); ok {
			if err != nil {
				return zero, err
			}
			return Change[S]{Kind: ChangeInsert, Addr: addr, Service: svc}, nil
		}

		switch st := d.state.(type) {
		case stateDisconnected:
			if err := d.maker.Ready(ctx); err != nil {
				return zero, fmt.Errorf("%w: %s", ErrMakerNotReady, err)
			}
			ch := make(chan asyncResolution, 1)
			go func() {
				res, err := d.resolve.Resolve(ctx, d.target)
				ch <- asyncResolution{val: res, err: err}
			}()
			d.setState(stateConnecting{result: ch})

		case stateConnecting:
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case res := <-d.builds.results:
				if a, v, e, ok := d.builds.complete(res); ok {
					if e != nil {
						return zero, e
					}
					return Change[S]{Kind: ChangeInsert, Addr: a, Service: v}, nil
				}
			case r := <-st.result:
				if r.err != nil {
					d.log.WithError(r.err).Debug("resolve failed")
					d.setState(stateFailed{err: r.err})
					continue
				}
				d.setState(stateConnected{resolution: r.val})
			}

		case stateConnected:
			if d.active.Len() == 0 {
				d.backoff.ResetDelay()
				d.setState(stateResolving{resolution: st.resolution})
				continue
			}
			d.setState(stateConnectWait{resolution: st.resolution, result: d.pollAsync(ctx, st.resolution)})

		case stateConnectWait:
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case res := <-d.builds.results:
				if a, v, e, ok := d.builds.complete(res); ok {
					if e != nil {
						return zero, e
					}
					return Change[S]{Kind: ChangeInsert, Addr: a, Service: v}, nil
				}
			case r := <-st.result:
				if r.err != nil {
					d.log.WithError(r.err).Debug("resolution lost while reconnecting")
					d.setState(stateFailed{err: r.err})
					continue
				}
				d.backoff.ResetDelay()
				d.setState(stateReconcile{resolution: st.resolution, update: r.val})
			}

		case stateReconcile:
			d.reconcile(st)

		case stateResolving:
			if st.queued != nil {
				u := *st.queued
				d.setState(stateResolving{resolution: st.resolution})
				if change, emit := d.applyUpdate(u); emit {
					return change, nil
				}
				continue
			}
			// Backpressure: only poll for more work once the maker can
			// accept another build; a fatal readiness error here ends
			// the pipeline.
			if err := d.maker.Ready(ctx); err != nil {
				return zero, fmt.Errorf("%w: %s", ErrMakerNotReady, err)
			}
			d.setState(stateResolveWait{resolution: st.resolution, result: d.pollAsync(ctx, st.resolution)})

		case stateResolveWait:
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case res := <-d.builds.results:
				if a, v, e, ok := d.builds.complete(res); ok {
					if e != nil {
						return zero, e
					}
					return Change[S]{Kind: ChangeInsert, Addr: a, Service: v}, nil
				}
			case r := <-st.result:
				if r.err != nil {
					d.log.WithError(r.err).Debug("resolution lost")
					d.setState(stateFailed{err: r.err})
					continue
				}
				d.setState(stateResolving{resolution: st.resolution})
				if change, emit := d.applyUpdate(r.val); emit {
					return change, nil
				}
			}

		case stateFailed:
			d.log.WithError(st.err).Warn("reconnecting after failure")
			ch := make(chan error, 1)
			go func() { ch <- d.backoff.NextDelay(ctx) }()
			d.setState(stateBackoff{cause: st.err, result: ch})

		case stateBackoff:
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case res := <-d.builds.results:
				if a, v, e, ok := d.builds.complete(res); ok {
					if e != nil {
						return zero, e
					}
					return Change[S]{Kind: ChangeInsert, Addr: a, Service: v}, nil
				}
			case err := <-st.result:
				if err != nil {
					// NextDelay only returns ctx.Err(); a non-context
					// error is treated as a programming error rather
					// than something to retry.
					return zero, err
				}
				d.setState(stateDisconnected{})
			}

		case stateDone:
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case res := <-d.builds.results:
				if a, v, e, ok := d.builds.complete(res); ok {
					if e != nil {
						return zero, e
					}
					return Change[S]{Kind: ChangeInsert, Addr: a, Service: v}, nil
				}
			}

		default:
			return zero, nil
		}
	}
}

// pollAsync kicks off resolution.Poll on its own goroutine so it can be
// raced against build completions and context cancellation in a select.
func (d *Driver[T, S]) pollAsync(ctx context.Context, r Resolution) <-chan asyncUpdate {
	ch := make(chan asyncUpdate, 1)
	go func() {
		u, err := r.Poll(ctx)
		ch <- asyncUpdate{val: u, err: err}
	}()
	return ch
}

// applyUpdate forwards an update received in Resolving state. Add/Remove
// never emit a Change directly: Add starts builds whose completions
// surface as Insert later; Remove enqueues pendingRemovals, drained at the
// top of Next. Empty/DoesNotExist surface as their own sentinel Changes.
func (d *Driver[T, S]) applyUpdate(u Update) (Change[S], bool) {
	switch u.Kind {
	case UpdateAdd:
		for _, e := range u.Add {
			d.active.Set(e.Addr, e.Endpoint)
			d.builds.push(context.Background(), e.Addr, e.Endpoint)
		}
		return Change[S]{}, false
	case UpdateRemove:
		for _, a := range u.Remove {
			d.active.Delete(a)
			d.builds.remove(a)
			d.pendingRemovals = append(d.pendingRemovals, a)
		}
		return Change[S]{}, false
	case UpdateEmpty:
		return Change[S]{Kind: ChangeEmpty}, true
	case UpdateDoesNotExist:
		d.setState(stateDone{})
		return Change[S]{Kind: ChangeDoesNotExist}, true
	default:
		return Change[S]{}, false
	}
}

// reconcile reconciles the first post-reconnect update against d.active,
// the pre-disconnect address map: d.active is cleared and the driver
// moves on to Resolving.
func (d *Driver[T, S]) reconcile(st stateReconcile) {
	u := st.update

	switch u.Kind {
	case UpdateAdd:
		fresh := make(map[Address]struct{}, len(u.Add))
		for _, e := range u.Add {
			fresh[e.Addr] = struct{}{}
		}
		var stale []Address
		for pair := d.active.Oldest(); pair != nil; pair = pair.Next() {
			if _, ok := fresh[pair.Key]; !ok {
				stale = append(stale, pair.Key)
			}
		}
		d.active = orderedmap.New[Address, Endpoint]()
		d.pendingRemovals = append(d.pendingRemovals, stale...)
		queued := u
		d.setState(stateResolving{resolution: st.resolution, queued: &queued})

	case UpdateRemove:
		seen := make(map[Address]struct{}, len(u.Remove))
		union := make([]Address, 0, len(u.Remove)+d.active.Len())
		for _, a := range u.Remove {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				union = append(union, a)
			}
		}
		for pair := d.active.Oldest(); pair != nil; pair = pair.Next() {
			if _, ok := seen[pair.Key]; !ok {
				seen[pair.Key] = struct{}{}
				union = append(union, pair.Key)
			}
		}
		d.active = orderedmap.New[Address, Endpoint]()
		d.pendingRemovals = append(d.pendingRemovals, union...)
		d.setState(stateResolving{resolution: st.resolution})

	case UpdateEmpty, UpdateDoesNotExist:
		var stale []Address
		for pair := d.active.Oldest(); pair != nil; pair = pair.Next() {
			stale = append(stale, pair.Key)
		}
		d.active = orderedmap.New[Address, Endpoint]()
		d.pendingRemovals = append(d.pendingRemovals, stale...)
		queued := u
		d.setState(stateResolving{resolution: st.resolution, queued: &queued})
	}
}

// Close cancels every in-flight build, used when the owning Buffer shuts
// down (consumer disconnected).
func (d *Driver[T, S]) Close() {
	d.builds.cancelAll()
}

func (d *Driver[T, S]) reportState() {
	if d.metrics == nil {
		return
	}
	name := "unknown"
	switch d.state.(type) {
	case stateDisconnected:
		name = "disconnected"
	case stateConnecting:
		name = "connecting"
	case stateConnected, stateConnectWait:
		name = "connected"
	case stateReconcile:
		name = "reconcile"
	case stateResolving, stateResolveWait:
		name = "resolving"
	case stateFailed:
		name = "failed"
	case stateBackoff:
		name = "backoff"
	case stateDone:
		name = "done"
	}
	d.metrics.setState(d.target.String(), name)
}
