// Package dnsresolve implements discovery.Resolve over plain DNS,
// adapted from the polling-ticker shape of controller/destination/dns.go:
// there is no DNS push mechanism, so a Resolution re-resolves on an
// interval and diffs against the addresses it last reported rather than
// caching anything eagerly.
package dnsresolve

import (
	"context"
	"fmt"
	"net"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/endpoint-discovery/discovery"
)

// Target is a hostname plus the port every resolved address is given (DNS
// has no notion of per-address ports).
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

// Resolver resolves Targets by polling net.Resolver on a fixed interval.
// No third-party DNS client exists anywhere in the example pack this
// module was grounded on, so this is the one place the ambient-stack rule
// yields to the standard library rather than an ecosystem dependency.
type Resolver struct {
	resolver *net.Resolver
	interval time.Duration
	log      *logging.Entry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithInterval overrides the re-resolution interval (default 5s).
func WithInterval(d time.Duration) Option {
	return func(r *Resolver) { r.interval = d }
}

// WithNetResolver overrides the underlying *net.Resolver, e.g. to point at
// a specific nameserver in tests.
func WithNetResolver(nr *net.Resolver) Option {
	return func(r *Resolver) { r.resolver = nr }
}

// WithLog overrides the base log entry streams are scoped from.
func WithLog(log *logging.Entry) Option {
	return func(r *Resolver) { r.log = log }
}

// New builds a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		resolver: net.DefaultResolver,
		interval: 5 * time.Second,
		log:      logging.NewEntry(logging.StandardLogger()).WithField("component", "dnsresolve"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a Resolution that polls Target.Host on Resolver's
// interval. The first Poll call yields an Add of every initially resolved
// address (Empty if there are none, DoesNotExist if the host is not
// found); later calls only return once a lookup's result differs from the
// last one reported.
func (r *Resolver) Resolve(ctx context.Context, target Target) (discovery.Resolution, error) {
	return &resolution{
		lookupHost: r.resolver.LookupIPAddr,
		interval:   r.interval,
		target:     target,
		log:        r.log.WithField("target", target.String()),
		first:      true,
	}, nil
}

type resolution struct {
	// lookupHost defaults to a *net.Resolver's LookupIPAddr; tests inject
	// a fake to avoid real DNS traffic.
	lookupHost func(ctx context.Context, host string) ([]net.IPAddr, error)
	interval   time.Duration
	target     Target
	log        *logging.Entry

	first bool
	known map[discovery.Address]struct{}
}

func (r *resolution) Poll(ctx context.Context) (discovery.Update, error) {
	for {
		current, notFound, err := r.lookup(ctx)
		if err != nil {
			return discovery.Update{}, fmt.Errorf("%w: %s", discovery.ErrResolveFailed, err)
		}

		if r.first {
			r.first = false
			r.known = current
			if notFound {
				return discovery.NewDoesNotExistUpdate(), nil
			}
			if len(current) == 0 {
				return discovery.NewEmptyUpdate(), nil
			}
			return discovery.NewAddUpdate(toEntries(current)...), nil
		}

		added, removed := diff(r.known, current)
		// A lookup can both gain and lose addresses in the same cycle.
		// Report the removal first and only drop the removed addresses
		// from known, leaving the gained ones out of it too; the next
		// Poll call re-diffs against that known and reports them as an
		// Add, so neither side of the change is ever lost.
		if len(removed) > 0 {
			r.known = subtract(r.known, removed)
			return discovery.NewRemoveUpdate(toAddrs(removed)...), nil
		}
		if len(added) > 0 {
			r.known = current
			return discovery.NewAddUpdate(toEntries(added)...), nil
		}

		select {
		case <-time.After(r.interval):
		case <-ctx.Done():
			return discovery.Update{}, ctx.Err()
		}
	}
}

// lookup resolves the target host once. A "no such host" error is
// reported through notFound rather than err: DNS NXDOMAIN is a normal
// outcome, not a transport failure. Poll reports it as
// Update.DoesNotExist on the first lookup only; later it counts as an
// empty address set, so previously known addresses are reported removed.
func (r *resolution) lookup(ctx context.Context) (current map[discovery.Address]struct{}, notFound bool, err error) {
	addrs, lookupErr := r.lookupHost(ctx, r.target.Host)
	if lookupErr != nil {
		if dnsErr, ok := lookupErr.(*net.DNSError); ok && dnsErr.IsNotFound {
			return map[discovery.Address]struct{}{}, true, nil
		}
		return nil, false, lookupErr
	}

	current = make(map[discovery.Address]struct{}, len(addrs))
	for _, a := range addrs {
		current[discovery.Address{IP: a.IP.String(), Port: r.target.Port}] = struct{}{}
	}
	return current, false, nil
}

func diff(known, current map[discovery.Address]struct{}) (added, removed map[discovery.Address]struct{}) {
	added = make(map[discovery.Address]struct{})
	removed = make(map[discovery.Address]struct{})
	for a := range current {
		if _, ok := known[a]; !ok {
			added[a] = struct{}{}
		}
	}
	for a := range known {
		if _, ok := current[a]; !ok {
			removed[a] = struct{}{}
		}
	}
	return added, removed
}

func subtract(known, removed map[discovery.Address]struct{}) map[discovery.Address]struct{} {
	next := make(map[discovery.Address]struct{}, len(known))
	for a := range known {
		if _, gone := removed[a]; !gone {
			next[a] = struct{}{}
		}
	}
	return next
}

func toEntries(set map[discovery.Address]struct{}) []discovery.AddrEndpoint {
	entries := make([]discovery.AddrEndpoint, 0, len(set))
	for a := range set {
		entries = append(entries, discovery.AddrEndpoint{Addr: a, Endpoint: discovery.Endpoint{Addr: a, Protocol: "tcp"}})
	}
	return entries
}

func toAddrs(set map[discovery.Address]struct{}) []discovery.Address {
	addrs := make([]discovery.Address, 0, len(set))
	for a := range set {
		addrs = append(addrs, a)
	}
	return addrs
}
