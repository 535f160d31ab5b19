package discovery

import "context"

// Resolve is the external name-resolution collaborator: given a target it
// returns a Resolution, a lazy, non-restartable stream of updates.
// Implementations live outside this package — see discovery/grpcresolve
// and discovery/dnsresolve for two concrete ones.
type Resolve[T Target] interface {
	Resolve(ctx context.Context, target T) (Resolution, error)
}

// Resolution is a lazy sequence of Updates for one target. Poll blocks
// until the next update is available or the resolution fails; a failed
// Resolution must not be polled again — the driver obtains a fresh one by
// calling Resolve again.
type Resolution interface {
	Poll(ctx context.Context) (Update, error)
}

// ResolveFunc adapts a plain function to a Resolve, the same convenience
// http.HandlerFunc provides for a function implementing http.Handler.
type ResolveFunc[T Target] func(ctx context.Context, target T) (Resolution, error)

// Resolve implements Resolve.
func (f ResolveFunc[T]) Resolve(ctx context.Context, target T) (Resolution, error) {
	return f(ctx, target)
}

// PollFunc adapts a plain function to a Resolution.
type PollFunc func(ctx context.Context) (Update, error)

// Poll implements Resolution.
func (f PollFunc) Poll(ctx context.Context) (Update, error) {
	return f(ctx)
}
