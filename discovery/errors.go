package discovery

import "errors"

// Sentinel errors a consumer can match against with errors.Is once the
// change stream closes. Transient resolver errors never reach the
// consumer as an error value at all (they trigger backoff and a fresh
// reconnect instead).
var (
	// ErrMakerNotReady is returned when the endpoint maker's readiness
	// check fails. Fatal: the pipeline terminates.
	ErrMakerNotReady = errors.New("discovery: endpoint maker not ready")

	// ErrBuildFailed is returned when an individual (non-canceled) build
	// fails. Fatal: the pipeline terminates.
	ErrBuildFailed = errors.New("discovery: endpoint build failed")

	// ErrResolveFailed is the sentinel Resolve and Resolution
	// implementations (grpcresolve, dnsresolve) wrap their errors in. The
	// driver never gives up on a resolver error (it retries after backoff
	// indefinitely), so it never ends the change stream with this error.
	ErrResolveFailed = errors.New("discovery: resolution failed")

	// errBuildCanceled is not returned anywhere: a canceled build's
	// goroutine sees its context's own error and drops the result without
	// reporting it.
	errBuildCanceled = errors.New("discovery: build canceled")
)
