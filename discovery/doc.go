// Package discovery implements the outbound endpoint discovery pipeline: a
// resolution driver that turns a target into a normalized Add/Remove update
// stream, an endpoint maker that asynchronously builds a service per
// resolved address, and a discovery buffer that runs the two on a
// background goroutine and hands changes to a consumer through a bounded
// channel.
//
// The transport used to resolve a target (gRPC, DNS, ...), the stack
// assembled for each endpoint (TLS, routing, identity enforcement), and the
// load balancer that ultimately consumes the change stream are all
// external collaborators; this package only owns the reconnect/backoff
// state machine, the in-flight build set, and the backpressure-coupled
// buffer between the two and a consumer.
package discovery
