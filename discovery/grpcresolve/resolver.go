// Package grpcresolve implements discovery.Resolve against a control
// plane's Destination gRPC service, the same service the proxy's own
// outbound path talks to (controller/api/destination is the server side
// of this exact protocol).
package grpcresolve

import (
	"context"
	"errors"
	"fmt"
	"io"

	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/endpoint-discovery/discovery"
)

// Authority is a Kubernetes-style destination path, e.g.
// "emoji.emojivoto.svc.cluster.local:80".
type Authority string

func (a Authority) String() string { return string(a) }

// Resolver adapts a pb.DestinationClient into a discovery.Resolve[Authority].
type Resolver struct {
	client pb.DestinationClient
	scheme string
	log    *logging.Entry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithScheme overrides the GetDestination request's Scheme field (the
// control plane's own server and CLI always use "k8s"; this exists for
// resolvers fronting a non-Kubernetes discovery backend over the same
// protocol).
func WithScheme(scheme string) Option {
	return func(r *Resolver) { r.scheme = scheme }
}

// WithLog overrides the base log entry streams are scoped from.
func WithLog(log *logging.Entry) Option {
	return func(r *Resolver) { r.log = log }
}

// New builds a Resolver around an existing Destination client. Callers own
// the client's underlying *grpc.ClientConn.
func New(client pb.DestinationClient, opts ...Option) *Resolver {
	r := &Resolver{
		client: client,
		scheme: "k8s",
		log:    logging.NewEntry(logging.StandardLogger()).WithField("component", "grpcresolve"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve opens a Destination.Get stream for target.
func (r *Resolver) Resolve(ctx context.Context, target Authority) (discovery.Resolution, error) {
	stream, err := r.client.Get(ctx, &pb.GetDestination{Scheme: r.scheme, Path: string(target)})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", discovery.ErrResolveFailed, err)
	}
	return &resolution{
		stream: stream,
		log:    r.log.WithField("target", string(target)),
	}, nil
}

type resolution struct {
	stream pb.Destination_GetClient
	log    *logging.Entry
}

func (r *resolution) Poll(ctx context.Context) (discovery.Update, error) {
	msg, err := r.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return discovery.Update{}, fmt.Errorf("%w: stream closed by server", discovery.ErrResolveFailed)
		}
		return discovery.Update{}, fmt.Errorf("%w: %s", discovery.ErrResolveFailed, err)
	}
	u, err := fromProto(msg)
	if err != nil {
		return discovery.Update{}, err
	}
	r.log.Debugf("received %s", u.Kind)
	return u, nil
}

func fromProto(msg *pb.Update) (discovery.Update, error) {
	switch v := msg.GetUpdate().(type) {
	case *pb.Update_Add:
		entries := make([]discovery.AddrEndpoint, 0, len(v.Add.GetAddrs()))
		for _, wa := range v.Add.GetAddrs() {
			entries = append(entries, endpointFromWeighted(wa))
		}
		return discovery.NewAddUpdate(entries...), nil

	case *pb.Update_Remove:
		addrs := make([]discovery.Address, 0, len(v.Remove.GetAddrs()))
		for _, tcp := range v.Remove.GetAddrs() {
			addrs = append(addrs, addressFromTCP(tcp))
		}
		return discovery.NewRemoveUpdate(addrs...), nil

	case *pb.Update_NoEndpoints:
		if v.NoEndpoints.GetExists() {
			return discovery.NewEmptyUpdate(), nil
		}
		return discovery.NewDoesNotExistUpdate(), nil

	default:
		return discovery.Update{}, fmt.Errorf("%w: unrecognized update variant %T", discovery.ErrResolveFailed, msg.GetUpdate())
	}
}

func endpointFromWeighted(wa *pb.WeightedAddr) discovery.AddrEndpoint {
	a := addressFromTCP(wa.GetAddr())

	var identity string
	if tls := wa.GetTlsIdentity(); tls != nil {
		switch id := tls.GetStrategy().(type) {
		case *pb.TlsIdentity_DnsLikeIdentity_:
			identity = id.DnsLikeIdentity.GetName()
		case *pb.TlsIdentity_UriLikeIdentity_:
			identity = id.UriLikeIdentity.GetUri()
		}
	}

	protocol := "tcp"
	if hint := wa.GetProtocolHint(); hint != nil {
		switch hint.GetProtocol().(type) {
		case *pb.ProtocolHint_H2_:
			protocol = "h2"
		case *pb.ProtocolHint_Opaque_:
			protocol = "opaque"
		}
	}

	return discovery.AddrEndpoint{
		Addr: a,
		Endpoint: discovery.Endpoint{
			Addr:     a,
			Identity: identity,
			Protocol: protocol,
			Metadata: wa.GetMetricLabels(),
		},
	}
}
