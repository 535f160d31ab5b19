// endpoint-discoveryctl drives the endpoint discovery pipeline against a
// live Destination gRPC service and prints every Change as it is
// produced, the same introspection role cli/cmd/endpoints.go plays for
// the control plane's internal state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	logging "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/linkerd/endpoint-discovery/discovery"
	"github.com/linkerd/endpoint-discovery/discovery/grpcresolve"
	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
)

type options struct {
	addr   string
	scheme string
	output string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{addr: "localhost:8086", scheme: "k8s", output: "table"}

	cmd := &cobra.Command{
		Use:   "endpoint-discoveryctl [flags] authority",
		Short: "Stream the resolved endpoints of a destination authority",
		Long: `endpoint-discoveryctl drives the same endpoint discovery pipeline a
linkerd-proxy uses on its outbound path against a single authority, printing
every Insert/Remove/Empty/DoesNotExist change as it is produced.`,
		Example: `  endpoint-discoveryctl emoji-svc.emojivoto.svc.cluster.local:8080`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", opts.addr, "address of the Destination gRPC service")
	cmd.Flags().StringVar(&opts.scheme, "scheme", opts.scheme, "scheme sent on the GetDestination request")
	cmd.Flags().StringVarP(&opts.output, "output", "o", opts.output, "output format: table|json")

	return cmd
}

func run(ctx context.Context, opts *options, authority string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// #nosec G402 -- this is a debug client for a mesh-internal control
	// plane endpoint, the same pattern controller/api/destination/client.go
	// uses to talk to the same service.
	conn, err := grpc.DialContext(dialCtx, opts.addr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	defer conn.Close()

	log := logging.NewEntry(logging.StandardLogger())
	resolver := grpcresolve.New(pb.NewDestinationClient(conn), grpcresolve.WithScheme(opts.scheme), grpcresolve.WithLog(log))

	buf := discovery.NewBuffer(ctx, discovery.Config[grpcresolve.Authority, string]{
		Target:  grpcresolve.Authority(authority),
		Resolve: resolver,
		Maker:   passthroughMaker{},
		Backoff: discovery.NewExponentialBackoff(200*time.Millisecond, 30*time.Second, 0.2),
		Log:     log,
	}, discovery.Options{Capacity: 32})
	defer buf.Close()

	for change := range buf.Changes() {
		printChange(opts.output, change)
	}
	return buf.Err()
}

// passthroughMaker treats an endpoint's own address as the "service" —
// this CLI reports what the discovery pipeline resolved, it does not
// build a proxy stack for it.
type passthroughMaker struct{}

func (passthroughMaker) Ready(ctx context.Context) error { return nil }

func (passthroughMaker) Make(ctx context.Context, ep discovery.Endpoint) (string, error) {
	return ep.Addr.String(), nil
}

func printChange(format string, c discovery.Change[string]) {
	if format == "json" {
		b, _ := json.Marshal(struct {
			Kind    string `json:"kind"`
			Addr    string `json:"addr,omitempty"`
			Service string `json:"service,omitempty"`
		}{Kind: c.Kind.String(), Addr: c.Addr.String(), Service: c.Service})
		fmt.Println(string(b))
		return
	}

	switch c.Kind {
	case discovery.ChangeInsert:
		fmt.Printf("+ %s (%s)\n", c.Addr, c.Service)
	case discovery.ChangeRemove:
		fmt.Printf("- %s\n", c.Addr)
	default:
		fmt.Printf("* %s\n", c.Kind)
	}
}
