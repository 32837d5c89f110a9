package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/mesh-intelligence/resdb/internal/index"
	"github.com/mesh-intelligence/resdb/internal/metrics"
	"github.com/mesh-intelligence/resdb/internal/publish"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

type serveFlags struct {
	addr        string
	metricsAddr string
	readOnly    bool
	publish     string
	clientHost  string
}

func newServeCmd(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an index, or publish resources with their own index",
		Long: "Without --publish, serve an empty index that accepts registrations.\n" +
			"With --publish, resolve every resource under the prefix, serve them, and\n" +
			"serve a read-only index announcing them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.addr == "" {
				f.addr = a.cfg.IndexAddr
			}
			if f.metricsAddr == "" {
				f.metricsAddr = a.cfg.MetricsAddr
			}
			return runServe(cmd, a, f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (default: index_addr from config)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics at this address")
	cmd.Flags().BoolVar(&f.readOnly, "read-only", false, "reject registrations and deletions")
	cmd.Flags().StringVar(&f.publish, "publish", "", "publish the resources whose id starts with this prefix")
	cmd.Flags().StringVar(&f.clientHost, "client-host", "", "host written into published client stubs")
	cmd.MarkFlagsMutuallyExclusive("read-only", "publish")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, f serveFlags) error {
	span, ctx := commandContext(cmd)
	defer span.Finish()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *grpc.Server
	if f.publish != "" {
		ps, err := publishPrefix(ctx, a, f)
		if err != nil {
			return err
		}
		srv = ps.Server
		fmt.Fprintf(cmd.OutOrStdout(), "publishing %d resources at %s\n", len(ps.IDs()), f.addr)
	} else {
		srv = index.NewServer(index.NewService(), f.readOnly).Server
		fmt.Fprintf(cmd.OutOrStdout(), "serving index at %s (read-only: %t)\n", f.addr, f.readOnly)
	}

	lis, err := net.Listen("tcp", f.addr)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		go serveMetrics(ctx, f.metricsAddr)
	}
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	return srv.Serve(lis)
}

// publishPrefix resolves the resources under f.publish and publishes every
// one of them that carries an identifier.
func publishPrefix(ctx context.Context, a *app, f serveFlags) (*publish.Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	ids, err := r.List(ctx, f.publish)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.Resolve(ctx, id, ""); err != nil {
			span.Warnf("publish: skipping %s: %s", id, err)
		}
	}

	var opts []publish.Option
	opts = append(opts, publish.WithIndex())
	if f.clientHost != "" {
		opts = append(opts, publish.WithClientHost(f.clientHost))
	}
	bindings := []publish.Binding{{Base: reflect.TypeOf((*types.Resource)(nil)).Elem()}}
	return publish.Publish(ctx, r.Codec(), f.publish, r.Cached(), bindings, f.addr, opts...)
}

func serveMetrics(ctx context.Context, addr string) {
	span := trace.SpanFromContextSafe(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	hs := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		span.Errorf("metrics server at %s: %s", addr, err)
	}
}
