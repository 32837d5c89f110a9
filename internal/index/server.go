package index

import (
	"context"
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/mesh-intelligence/resdb/internal/metrics"
)

// ReqIDKey is the metadata key carrying the trace id of a call.
const ReqIDKey = "req-id"

// Server is a gRPC server exposing an index Service.
type Server struct {
	*grpc.Server

	svc      *Service
	readOnly bool
}

// NewServer builds a server for svc. With readOnly set only Lookup is
// reachable. Extra options are appended after the tracing and metrics
// interceptors.
func NewServer(svc *Service, readOnly bool, opts ...grpc.ServerOption) *Server {
	s := NewGRPCServer(opts...)
	RegisterIndexServer(s, svc, readOnly)
	metrics.GRPCServerMetrics.InitializeMetrics(s)
	return &Server{Server: s, svc: svc, readOnly: readOnly}
}

// NewGRPCServer returns a bare gRPC server carrying the tracing and metrics
// interceptors. Callers register their services on it, then initialize the
// server metrics.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			unaryInterceptorWithTracer,
			metrics.GRPCServerMetrics.UnaryServerInterceptor(),
		),
	}, opts...)
	return grpc.NewServer(opts...)
}

// Service returns the index served.
func (s *Server) Service() *Service {
	return s.svc
}

// ReadOnly reports whether the server rejects writes.
func (s *Server) ReadOnly() bool {
	return s.readOnly
}

// ListenAndServe listens on addr and serves until the server stops.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func unaryInterceptorWithTracer(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var span trace.Span
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md[ReqIDKey]) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, md[ReqIDKey][0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}
	defer span.Finish()

	resp, err := handler(ctx, req)
	if err != nil {
		span.Errorf("%s failed: %s", info.FullMethod, err)
	}
	return resp, err
}
