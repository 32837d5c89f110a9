package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mesh-intelligence/resdb/internal/index"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Server serves the resources of one Publish batch.
type Server struct {
	*grpc.Server

	// RegistrationData maps each published id to its encoded client variant.
	RegistrationData map[string][]byte

	name      string
	addr      string
	resources map[string]ServerResource
	index     *index.Service
}

func (s *Server) Name() string {
	return s.name
}

// Addr returns the address the server was published for.
func (s *Server) Addr() string {
	return s.addr
}

// Resource returns the served resource id.
func (s *Server) Resource(id string) (ServerResource, bool) {
	r, ok := s.resources[id]
	return r, ok
}

// IDs returns the sorted ids of the served resources.
func (s *Server) IDs() []string {
	ids := make([]string, 0, len(s.resources))
	for id := range s.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Index returns the read-only index served alongside the resources, or nil
// when the batch was published without one.
func (s *Server) Index() *index.Service {
	return s.index
}

// Register announces the batch to reg under locationKey, which defaults to
// the server address. Anything short of every entry being accepted is
// ErrRegistration.
func (s *Server) Register(ctx context.Context, reg types.Registrar, locationKey string) (int, error) {
	if locationKey == "" {
		locationKey = s.addr
	}
	n, err := reg.RegisterServices(ctx, locationKey, s.RegistrationData)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", types.ErrRegistration, s.name, err)
	}
	if n != len(s.RegistrationData) {
		return n, fmt.Errorf("%w: %s: %d of %d accepted", types.ErrRegistration, s.name, n, len(s.RegistrationData))
	}
	trace.SpanFromContextSafe(ctx).Infof("registered %d resources of %s at %q", n, s.name, locationKey)
	return n, nil
}

// ListenAndServe listens on the published address and serves until the
// server stops.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// State implements ResourcesServer.
func (s *Server) State(ctx context.Context, req *StateRequest) (*StateResponse, error) {
	r, ok := s.resources[req.ID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "%s does not serve %s", s.name, req.ID)
	}
	state, err := r.State()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "state of %s: %s", req.ID, err)
	}
	return &StateResponse{State: json.RawMessage(state)}, nil
}
