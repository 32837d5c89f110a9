// Package publish turns resolved objects into served resources.
//
// For every object matching a Binding, Publish keeps a ServerResource that
// the server exposes over gRPC, and builds a client variant carrying only
// the location of that server. The encoded client variants are the
// registration data announced to an index, so a remote resolver that looks
// the id up gets a stub pointing back here.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/mesh-intelligence/resdb/internal/graph"
	"github.com/mesh-intelligence/resdb/internal/index"
	"github.com/mesh-intelligence/resdb/internal/metrics"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// ErrBadBinding is returned for a Binding whose client type cannot be
// instantiated.
var ErrBadBinding = errors.New("invalid publish binding")

// HostInfoSaver is implemented by client variants that record their server
// location themselves.
type HostInfoSaver interface {
	SaveHostInfo(host string, port int, id string)
}

// Binding pairs a served type with the client variant announced for it.
type Binding struct {
	// Base is a sample of the served type, or a reflect.Type. An interface
	// type matches every object implementing it.
	Base any
	// Client is a pointer sample of the client type. It defaults to
	// *ClientStub.
	Client any
	// NewClient builds the client variant of obj. Without it the client is
	// a new Client instance filled from the JSON state of obj.
	NewClient func(obj any) (any, error)
}

func (b Binding) baseType() reflect.Type {
	if t, ok := b.Base.(reflect.Type); ok {
		return t
	}
	return reflect.TypeOf(b.Base)
}

func (b Binding) clientType() reflect.Type {
	if b.Client == nil {
		return reflect.TypeOf(&ClientStub{})
	}
	return reflect.TypeOf(b.Client)
}

// Matches reports whether obj is served through b. Client variants never
// match.
func (b Binding) Matches(obj any) bool {
	t := reflect.TypeOf(obj)
	base := b.baseType()
	if t == nil || base == nil {
		return false
	}
	if t == b.clientType() || t == reflect.TypeOf(&ClientStub{}) {
		return false
	}
	if base.Kind() == reflect.Interface {
		return t.Implements(base)
	}
	return t == base
}

func (b Binding) client(obj any) (any, error) {
	if b.NewClient != nil {
		return b.NewClient(obj)
	}
	ct := b.clientType()
	if ct.Kind() != reflect.Pointer || ct.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: client %s is not a pointer to a struct", ErrBadBinding, ct)
	}
	state, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("extract state of %T: %w", obj, err)
	}
	c := reflect.New(ct.Elem()).Interface()
	if err := json.Unmarshal(state, c); err != nil {
		return nil, fmt.Errorf("rebuild %T as %s: %w", obj, ct, err)
	}
	return c, nil
}

// ServerResource is a published object as held by its server.
type ServerResource struct {
	ID       string
	Object   any
	Location string
}

// State returns the JSON state of the served object.
func (r ServerResource) State() ([]byte, error) {
	return json.Marshal(r.Object)
}

type options struct {
	withIndex  bool
	clientHost string
	serverOpts []grpc.ServerOption
}

// Option configures Publish.
type Option func(*options)

// WithIndex serves a read-only index holding the batch alongside the
// resources.
func WithIndex() Option {
	return func(o *options) {
		o.withIndex = true
	}
}

// WithClientHost sets the host written into client variants. It defaults to
// the host the server listens on, or localhost when that is empty.
func WithClientHost(host string) Option {
	return func(o *options) {
		o.clientHost = host
	}
}

// WithServerOptions appends gRPC server options.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// Publish builds a server named name for the objects of resources that
// match a binding, listening at addr ("host:port"). The returned server
// holds the encoded client variants in RegistrationData; it is not serving
// yet.
func Publish(ctx context.Context, enc *graph.Codec, name string, resources map[string]any,
	bindings []Binding, addr string, opts ...Option,
) (*Server, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", name, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("publish %s: port %q: %w", name, portStr, err)
	}
	if o.clientHost == "" {
		o.clientHost = host
	}
	if o.clientHost == "" {
		o.clientHost = "localhost"
	}

	span, ctx := trace.StartSpanFromContextWithTraceID(ctx, "publish", uuid.Must(uuid.NewV7()).String())
	defer span.Finish()

	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := &Server{
		name:             name,
		addr:             addr,
		resources:        make(map[string]ServerResource),
		RegistrationData: make(map[string][]byte),
	}
	clients := make(map[string]any)
	for _, id := range ids {
		obj := resources[id]
		var b *Binding
		for i := range bindings {
			if bindings[i].Matches(obj) {
				b = &bindings[i]
				break
			}
		}
		if b == nil {
			continue
		}
		c, err := b.client(obj)
		if err != nil {
			return nil, fmt.Errorf("publish %s: %w", id, err)
		}
		if res, ok := c.(types.Resource); ok {
			if err := res.SetResourceID(id); err != nil {
				return nil, fmt.Errorf("publish %s: %w", id, err)
			}
		}
		if h, ok := c.(HostInfoSaver); ok {
			h.SaveHostInfo(o.clientHost, port, id)
		} else {
			setString(c, "URL", net.JoinHostPort(o.clientHost, portStr))
			setString(c, "Name", id)
		}
		clients[id] = c
		s.resources[id] = ServerResource{ID: id, Object: obj, Location: addr}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)
	for id, c := range clients {
		g.Go(func() error {
			data, err := enc.Encode(c)
			if err != nil {
				return fmt.Errorf("publish %s: %w", id, err)
			}
			mu.Lock()
			s.RegistrationData[id] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.Server = index.NewGRPCServer(o.serverOpts...)
	RegisterResourcesServer(s.Server, s)
	if o.withIndex {
		s.index = index.NewService(index.WithServiceName(name))
		s.index.RegisterServices(ctx, "", s.RegistrationData)
		index.RegisterIndexServer(s.Server, s.index, true)
	}
	metrics.GRPCServerMetrics.InitializeMetrics(s.Server)

	span.Infof("publish %s: %d of %d resources at %s", name, len(s.resources), len(resources), addr)
	return s, nil
}

// setString assigns v to the exported string field name of the struct c
// points to, if it has one.
func setString(c any, name, v string) {
	rv := reflect.ValueOf(c)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return
	}
	f := rv.Elem().FieldByName(name)
	if f.IsValid() && f.CanSet() && f.Kind() == reflect.String {
		f.SetString(v)
	}
}

// RegistrarFunc adapts a function, such as Resolver.RegisterServer, to
// types.Registrar.
type RegistrarFunc func(ctx context.Context, locationKey string, services map[string][]byte) (int, error)

// RegisterServices calls f.
func (f RegistrarFunc) RegisterServices(ctx context.Context, locationKey string, services map[string][]byte) (int, error) {
	return f(ctx, locationKey, services)
}
