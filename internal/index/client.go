package index

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/mesh-intelligence/resdb/internal/metrics"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// SchemaLocation is the location key under which the remote store keeps
// schema records.
const SchemaLocation = "schema"

// TransportConfig tunes the connection to an index server.
type TransportConfig struct {
	Timeout          time.Duration `json:"timeout"`
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	KeepaliveTimeout time.Duration `json:"keepalive_timeout"`
	BackoffBaseDelay time.Duration `json:"backoff_base_delay"`
	BackoffMaxDelay  time.Duration `json:"backoff_max_delay"`
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 20 * time.Second
	}
	if c.BackoffBaseDelay <= 0 {
		c.BackoffBaseDelay = 100 * time.Millisecond
	}
	if c.BackoffMaxDelay <= 0 {
		c.BackoffMaxDelay = 5 * time.Second
	}
	return c
}

func unaryClientInterceptorWithTracer(ctx context.Context, method string, req, reply any,
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, ReqIDKey, span.TraceID())
	return invoker(ctx, method, req, reply, cc, opts...)
}

// DialOptions returns the default client options for cfg.
func DialOptions(cfg TransportConfig) []grpc.DialOption {
	cfg = cfg.withDefaults()
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  cfg.BackoffBaseDelay,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   cfg.BackoffMaxDelay,
			},
			MinConnectTimeout: cfg.ConnectTimeout,
		}),
		grpc.WithChainUnaryInterceptor(
			unaryClientInterceptorWithTracer,
			metrics.GRPCClientMetrics.UnaryClientInterceptor(),
		),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// Client is a Backend Store backed by a remote index server. It also
// forwards bulk registrations, so it is the usual Registrar of a search
// path.
type Client struct {
	addr    string
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to the index server at addr. The connection is established
// lazily, so an unreachable server shows up as a failed call. Extra options
// are appended to the defaults.
func Dial(addr string, cfg TransportConfig, opts ...grpc.DialOption) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := grpc.Dial(addr, append(DialOptions(cfg), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("index: dial %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn, timeout: cfg.Timeout}, nil
}

// String identifies the store in log lines.
func (c *Client) String() string {
	return "remote:" + c.addr
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("index %s: %w", method, err)
	}
	return nil
}

func (c *Client) lookup(ctx context.Context, id string) (map[string][]byte, error) {
	resp := &LookupResponse{}
	if err := c.invoke(ctx, MethodLookup, &LookupRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Records returns every location-tagged record of id, ordered by location key.
func (c *Client) Records(ctx context.Context, id string) ([]types.Record, error) {
	recs, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	out := make([]types.Record, 0, len(recs))
	for loc, data := range recs {
		out = append(out, types.Record{LocationKey: loc, Payload: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationKey < out[j].LocationKey })
	return out, nil
}

// Get returns the first record of id.
func (c *Client) Get(ctx context.Context, id string) ([]byte, error) {
	recs, err := c.Records(ctx, id)
	if err != nil {
		return nil, err
	}
	return recs[0].Payload, nil
}

// Put registers data under id with the empty location key.
func (c *Client) Put(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return types.ErrInvalidID
	}
	_, err := c.RegisterServices(ctx, "", map[string][]byte{id: data})
	return err
}

// RegisterServices forwards a bulk registration and returns the count the
// server reports.
func (c *Client) RegisterServices(ctx context.Context, locationKey string, services map[string][]byte) (int, error) {
	resp := &RegisterResponse{}
	if err := c.invoke(ctx, MethodRegister, &RegisterRequest{LocationKey: locationKey, Services: services}, resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Delete removes every location of id.
func (c *Client) Delete(ctx context.Context, id string) error {
	recs, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	for loc := range recs {
		if err := c.invoke(ctx, MethodDelete, &DeleteRequest{ID: id, LocationKey: loc}, &DeleteResponse{}); err != nil {
			return err
		}
	}
	return nil
}

// List is not supported: the index surface has no listing call.
func (c *Client) List(context.Context, string) (iter.Seq[string], error) {
	return nil, types.ErrUnsupported
}

// GetSchema returns the schema rules stored for id.
func (c *Client) GetSchema(ctx context.Context, id string) (types.Schema, error) {
	recs, err := c.lookup(ctx, types.SchemaKey(id))
	if err != nil {
		return nil, err
	}
	data, ok := recs[SchemaLocation]
	if !ok {
		return nil, fmt.Errorf("%w: schema %s", types.ErrNotFound, id)
	}
	return types.DecodeSchema(data)
}

// SetSchema merges rule into the remote schema of id. The read and the write
// are separate calls; concurrent writers to the same id may lose updates.
func (c *Client) SetSchema(ctx context.Context, id, attr string, rule types.Rule) error {
	key := types.SchemaKey(id)
	recs, err := c.lookup(ctx, key)
	if err != nil {
		return err
	}
	data, err := types.MergeRule(recs[SchemaLocation], attr, rule)
	if err != nil {
		return err
	}
	_, err = c.RegisterServices(ctx, SchemaLocation, map[string][]byte{key: data})
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
