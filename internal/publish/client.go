package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/mesh-intelligence/resdb/internal/graph"
	"github.com/mesh-intelligence/resdb/internal/index"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

func init() {
	graph.Register("resdb.publish.ClientStub", &ClientStub{})
}

// ClientStub is the default client variant of a published resource. It
// holds only the location of the server and the id served there.
type ClientStub struct {
	types.Base

	URL  string
	Name string
}

// SaveHostInfo records the server location.
func (c *ClientStub) SaveHostInfo(host string, port int, id string) {
	c.URL = net.JoinHostPort(host, strconv.Itoa(port))
	c.Name = id
}

// State fetches the state of the served object and decodes it into out.
func (c *ClientStub) State(ctx context.Context, out any, opts ...grpc.DialOption) error {
	if trace.SpanFromContext(ctx) == nil {
		var span trace.Span
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, "state", uuid.Must(uuid.NewV7()).String())
		defer span.Finish()
	}
	cfg := index.TransportConfig{}
	conn, err := grpc.Dial(c.URL, append(index.DialOptions(cfg), opts...)...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	defer conn.Close()

	resp := &StateResponse{}
	if err := conn.Invoke(ctx, MethodState, &StateRequest{ID: c.Name}, resp); err != nil {
		return fmt.Errorf("state of %s at %s: %w", c.Name, c.URL, err)
	}
	return json.Unmarshal(resp.State, out)
}
