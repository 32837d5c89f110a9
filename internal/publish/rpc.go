package publish

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name of published
// resources.
const ServiceName = "resdb.publish.Resources"

// MethodState is the full method name of State.
const MethodState = "/" + ServiceName + "/State"

type StateRequest struct {
	ID string `json:"id"`
}

type StateResponse struct {
	State json.RawMessage `json:"state"`
}

// ResourcesServer is the server API of published resources.
type ResourcesServer interface {
	State(context.Context, *StateRequest) (*StateResponse, error)
}

func stateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResourcesServer).State(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodState}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResourcesServer).State(ctx, req.(*StateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var ResourcesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResourcesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "State", Handler: stateHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterResourcesServer(s grpc.ServiceRegistrar, srv ResourcesServer) {
	s.RegisterService(&ResourcesServiceDesc, srv)
}
