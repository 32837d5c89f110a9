package index

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name of the index.
const ServiceName = "resdb.index.Index"

// Full method names.
const (
	MethodLookup   = "/" + ServiceName + "/Lookup"
	MethodRegister = "/" + ServiceName + "/RegisterServices"
	MethodDelete   = "/" + ServiceName + "/Delete"
)

type LookupRequest struct {
	ID string `json:"id"`
}

type LookupResponse struct {
	Records map[string][]byte `json:"records"`
}

type RegisterRequest struct {
	LocationKey string            `json:"location_key"`
	Services    map[string][]byte `json:"services"`
}

type RegisterResponse struct {
	Count int `json:"count"`
}

type DeleteRequest struct {
	ID          string `json:"id"`
	LocationKey string `json:"location_key"`
}

type DeleteResponse struct{}

// IndexServer is the server API of the index surface.
type IndexServer interface {
	Lookup(context.Context, *LookupRequest) (*LookupResponse, error)
	RegisterServices(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
}

// rpcServer adapts a Service to IndexServer.
type rpcServer struct {
	svc *Service
}

func (r rpcServer) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	return &LookupResponse{Records: r.svc.Lookup(ctx, req.ID)}, nil
}

func (r rpcServer) RegisterServices(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	return &RegisterResponse{Count: r.svc.RegisterServices(ctx, req.LocationKey, req.Services)}, nil
}

func (r rpcServer) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	r.svc.Delete(ctx, req.ID, req.LocationKey)
	return &DeleteResponse{}, nil
}

func lookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLookup}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexServer).Lookup(ctx, req.(*LookupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).RegisterServices(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRegister}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexServer).RegisterServices(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodDelete}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the full index surface.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lookup", Handler: lookupHandler},
		{MethodName: "RegisterServices", Handler: registerHandler},
		{MethodName: "Delete", Handler: deleteHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// ReadOnlyServiceDesc advertises Lookup only. Registration and deletion are
// not part of its method set, so calls to them fail with
// codes.Unimplemented.
var ReadOnlyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lookup", Handler: lookupHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterIndexServer registers svc on s, with the full or the read-only
// surface.
func RegisterIndexServer(s grpc.ServiceRegistrar, svc *Service, readOnly bool) {
	desc := &ServiceDesc
	if readOnly {
		desc = &ReadOnlyServiceDesc
	}
	s.RegisterService(desc, rpcServer{svc: svc})
}
