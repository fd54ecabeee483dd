package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// GuardService carries google.protobuf.Struct messages whose JSON shape is
// the guard wire document, so the service needs no generated stubs.
const (
	ServiceName        = "mcpguard.v1.GuardService"
	EvaluateMethod     = "/" + ServiceName + "/Evaluate"
	ListGuardsMethod   = "/" + ServiceName + "/ListGuards"
	serviceProtoSource = "mcpguard/v1/guard_service.proto"
)

// GuardServiceServer is the server API for GuardService.
type GuardServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGuards(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterGuardServiceServer registers srv on s.
func RegisterGuardServiceServer(s grpc.ServiceRegistrar, srv GuardServiceServer) {
	s.RegisterService(&GuardServiceDesc, srv)
}

// GuardServiceDesc is the grpc.ServiceDesc for GuardService.
var GuardServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GuardServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler(EvaluateMethod, GuardServiceServer.Evaluate)},
		{MethodName: "ListGuards", Handler: unaryHandler(ListGuardsMethod, GuardServiceServer.ListGuards)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceProtoSource,
}

type structMethod func(GuardServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GuardServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GuardServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GuardServiceClient is the client API for GuardService.
type GuardServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewGuardServiceClient wraps a connection.
func NewGuardServiceClient(cc grpc.ClientConnInterface) *GuardServiceClient {
	return &GuardServiceClient{cc: cc}
}

// Evaluate runs the guard pipeline remotely.
func (c *GuardServiceClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListGuards describes the guards currently loaded.
func (c *GuardServiceClient) ListGuards(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListGuardsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
