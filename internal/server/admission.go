package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
//
// Messages are protobuf well-known types so no generated code is needed:
//
//	Enqueue(Struct{user_key, payload}) returns (Struct{id, status, position})
//	Cancel(StringValue id) returns (Empty)
//	GetStatus(StringValue id) returns (Struct request)
//	Watch(StringValue id) returns (stream Struct notification)
const ServiceName = "llmqueue.v1.Admission"

const (
	methodEnqueue   = "/" + ServiceName + "/Enqueue"
	methodCancel    = "/" + ServiceName + "/Cancel"
	methodGetStatus = "/" + ServiceName + "/GetStatus"
	methodWatch     = "/" + ServiceName + "/Watch"
)

// AdmissionServer is the server API for the admission service.
type AdmissionServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Watch(*wrapperspb.StringValue, WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchStream struct {
	grpc.ServerStream
}

func (s *watchStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterAdmissionServer registers srv on s.
func RegisterAdmissionServer(s grpc.ServiceRegistrar, srv AdmissionServer) {
	s.RegisterService(&admissionServiceDesc, srv)
}

var admissionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdmissionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: enqueueHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "llmqueue/v1/admission.proto",
}

func enqueueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdmissionServer).Enqueue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEnqueue}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdmissionServer).Enqueue(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdmissionServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancel}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdmissionServer).Cancel(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdmissionServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdmissionServer).GetStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdmissionServer).Watch(in, &watchStream{stream})
}

// ============================================================================
// Client
// ============================================================================

// AdmissionClient is the low level client API for the admission service.
type AdmissionClient struct {
	cc grpc.ClientConnInterface
}

// NewAdmissionClient wraps a client connection.
func NewAdmissionClient(cc grpc.ClientConnInterface) *AdmissionClient {
	return &AdmissionClient{cc: cc}
}

func (c *AdmissionClient) Enqueue(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodEnqueue, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdmissionClient) Cancel(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodCancel, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdmissionClient) GetStatus(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStatus, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchClient receives notifications of one request.
type WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type watchClient struct {
	grpc.ClientStream
}

func (c *watchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *AdmissionClient) Watch(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &admissionServiceDesc.Streams[0], methodWatch, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
