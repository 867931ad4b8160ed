package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// FlagSyncServer is the server side of the flagsync.v1.FlagSync service.
// It is implemented by relays and by test doubles.
type FlagSyncServer interface {
	Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error)
	Stream(ctx context.Context, req *StreamRequest, send func(*StreamMessage) error) error
	SendEvents(ctx context.Context, req *SendEventsRequest) (*SendEventsResponse, error)
}

// RegisterFlagSyncServer registers srv on s using the JSON codec.
func RegisterFlagSyncServer(s grpc.ServiceRegistrar, srv FlagSyncServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FlagSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "SendEvents", Handler: sendEventsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true},
	},
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EvaluateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FlagSyncServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FlagSyncServer).Evaluate(ctx, req.(*EvaluateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendEventsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FlagSyncServer).SendEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendEventsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FlagSyncServer).SendEvents(ctx, req.(*SendEventsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	send := func(m *StreamMessage) error { return stream.SendMsg(m) }
	return srv.(FlagSyncServer).Stream(stream.Context(), in, send)
}
