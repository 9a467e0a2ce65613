package backend

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/safewalk/internal/wire"
)

// PresenceServiceDesc describes safewalk.backend.v1.PresenceService. The
// messages are protobuf well-known types, so no generated code is needed.
var PresenceServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.PresenceServiceName,
	HandlerType: (*PresenceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Upsert", Handler: presenceUpsertHandler},
		{MethodName: "DeleteByUser", Handler: presenceDeleteHandler},
		{MethodName: "List", Handler: presenceListHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: presenceWatchHandler, ServerStreams: true},
	},
}

// ReportServiceDesc describes safewalk.backend.v1.ReportService.
var ReportServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ReportServiceName,
	HandlerType: (*ReportServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: reportInsertHandler},
		{MethodName: "List", Handler: reportListHandler},
		{MethodName: "Get", Handler: reportGetHandler},
	},
}

// MessageServiceDesc describes safewalk.backend.v1.MessageService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.MessageServiceName,
	HandlerType: (*MessageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: messageSendHandler},
		{MethodName: "List", Handler: messageListHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: messageWatchHandler, ServerStreams: true},
	},
}

// RegisterPresenceServiceServer registers srv on s.
func RegisterPresenceServiceServer(s grpc.ServiceRegistrar, srv PresenceServiceServer) {
	s.RegisterService(&PresenceServiceDesc, srv)
}

// RegisterReportServiceServer registers srv on s.
func RegisterReportServiceServer(s grpc.ServiceRegistrar, srv ReportServiceServer) {
	s.RegisterService(&ReportServiceDesc, srv)
}

// RegisterMessageServiceServer registers srv on s.
func RegisterMessageServiceServer(s grpc.ServiceRegistrar, srv MessageServiceServer) {
	s.RegisterService(&MessageServiceDesc, srv)
}

// unary adapts a typed method to grpc.MethodDesc's handler shape.
func unary[Req any, Resp any](fullMethod string, call func(srv interface{}, ctx context.Context, req *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	presenceUpsertHandler = unary(wire.PresenceUpsert, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return srv.(PresenceServiceServer).Upsert(ctx, req)
	})
	presenceDeleteHandler = unary(wire.PresenceDeleteByUser, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
		return srv.(PresenceServiceServer).DeleteByUser(ctx, req)
	})
	presenceListHandler = unary(wire.PresenceList, func(srv interface{}, ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error) {
		return srv.(PresenceServiceServer).List(ctx, req)
	})
	reportInsertHandler = unary(wire.ReportInsert, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return srv.(ReportServiceServer).Insert(ctx, req)
	})
	reportListHandler = unary(wire.ReportList, func(srv interface{}, ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error) {
		return srv.(ReportServiceServer).List(ctx, req)
	})
	reportGetHandler = unary(wire.ReportGet, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return srv.(ReportServiceServer).Get(ctx, req)
	})
	messageSendHandler = unary(wire.MessageSend, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return srv.(MessageServiceServer).Send(ctx, req)
	})
	messageListHandler = unary(wire.MessageList, func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
		return srv.(MessageServiceServer).List(ctx, req)
	})
)

func presenceWatchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PresenceServiceServer).Watch(in, stream)
}

func messageWatchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessageServiceServer).Watch(in, stream)
}
