package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Core"

// Method names of the Core service.
const (
	MethodCreateChat            = "CreateChat"
	MethodListChats             = "ListChats"
	MethodSend                  = "Send"
	MethodOpenChat              = "OpenChat"
	MethodLoadMore              = "LoadMore"
	MethodCloseChat             = "CloseChat"
	MethodUpdateParticipantRole = "UpdateParticipantRole"
	MethodSetConnectivity       = "SetConnectivity"
	MethodIngestHistory         = "IngestHistory"
	MethodMarkRead              = "MarkRead"
	MethodGetStatus             = "GetStatus"
	MethodWatchEvents           = "WatchEvents"
)

// FullMethod returns the RPC path of a Core method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// CoreServer is the server side of the Core service. Requests and responses
// are google.protobuf.Struct values.
type CoreServer interface {
	CreateChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateParticipantRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetConnectivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(CoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(CoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(CoreServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CoreServer).WatchEvents(in, stream)
}

// ServiceDesc describes the Core service for grpc.Server.RegisterService and
// for client streams.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateChat, CoreServer.CreateChat),
		unary(MethodListChats, CoreServer.ListChats),
		unary(MethodSend, CoreServer.Send),
		unary(MethodOpenChat, CoreServer.OpenChat),
		unary(MethodLoadMore, CoreServer.LoadMore),
		unary(MethodCloseChat, CoreServer.CloseChat),
		unary(MethodUpdateParticipantRole, CoreServer.UpdateParticipantRole),
		unary(MethodSetConnectivity, CoreServer.SetConnectivity),
		unary(MethodIngestHistory, CoreServer.IngestHistory),
		unary(MethodMarkRead, CoreServer.MarkRead),
		unary(MethodGetStatus, CoreServer.GetStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/core",
}

// RegisterCoreServer registers srv on s.
func RegisterCoreServer(s grpc.ServiceRegistrar, srv CoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}
