package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "threadsync.v1.SyncService"

// Method names of SyncService.
const (
	MethodSendMessage         = "SendMessage"
	MethodListPending         = "ListPending"
	MethodRetryMessage        = "RetryMessage"
	MethodDiscardMessage      = "DiscardMessage"
	MethodMarkRead            = "MarkRead"
	MethodGetConnectionStatus = "GetConnectionStatus"
	MethodForceReconnect      = "ForceReconnect"
	MethodSetNetwork          = "SetNetwork"
	MethodCreateThread        = "CreateThread"
	MethodSaveDraft           = "SaveDraft"
	MethodLoadDraft           = "LoadDraft"
	StreamWatchThreads        = "WatchThreads"
	StreamWatchThread         = "WatchThread"
)

// FullMethod returns the wire name of a SyncService method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// SyncServer is the server API for SyncService. Requests and responses are
// google.protobuf.Struct messages.
type SyncServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscardMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConnectionStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceReconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetNetwork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchThreads(*structpb.Struct, StructStream) error
	WatchThread(*structpb.Struct, StructStream) error
}

// StructStream is the server side of a server-streaming SyncService call.
type StructStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type structStream struct {
	grpc.ServerStream
}

func (s *structStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

type unaryCall func(SyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type streamCall func(SyncServer, *structpb.Struct, StructStream) error

func serverStream(name string, call streamCall) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: name,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(SyncServer), in, &structStream{stream})
		},
		ServerStreams: true,
	}
}

// ServiceDesc describes SyncService for grpc.Server.RegisterService and for
// clients opening streams.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSendMessage, SyncServer.SendMessage),
		unary(MethodListPending, SyncServer.ListPending),
		unary(MethodRetryMessage, SyncServer.RetryMessage),
		unary(MethodDiscardMessage, SyncServer.DiscardMessage),
		unary(MethodMarkRead, SyncServer.MarkRead),
		unary(MethodGetConnectionStatus, SyncServer.GetConnectionStatus),
		unary(MethodForceReconnect, SyncServer.ForceReconnect),
		unary(MethodSetNetwork, SyncServer.SetNetwork),
		unary(MethodCreateThread, SyncServer.CreateThread),
		unary(MethodSaveDraft, SyncServer.SaveDraft),
		unary(MethodLoadDraft, SyncServer.LoadDraft),
	},
	Streams: []grpc.StreamDesc{
		serverStream(StreamWatchThreads, SyncServer.WatchThreads),
		serverStream(StreamWatchThread, SyncServer.WatchThread),
	},
	Metadata: "threadsync/v1/sync.proto",
}

// StreamDesc returns the descriptor of the named stream.
func StreamDesc(name string) *grpc.StreamDesc {
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == name {
			return &ServiceDesc.Streams[i]
		}
	}
	return nil
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
