package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "conversa.v1.Conversa"

// Unary method names.
const (
	MethodGetStatus       = "GetStatus"
	MethodListChats       = "ListChats"
	MethodSearchChats     = "SearchChats"
	MethodDeleteChat      = "DeleteChat"
	MethodSendText        = "SendText"
	MethodSendImage       = "SendImage"
	MethodDeleteMessage   = "DeleteMessage"
	MethodBlock           = "Block"
	MethodUnblock         = "Unblock"
	MethodSearchUsers     = "SearchUsers"
	MethodStartChat       = "StartChat"
	MethodAcceptRequest   = "AcceptRequest"
	MethodRejectRequest   = "RejectRequest"
	MethodPendingRequests = "PendingRequests"
	MethodGetPresence     = "GetPresence"
	MethodGetMedia        = "GetMedia"
	MethodRegisterProfile = "RegisterProfile"
	MethodUpdatePhoto     = "UpdatePhoto"
	MethodSetVisibility   = "SetVisibility"
)

// Server-streaming method names.
const (
	StreamWatchChats    = "WatchChats"
	StreamWatchMessages = "WatchMessages"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

type unaryFunc func(*Service, context.Context, *structpb.Struct) (*structpb.Struct, error)

type streamFunc func(*Service, *structpb.Struct, grpc.ServerStream) error

// conversaServer is the handler type checked by grpc.Server.RegisterService.
type conversaServer interface {
	UserID() string
}

// ServiceDesc describes conversa.v1.Conversa. Requests and responses are
// google.protobuf.Struct values so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*conversaServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, (*Service).getStatus),
		unary(MethodListChats, (*Service).listChats),
		unary(MethodSearchChats, (*Service).searchChats),
		unary(MethodDeleteChat, (*Service).deleteChat),
		unary(MethodSendText, (*Service).sendText),
		unary(MethodSendImage, (*Service).sendImage),
		unary(MethodDeleteMessage, (*Service).deleteMessage),
		unary(MethodBlock, (*Service).block),
		unary(MethodUnblock, (*Service).unblock),
		unary(MethodSearchUsers, (*Service).searchUsers),
		unary(MethodStartChat, (*Service).startChat),
		unary(MethodAcceptRequest, (*Service).acceptRequest),
		unary(MethodRejectRequest, (*Service).rejectRequest),
		unary(MethodPendingRequests, (*Service).pendingRequests),
		unary(MethodGetPresence, (*Service).getPresence),
		unary(MethodGetMedia, (*Service).getMedia),
		unary(MethodRegisterProfile, (*Service).registerProfile),
		unary(MethodUpdatePhoto, (*Service).updatePhoto),
		unary(MethodSetVisibility, (*Service).setVisibility),
	},
	Streams: []grpc.StreamDesc{
		serverStream(StreamWatchChats, (*Service).watchChats),
		serverStream(StreamWatchMessages, (*Service).watchMessages),
	},
	Metadata: "conversa/v1/conversa.proto",
}

// Register registers svc on srv.
func Register(srv grpc.ServiceRegistrar, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func serverStream(name string, fn streamFunc) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: name,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(*Service), in, stream)
		},
		ServerStreams: true,
	}
}

// streamDesc returns the descriptor of a server stream, for clients.
func streamDesc(name string) *grpc.StreamDesc {
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == name {
			return &ServiceDesc.Streams[i]
		}
	}
	return nil
}
