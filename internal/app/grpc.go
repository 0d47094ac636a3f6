package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MrTeeett/portdeck/internal/auth"
	"github.com/MrTeeett/portdeck/internal/system"
)

const portGRPCServiceName = "portdeck.v1.PortService"

const (
	mdToken = "x-portdeck-token"
	mdUser  = "x-portdeck-user"
	mdPass  = "x-portdeck-pass"
)

type portGRPCService interface {
	ListPorts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	KillProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RestartService(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BlockPort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnblockPort(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type portGRPCHandler struct {
	srv *Server
}

func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.grpcAuthUnaryInterceptor))
	gs.RegisterService(&portGRPCServiceDesc, &portGRPCHandler{srv: s})
	return gs
}

func GRPCMux(httpHandler http.Handler, grpcServer *grpc.Server) http.Handler {
	if grpcServer == nil {
		return httpHandler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
}

func (h *portGRPCHandler) ListPorts(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ports, err := h.srv.ports.ListInventory(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	if ports == nil {
		ports = []system.PortRecord{}
	}
	return toPBStruct(system.PortListResponse{
		Ports:      ports,
		Timestamp:  time.Now().UnixMilli(),
		TotalPorts: len(ports),
	})
}

func (h *portGRPCHandler) KillProcess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req system.KillRequest
	if err := fromPBStruct(in, &req); err != nil {
		return nil, err
	}
	if err := h.srv.ports.KillProcess(ctx, req.PID); err != nil {
		return nil, grpcError(err)
	}
	return toPBStruct(system.ActionResponse{
		Success: true,
		Message: fmt.Sprintf("Process %d has been terminated", req.PID),
		PID:     req.PID,
		Port:    req.Port,
	})
}

func (h *portGRPCHandler) RestartService(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req system.RestartRequest
	if err := fromPBStruct(in, &req); err != nil {
		return nil, err
	}
	if err := h.srv.ports.RestartService(ctx, req.ServiceName); err != nil {
		return nil, grpcError(err)
	}
	return toPBStruct(system.ActionResponse{
		Success:     true,
		Message:     fmt.Sprintf("Service %s has been restarted", req.ServiceName),
		ServiceName: req.ServiceName,
	})
}

func (h *portGRPCHandler) BlockPort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req system.PortRequest
	if err := fromPBStruct(in, &req); err != nil {
		return nil, err
	}
	p := system.Protocol(req.Protocol)
	if err := h.srv.ports.BlockPort(ctx, req.Port, p); err != nil {
		return nil, grpcError(err)
	}
	blocked := true
	return toPBStruct(system.ActionResponse{
		Success:   true,
		Message:   fmt.Sprintf("Port %d (%s) has been blocked", req.Port, p),
		Port:      req.Port,
		Protocol:  p,
		IsBlocked: &blocked,
	})
}

func (h *portGRPCHandler) UnblockPort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req system.PortRequest
	if err := fromPBStruct(in, &req); err != nil {
		return nil, err
	}
	p := system.Protocol(req.Protocol)
	if err := h.srv.ports.UnblockPort(ctx, req.Port, p); err != nil {
		return nil, grpcError(err)
	}
	blocked := false
	return toPBStruct(system.ActionResponse{
		Success:   true,
		Message:   fmt.Sprintf("Port %d (%s) has been unblocked", req.Port, p),
		Port:      req.Port,
		Protocol:  p,
		IsBlocked: &blocked,
	})
}

// grpcAuthUnaryInterceptor accepts either a session token or the admin credentials.
func (s *Server) grpcAuthUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if token := firstMetadata(md, mdToken); token != "" {
		sess, ok := s.gate.Validate(token)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
		return handler(auth.WithSession(ctx, sess), req)
	}
	user := firstMetadata(md, mdUser)
	pass := firstMetadata(md, mdPass)
	if user == "" || pass == "" {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	remote := "grpc"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	if !s.gate.Authenticate(ctx, user, pass, remote) {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return handler(auth.WithSession(ctx, auth.Session{User: user}), req)
}

func grpcError(err error) error {
	switch {
	case system.IsPermission(err):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, system.ErrNoMatchingRule):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func firstMetadata(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	v := md.Get(strings.ToLower(strings.TrimSpace(key)))
	if len(v) == 0 {
		return ""
	}
	return strings.TrimSpace(v[0])
}

// fromPBStruct decodes and validates a request; failures are InvalidArgument.
func fromPBStruct(in *structpb.Struct, dst any) error {
	b, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return status.Error(codes.InvalidArgument, "bad request: "+err.Error())
	}
	if err := system.ValidateRequest(dst); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func toPBStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

var portGRPCServiceDesc = grpc.ServiceDesc{
	ServiceName: portGRPCServiceName,
	HandlerType: (*portGRPCService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListPorts",
			Handler: unaryHandler("ListPorts", func() *emptypb.Empty { return new(emptypb.Empty) },
				portGRPCService.ListPorts),
		},
		{
			MethodName: "KillProcess",
			Handler:    unaryHandler("KillProcess", newStruct, portGRPCService.KillProcess),
		},
		{
			MethodName: "RestartService",
			Handler:    unaryHandler("RestartService", newStruct, portGRPCService.RestartService),
		},
		{
			MethodName: "BlockPort",
			Handler:    unaryHandler("BlockPort", newStruct, portGRPCService.BlockPort),
		},
		{
			MethodName: "UnblockPort",
			Handler:    unaryHandler("UnblockPort", newStruct, portGRPCService.UnblockPort),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "portdeck/v1/portdeck.proto",
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }

// unaryHandler builds the method handler protoc-gen-go-grpc would generate.
func unaryHandler[Req proto.Message](method string, newReq func() Req, call func(portGRPCService, context.Context, Req) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(portGRPCService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + portGRPCServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(portGRPCService), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
