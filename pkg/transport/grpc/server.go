// Package grpc carries the agency wire surface over gRPC with a JSON
// codec and hand-written service descriptors, avoiding protobuf codegen
// for what is a small, internal API.
package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/quorumdb/agency/pkg/observability/tracing"
	"github.com/quorumdb/agency/pkg/transport"
)

// Server implements transport.RPCServer over gRPC.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type blob struct {
	Data []byte `json:"data"`
}

// agencyServer defines the methods we expose.
type agencyServer interface {
	RequestVote(ctx context.Context, in *transport.VoteRequest) (*transport.VoteResponse, error)
	AppendEntries(ctx context.Context, in *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error)
	Write(ctx context.Context, in *writeReq) (*transport.WriteResponse, error)
	Read(ctx context.Context, in *readReq) (*transport.ReadResponse, error)
	GetStatus(ctx context.Context, in *empty) (*blob, error)
	GetConfig(ctx context.Context, in *empty) (*blob, error)
}

type agencyImpl struct {
	h transport.Handlers
}

func (a *agencyImpl) RequestVote(ctx context.Context, in *transport.VoteRequest) (*transport.VoteResponse, error) {
	if in == nil {
		in = &transport.VoteRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.requestVote")
	defer end()
	out := a.h.Vote(ctx, *in)
	return &out, nil
}

func (a *agencyImpl) AppendEntries(ctx context.Context, in *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error) {
	if in == nil {
		in = &transport.AppendEntriesRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.appendEntries")
	defer end()
	out := a.h.AppendEntries(ctx, *in)
	return &out, nil
}

func (a *agencyImpl) Write(ctx context.Context, in *writeReq) (*transport.WriteResponse, error) {
	if in == nil {
		in = &writeReq{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.write")
	defer end()
	out, err := a.h.Write(ctx, in.Payloads)
	if err != nil && out.Error == "" && !out.Accepted {
		out.Error = err.Error()
	}
	return &out, nil
}

func (a *agencyImpl) Read(ctx context.Context, in *readReq) (*transport.ReadResponse, error) {
	if in == nil {
		in = &readReq{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.read")
	defer end()
	out, err := a.h.Read(ctx, in.Paths)
	if err != nil && out.Error == "" && !out.Accepted {
		out.Error = err.Error()
	}
	return &out, nil
}

func (a *agencyImpl) GetStatus(ctx context.Context, _ *empty) (*blob, error) {
	if a.h.Status == nil {
		return &blob{}, nil
	}
	b, err := a.h.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &blob{Data: b}, nil
}

func (a *agencyImpl) GetConfig(ctx context.Context, _ *empty) (*blob, error) {
	if a.h.Config == nil {
		return &blob{}, nil
	}
	b, err := a.h.Config(ctx)
	if err != nil {
		return nil, err
	}
	return &blob{Data: b}, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Agency_serviceDesc = grpc.ServiceDesc{
	ServiceName: "agency.v1.Agency",
	HandlerType: (*agencyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: _Agency_RequestVote_Handler},
		{MethodName: "AppendEntries", Handler: _Agency_AppendEntries_Handler},
		{MethodName: "Write", Handler: _Agency_Write_Handler},
		{MethodName: "Read", Handler: _Agency_Read_Handler},
		{MethodName: "GetStatus", Handler: _Agency_GetStatus_Handler},
		{MethodName: "GetConfig", Handler: _Agency_GetConfig_Handler},
	},
}

func _Agency_RequestVote_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agency.v1.Agency/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agencyServer).RequestVote(ctx, req.(*transport.VoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agency_AppendEntries_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agency.v1.Agency/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agencyServer).AppendEntries(ctx, req.(*transport.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agency_Write_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(writeReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agency.v1.Agency/Write"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agencyServer).Write(ctx, req.(*writeReq))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agency_Read_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(readReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agency.v1.Agency/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agencyServer).Read(ctx, req.(*readReq))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agency_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agency.v1.Agency/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agencyServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agency_GetConfig_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agencyServer).GetConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agency.v1.Agency/GetConfig"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(agencyServer).GetConfig(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	// Force JSON codec to avoid requiring protobuf types
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&_Agency_serviceDesc, &agencyImpl{h: h})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
