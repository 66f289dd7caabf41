package envrpc

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cartridge/mantis/internal/env"
)

// EnvironmentServer is the server API of the environment service.
type EnvironmentServer interface {
	Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Step(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error)
}

// Server serves a single env.Environment. Calls are serialised because an
// episode is inherently sequential.
type Server struct {
	mu      sync.Mutex
	backend env.Environment
}

// NewServer wraps backend.
func NewServer(backend env.Environment) *Server {
	return &Server{backend: backend}
}

// Reset starts a new episode.
func (s *Server) Reset(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs, err := s.backend.Reset(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return stepToProto(env.StepResult{Observation: obs}), nil
}

// Step applies an action.
func (s *Server) Step(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.backend.Step(ctx, int(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return stepToProto(res), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
}

// Register adds the environment service to gs.
func Register(gs grpc.ServiceRegistrar, srv EnvironmentServer) {
	gs.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EnvironmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Step", Handler: stepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mantis/env/v1/env.proto",
}

func resetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvironmentServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvironmentServer).Reset(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func stepHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvironmentServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stepMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvironmentServer).Step(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}
