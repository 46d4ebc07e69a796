package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// ExecuteMethod is the full gRPC method name of the agent service. Requests
// and responses are google.protobuf.Struct values carrying the same fields as
// ExecuteRequest and ExecuteResponse.
const ExecuteMethod = "/mywant.agent.v1.AgentService/Execute"

// AgentServer is implemented by gRPC agent services.
type AgentServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// AgentServiceDesc describes the agent service for grpc.Server.RegisterService.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "mywant.agent.v1.AgentService",
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mywant/agent/v1/agent.proto",
}

func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPC executes agents over a gRPC connection.
type GRPC struct {
	config GRPCConfig
	conn   *grpc.ClientConn
	log    zerolog.Logger
}

var _ mywant.Dispatcher = (*GRPC)(nil)

// NewGRPC dials lazily; an unreachable endpoint surfaces on the first dispatch.
func NewGRPC(config GRPCConfig, opts ...grpc.DialOption) (*GRPC, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	log := logging.For("dispatch")
	log.Info().Str("endpoint", config.Endpoint).Msg("[gRPC] agent client created")
	return &GRPC{config: config, conn: conn, log: log}, nil
}

func (e *GRPC) Dispatch(ctx context.Context, req mywant.AgentRequest) (mywant.AgentResult, error) {
	in, err := toStruct(newExecuteRequest(req, ""))
	if err != nil {
		return mywant.AgentResult{}, fmt.Errorf("failed to encode request: %w", err)
	}
	if e.config.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	out := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return mywant.AgentResult{}, fmt.Errorf("gRPC agent %s: %v: %w", req.AgentName, err, mywant.ErrAgentUnavailable)
		}
		return mywant.AgentResult{}, fmt.Errorf("gRPC agent %s: %w", req.AgentName, err)
	}

	var resp ExecuteResponse
	if err := fromStruct(out, &resp); err != nil {
		return mywant.AgentResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	e.log.Debug().Str("agent", req.AgentName).Str("status", resp.Status).Msg("[gRPC] agent returned")
	return resp.toResult()
}

// LocalAgentServer serves a Local dispatcher to remote GRPC dispatchers.
type LocalAgentServer struct {
	Local *Local
}

var _ AgentServer = LocalAgentServer{}

// Execute maps a missing agent to codes.Unavailable and any other agent
// error to codes.Internal, matching how GRPC classifies failures.
func (s LocalAgentServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ExecuteRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	start := time.Now()
	res, err := s.Local.Dispatch(ctx, req.AgentRequest())
	if err != nil {
		if errors.Is(err, mywant.ErrAgentUnavailable) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := toStruct(NewExecuteResponse(res, time.Since(start)))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func (e *GRPC) Close() error {
	return e.conn.Close()
}

// toStruct goes through JSON so that only JSON-compatible values reach structpb.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
