package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/agentdeck/agentdeck/internal/engine"
	"github.com/agentdeck/agentdeck/internal/identity"
	_ "github.com/agentdeck/agentdeck/internal/rpccodec" // register the JSON codec
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GatewayServer is the remote-procedure surface exposed to native SDK
// callers. It mirrors the HTTP binding operation for operation.
type GatewayServer interface {
	LogStep(ctx context.Context, req *api.LogStepRequest) (*api.LogStepResponse, error)
	AskQuestion(ctx context.Context, req *api.AskQuestionRequest) (*api.AskQuestionResponse, error)
	PollQuestion(ctx context.Context, req *api.PollQuestionRequest) (*api.PollQuestionResponse, error)
	AnswerQuestion(ctx context.Context, req *api.AnswerQuestionRequest) (*api.AnswerQuestionResponse, error)
	EndSession(ctx context.Context, req *api.EndSessionRequest) (*api.EndSessionResponse, error)
}

// RPCServer adapts the Gateway to the gRPC binding, translating engine
// outcomes to gRPC status codes.
type RPCServer struct {
	gw *Gateway
}

// NewRPCServer creates the gRPC binding for a gateway.
func NewRPCServer(gw *Gateway) *RPCServer {
	return &RPCServer{gw: gw}
}

// Register attaches the gateway service to a gRPC server.
func (s *RPCServer) Register(srv *grpc.Server) {
	srv.RegisterService(&gatewayServiceDesc, s)
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, engine.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrQuestionNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrDuplicateInstance):
		code = codes.AlreadyExists
	case errors.Is(err, engine.ErrSessionClosed),
		errors.Is(err, engine.ErrQuestionAlreadyOpen),
		errors.Is(err, engine.ErrQuestionStillOpen),
		errors.Is(err, engine.ErrQuestionAlreadyResolved):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrStoreUnavailable):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// LogStep implements GatewayServer.
func (s *RPCServer) LogStep(ctx context.Context, req *api.LogStepRequest) (*api.LogStepResponse, error) {
	resp, err := s.gw.LogStep(ctx, *req)
	return resp, rpcError(err)
}

// AskQuestion implements GatewayServer.
func (s *RPCServer) AskQuestion(ctx context.Context, req *api.AskQuestionRequest) (*api.AskQuestionResponse, error) {
	resp, err := s.gw.AskQuestion(ctx, *req)
	return resp, rpcError(err)
}

// PollQuestion implements GatewayServer.
func (s *RPCServer) PollQuestion(ctx context.Context, req *api.PollQuestionRequest) (*api.PollQuestionResponse, error) {
	resp, err := s.gw.PollQuestion(ctx, *req)
	return resp, rpcError(err)
}

// AnswerQuestion implements GatewayServer.
func (s *RPCServer) AnswerQuestion(ctx context.Context, req *api.AnswerQuestionRequest) (*api.AnswerQuestionResponse, error) {
	resp, err := s.gw.AnswerQuestion(ctx, *req)
	return resp, rpcError(err)
}

// EndSession implements GatewayServer.
func (s *RPCServer) EndSession(ctx context.Context, req *api.EndSessionRequest) (*api.EndSessionResponse, error) {
	resp, err := s.gw.EndSession(ctx, *req)
	return resp, rpcError(err)
}

func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// AuthInterceptor requires a bearer key from the agent key set on every
// call. An empty key set disables authentication (development mode).
func AuthInterceptor(keys []string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if len(keys) == 0 {
			return handler(identity.WithRole(ctx, identity.RoleAgent), req)
		}
		token := identity.BearerToken(metadataValue(ctx, "authorization"))
		if !identity.KeyMatches(token, keys) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
		return handler(identity.WithRole(ctx, identity.RoleAgent), req)
	}
}

// rpcResponseTypes allocates the response shape per method so a replayed
// idempotent result can be decoded back into the right type.
var rpcResponseTypes = map[string]func() interface{}{
	"/" + api.GatewayService + "/LogStep":        func() interface{} { return new(api.LogStepResponse) },
	"/" + api.GatewayService + "/AskQuestion":    func() interface{} { return new(api.AskQuestionResponse) },
	"/" + api.GatewayService + "/EndSession":     func() interface{} { return new(api.EndSessionResponse) },
	"/" + api.GatewayService + "/AnswerQuestion": func() interface{} { return new(api.AnswerQuestionResponse) },
}

// IdempotencyInterceptor replays the stored first response for calls that
// carry an idempotency-key metadata entry.
func IdempotencyInterceptor(repo store.Repository) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		key := metadataValue(ctx, "idempotency-key")
		newResponse, replayable := rpcResponseTypes[info.FullMethod]
		if key == "" || !replayable {
			return handler(ctx, req)
		}

		stored, err := repo.GetIdempotentResult(ctx, key)
		if err != nil {
			slog.Warn("idempotency lookup failed", "key", key, "error", err)
		} else if stored != nil && stored.Operation == info.FullMethod {
			resp := newResponse()
			if err := json.Unmarshal([]byte(stored.Response), resp); err == nil {
				return resp, nil
			}
			slog.Warn("failed to decode stored idempotency result", "key", key)
		}

		resp, err := handler(ctx, req)
		if err != nil || !storableResult(resp) {
			return resp, err
		}
		if body, marshalErr := json.Marshal(resp); marshalErr == nil {
			if putErr := repo.PutIdempotentResult(ctx, key, info.FullMethod, string(body)); putErr != nil {
				slog.Warn("failed to store idempotency result", "key", key, "error", putErr)
			}
		}
		return resp, nil
	}
}

func logStepHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(api.LogStepRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).LogStep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + api.GatewayService + "/LogStep"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).LogStep(ctx, req.(*api.LogStepRequest))
	})
}

func askQuestionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(api.AskQuestionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).AskQuestion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + api.GatewayService + "/AskQuestion"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).AskQuestion(ctx, req.(*api.AskQuestionRequest))
	})
}

func pollQuestionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(api.PollQuestionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).PollQuestion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + api.GatewayService + "/PollQuestion"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).PollQuestion(ctx, req.(*api.PollQuestionRequest))
	})
}

func answerQuestionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(api.AnswerQuestionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).AnswerQuestion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + api.GatewayService + "/AnswerQuestion"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).AnswerQuestion(ctx, req.(*api.AnswerQuestionRequest))
	})
}

func endSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(api.EndSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).EndSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + api.GatewayService + "/EndSession"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).EndSession(ctx, req.(*api.EndSessionRequest))
	})
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: api.GatewayService,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LogStep", Handler: logStepHandler},
		{MethodName: "AskQuestion", Handler: askQuestionHandler},
		{MethodName: "PollQuestion", Handler: pollQuestionHandler},
		{MethodName: "AnswerQuestion", Handler: answerQuestionHandler},
		{MethodName: "EndSession", Handler: endSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentdeck/v1/gateway",
}
