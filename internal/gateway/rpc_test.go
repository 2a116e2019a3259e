package gateway

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/agentdeck/agentdeck/internal/engine"
	"github.com/agentdeck/agentdeck/internal/rpccodec"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newRPCConn(t *testing.T, keys []string) (*grpc.ClientConn, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close test store: %v", err)
		}
	})

	eng := engine.New(repo, nil, nil)
	gw := New(eng, repo)

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			AuthInterceptor(keys),
			IdempotencyInterceptor(repo),
		),
	)
	NewRPCServer(gw).Register(srv)

	lis := bufconn.Listen(1 << 20)
	go func() {
		if err := srv.Serve(lis); err != nil {
			t.Logf("gRPC server stopped: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpccodec.Name)),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufconn: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("Failed to close client conn: %v", err)
		}
	})
	return conn, repo
}

func invokeRPC(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	return conn.Invoke(ctx, "/"+api.GatewayService+"/"+method, req, resp)
}

func TestRPCLogStepAndEnd(t *testing.T) {
	conn, _ := newRPCConn(t, nil)
	ctx := context.Background()

	var step api.LogStepResponse
	err := invokeRPC(ctx, conn, "LogStep", &api.LogStepRequest{
		AgentType:       "claude",
		AgentInstanceID: "inst-1",
		Description:     "over the wire",
	}, &step)
	if err != nil {
		t.Fatalf("LogStep failed: %v", err)
	}
	if step.Step.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", step.Step.Seq)
	}

	var ask api.AskQuestionResponse
	err = invokeRPC(ctx, conn, "AskQuestion", &api.AskQuestionRequest{
		AgentInstanceID: "inst-1",
		Prompt:          "merge now?",
	}, &ask)
	if err != nil {
		t.Fatalf("AskQuestion failed: %v", err)
	}
	if ask.Outcome != api.OutcomeOpened {
		t.Errorf("Expected opened outcome, got %s", ask.Outcome)
	}

	var answered api.AnswerQuestionResponse
	err = invokeRPC(ctx, conn, "AnswerQuestion", &api.AnswerQuestionRequest{
		QuestionID: ask.QuestionID,
		Answer:     "merge it",
	}, &answered)
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}

	var polled api.PollQuestionResponse
	err = invokeRPC(ctx, conn, "PollQuestion", &api.PollQuestionRequest{QuestionID: ask.QuestionID}, &polled)
	if err != nil {
		t.Fatalf("PollQuestion failed: %v", err)
	}
	if polled.Question.AnswerText != "merge it" {
		t.Errorf("Expected exact answer text, got %q", polled.Question.AnswerText)
	}

	var ended api.EndSessionResponse
	err = invokeRPC(ctx, conn, "EndSession", &api.EndSessionRequest{
		AgentInstanceID: "inst-1",
		Outcome:         "COMPLETED",
	}, &ended)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.SessionID != step.SessionID {
		t.Errorf("Expected session %s, got %s", step.SessionID, ended.SessionID)
	}
}

func TestRPCStatusCodes(t *testing.T) {
	conn, _ := newRPCConn(t, nil)
	ctx := context.Background()

	var resp api.AskQuestionResponse
	err := invokeRPC(ctx, conn, "AskQuestion", &api.AskQuestionRequest{
		AgentInstanceID: "ghost",
		Prompt:          "anyone?",
	}, &resp)
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound for missing session, got %v", err)
	}

	var step api.LogStepResponse
	err = invokeRPC(ctx, conn, "LogStep", &api.LogStepRequest{
		AgentType:       "claude",
		AgentInstanceID: "bad id!",
		Description:     "x",
	}, &step)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument for bad instance id, got %v", err)
	}
}

func TestRPCAuthInterceptor(t *testing.T) {
	conn, _ := newRPCConn(t, []string{"secret"})
	ctx := context.Background()

	req := &api.LogStepRequest{
		AgentType:       "claude",
		AgentInstanceID: "inst-1",
		Description:     "authorized step",
	}

	var resp api.LogStepResponse
	err := invokeRPC(ctx, conn, "LogStep", req, &resp)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated without key, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer secret")
	if err := invokeRPC(authed, conn, "LogStep", req, &resp); err != nil {
		t.Fatalf("Expected authorized call to succeed, got %v", err)
	}
}

func TestRPCIdempotencyReplay(t *testing.T) {
	conn, _ := newRPCConn(t, nil)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", "rpc-retry-1")

	req := &api.LogStepRequest{
		AgentType:       "claude",
		AgentInstanceID: "inst-1",
		Description:     "retried over rpc",
	}

	var first, second api.LogStepResponse
	if err := invokeRPC(ctx, conn, "LogStep", req, &first); err != nil {
		t.Fatalf("First call failed: %v", err)
	}
	if err := invokeRPC(ctx, conn, "LogStep", req, &second); err != nil {
		t.Fatalf("Replayed call failed: %v", err)
	}
	if second.Step.ID != first.Step.ID || second.Step.Seq != first.Step.Seq {
		t.Errorf("Expected identical replayed step, got %+v vs %+v", second.Step, first.Step)
	}
}

func TestRPCTimeoutNotRecordedUnderIdempotencyKey(t *testing.T) {
	conn, repo := newRPCConn(t, nil)
	ctx := context.Background()

	var step api.LogStepResponse
	if err := invokeRPC(ctx, conn, "LogStep", &api.LogStepRequest{
		AgentType:       "claude",
		AgentInstanceID: "inst-1",
		Description:     "working",
	}, &step); err != nil {
		t.Fatalf("LogStep failed: %v", err)
	}

	keyed := metadata.AppendToOutgoingContext(ctx, "idempotency-key", "rpc-ask-1")
	req := &api.AskQuestionRequest{
		AgentInstanceID: "inst-1",
		Prompt:          "anyone home?",
		Blocking:        true,
		TimeoutSeconds:  1,
	}

	var ask api.AskQuestionResponse
	if err := invokeRPC(keyed, conn, "AskQuestion", req, &ask); err != nil {
		t.Fatalf("AskQuestion failed: %v", err)
	}
	if ask.Outcome != api.OutcomeTimeout {
		t.Fatalf("Expected timeout outcome, got %s", ask.Outcome)
	}

	// A timed-out wait resolved nothing, so nothing is recorded for the key.
	stored, err := repo.GetIdempotentResult(ctx, "rpc-ask-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if stored != nil {
		t.Fatalf("Expected no stored result after timeout, got %+v", stored)
	}

	// The retry re-executes instead of replaying the timeout, hitting the
	// still-open question.
	err = invokeRPC(keyed, conn, "AskQuestion", req, &ask)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Expected FailedPrecondition against the open question, got %v", err)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{engine.ErrValidation, codes.InvalidArgument},
		{engine.ErrSessionNotFound, codes.NotFound},
		{engine.ErrQuestionNotFound, codes.NotFound},
		{engine.ErrDuplicateInstance, codes.AlreadyExists},
		{engine.ErrSessionClosed, codes.FailedPrecondition},
		{engine.ErrQuestionAlreadyOpen, codes.FailedPrecondition},
		{engine.ErrQuestionStillOpen, codes.FailedPrecondition},
		{engine.ErrQuestionAlreadyResolved, codes.FailedPrecondition},
		{engine.ErrStoreUnavailable, codes.Unavailable},
		{errors.New("mystery"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(rpcError(tc.err)); got != tc.want {
			t.Errorf("Expected %v for %v, got %v", tc.want, tc.err, got)
		}
	}
	if rpcError(nil) != nil {
		t.Error("Expected nil passthrough")
	}
}
