// Package sdk is the native client for agent runtimes. It talks to the
// gateway's RPC binding and exposes the writer operations an agent needs
// during a run: log_step, ask_question, end_session.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/internal/rpccodec"
	"github.com/agentdeck/agentdeck/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Client is a gRPC client to the session gateway.
type Client struct {
	conn   *grpc.ClientConn
	addr   string
	apiKey string
	logger *slog.Logger
}

// ClientConfig holds configuration for the gateway client.
type ClientConfig struct {
	Address          string
	APIKey           string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewClient creates a client and verifies the gateway is reachable.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultClientConfig().Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultClientConfig().ConnectTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpccodec.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to session gateway", "address", cfg.Address)

	return &Client{
		conn:   conn,
		addr:   cfg.Address,
		apiKey: cfg.APIKey,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// WithIdempotencyKey marks the next mutating call so a retry with the
// same key replays the first response instead of re-executing.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "idempotency-key", key)
}

func (c *Client) callCtx(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	if err := c.conn.Invoke(ctx, "/"+api.GatewayService+"/"+method, req, resp); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}

// LogStep records a step for the instance's session, creating the session
// on first use. The response carries any feedback queued since the last
// step; delivered feedback never reappears in a later response.
func (c *Client) LogStep(ctx context.Context, req *api.LogStepRequest) (*api.LogStepResponse, error) {
	resp := new(api.LogStepResponse)
	if err := c.invoke(c.callCtx(ctx), "LogStep", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AskQuestion opens a question on the instance's session. With
// req.Blocking set the call holds until the question is answered, expires,
// the session ends, or the wait times out; otherwise it returns the
// question ID immediately for polling.
func (c *Client) AskQuestion(ctx context.Context, req *api.AskQuestionRequest) (*api.AskQuestionResponse, error) {
	resp := new(api.AskQuestionResponse)
	if err := c.invoke(c.callCtx(ctx), "AskQuestion", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PollQuestion reads the current state of a question.
func (c *Client) PollQuestion(ctx context.Context, questionID string) (*api.PollQuestionResponse, error) {
	resp := new(api.PollQuestionResponse)
	req := &api.PollQuestionRequest{QuestionID: questionID}
	if err := c.invoke(c.callCtx(ctx), "PollQuestion", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AnswerQuestion resolves an open question with an answer.
func (c *Client) AnswerQuestion(ctx context.Context, questionID, answer string) (*api.AnswerQuestionResponse, error) {
	resp := new(api.AnswerQuestionResponse)
	req := &api.AnswerQuestionRequest{QuestionID: questionID, Answer: answer}
	if err := c.invoke(c.callCtx(ctx), "AnswerQuestion", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EndSession closes the instance's session with a terminal outcome.
func (c *Client) EndSession(ctx context.Context, req *api.EndSessionRequest) (*api.EndSessionResponse, error) {
	resp := new(api.EndSessionResponse)
	if err := c.invoke(c.callCtx(ctx), "EndSession", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
