// AgentDeck - Agent Session & Interactive Feedback Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/engine"
	"github.com/agentdeck/agentdeck/internal/feed"
	"github.com/agentdeck/agentdeck/internal/gateway"
	"github.com/agentdeck/agentdeck/internal/identity"
	"github.com/agentdeck/agentdeck/internal/middleware"
	"github.com/agentdeck/agentdeck/internal/notify"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	var transport notify.Transport
	if cfg.Webhook.URL != "" {
		transport = notify.NewWebhookTransport(cfg.Webhook.URL, cfg.Webhook.Token)
		slog.Info("Webhook notifications enabled", "url", cfg.Webhook.URL)
	} else {
		slog.Info("Webhook notifications disabled (WEBHOOK_URL not set)")
	}
	dispatcher := notify.NewDispatcher(transport)
	hub := feed.NewHub()
	eng := engine.New(repo, dispatcher, hub)

	// Initialize handlers.
	gw := gateway.New(eng, repo)
	httpHandler := gateway.NewHTTPHandler(gw, repo, hub)
	rpcServer := gateway.NewRPCServer(gw)

	if cfg.IsDevelopment() && len(cfg.AgentAPIKeys) == 0 {
		slog.Info("Agent authentication disabled (AGENT_API_KEYS not set)")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))

	// Agent-facing writer surface.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.RoleAgent, cfg.AgentAPIKeys))
		httpHandler.RegisterAgentRoutes(r)
	})

	// Dashboard surface, including the WebSocket activity feed.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.RoleDashboard, cfg.DashboardAPIKeys))
		httpHandler.RegisterDashboardRoutes(r)
	})

	// Create server.
	// Note: blocking ask_question waits and the WebSocket feed require
	// long-lived responses (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// gRPC server for the native SDK.
	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			gateway.AuthInterceptor(cfg.AgentAPIKeys),
			gateway.IdempotencyInterceptor(repo),
		),
	)
	rpcServer.Register(grpcSrv)

	// Start idle sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notify.StartIdleSweeper(ctx, repo, dispatcher, cfg.IdleThreshold, cfg.SweepInterval)
	slog.Info("Idle sweeper started", "threshold", cfg.IdleThreshold, "interval", cfg.SweepInterval)

	// Start servers.
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC", "error", err)
			os.Exit(1)
		}
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcSrv.GracefulStop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
