// Package server provides the agent's status endpoints: a gRPC health
// service reporting delivery readiness, and an optional Prometheus /metrics
// listener.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/solatis/telemetryd/internal/core/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// DeliveryService is the health service name that tracks the connectivity probe.
const DeliveryService = "telemetryd.delivery"

// GRPCServer manages gRPC server lifecycle.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	config   *config.StatusAPIConfig
	log      *slog.Logger
	mu       sync.Mutex
	listener net.Listener
}

// NewGRPCServer creates a gRPC server with the standard health service.
// The delivery service starts NOT_SERVING until the first probe reports.
func NewGRPCServer(cfg *config.StatusAPIConfig, logger *slog.Logger) (*GRPCServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "status-api")

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger),
		),
	}

	server := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(DeliveryService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		server: server,
		health: healthServer,
		config: cfg,
		log:    logger,
	}, nil
}

// SetNetworkOnline maps the latest connectivity probe onto the delivery service status.
func (s *GRPCServer) SetNetworkOnline(online bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if online {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(DeliveryService, status)
}

// Addr returns the bound address, or nil before Start or Serve.
func (s *GRPCServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds listener and serves gRPC requests.
// Context is provided for API consistency but Serve blocks until Shutdown is called.
func (s *GRPCServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve serves gRPC requests on lis until Shutdown is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.log.Info("status API listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Shutdown gracefully stops server with 30-second timeout.
// Health watchers are told NOT_SERVING first so they stop routing to the agent.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request", "method", info.FullMethod, "duration", time.Since(start), "err", err)
		return resp, err
	}
}
