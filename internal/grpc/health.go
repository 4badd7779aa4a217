// Package grpc serves the standard gRPC health service. Serving status
// follows the document store.
package grpc

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-vault/internal/observability"
)

// ServiceName is reported alongside the server-wide "" service.
const ServiceName = "chat-vault"

const pingTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor keeps the health service in step with store pings.
type HealthMonitor struct {
	health   *health.Server
	store    Pinger
	interval time.Duration
}

func NewHealthMonitor(store Pinger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{health: health.NewServer(), store: store, interval: interval}
}

// NewServer builds the gRPC server with metrics and tracing and registers
// the health service of m.
func NewServer(m *HealthMonitor) *grpc.Server {
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthpb.RegisterHealthServer(srv, m.health)
	return srv
}

// Check pings the store once and publishes the result.
func (m *HealthMonitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := m.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("store ping failed")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)
	return status
}

// Run checks on every interval until ctx is done, then reports
// NOT_SERVING for good.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
