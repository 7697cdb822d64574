package api

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/entdb/internal/entdberr"
)

// GRPCHealthServer hosts the standard gRPC health-checking protocol
// so orchestrators (Kubernetes, consul) can probe liveness/readiness
// without parsing EntDB's own wire format (EntDB §4.X "gRPC health
// service").
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealthServer builds a health-only gRPC server, starting in
// the NOT_SERVING state until MarkServing is called.
func NewGRPCHealthServer() *GRPCHealthServer {
	h := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCHealthServer{server: s, health: h}
}

// MarkServing flips the overall service status to SERVING, called
// once the applier, archiver, and API tasks have been started.
func (g *GRPCHealthServer) MarkServing() {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// MarkNotServing flips the overall service status back, used during
// graceful shutdown so load balancers drain traffic first.
func (g *GRPCHealthServer) MarkNotServing() {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve blocks accepting connections on addr until ctx is canceled.
func (g *GRPCHealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return entdberr.Wrap(entdberr.Connection, "binding gRPC health listener", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.server.Serve(lis) }()

	select {
	case <-ctx.Done():
		g.server.GracefulStop()
		return nil
	case err := <-errCh:
		return entdberr.Wrap(entdberr.Connection, "gRPC health server stopped", err)
	}
}
