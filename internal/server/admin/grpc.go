// Package admin exposes the tracker's operational surfaces: a gRPC health service and
// an HTTP status endpoint.
package admin

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// TrackerService is the health service name reported for the line-protocol listener.
const TrackerService = "p2psync.Tracker"

// GRPC serves grpc.health.v1 for the tracker.
type GRPC struct {
	srv    *grpc.Server
	health *health.Server
}

// NewGRPC constructs the admin gRPC server. Reflection is registered when dev is set.
func NewGRPC(log *zap.Logger, dev bool) *GRPC {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}
	hs.SetServingStatus(TrackerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPC{srv: s, health: hs}
}

// SetServing flips the tracker and overall health status.
func (g *GRPC) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(TrackerService, st)
}

// Serve blocks serving on ln.
func (g *GRPC) Serve(ln net.Listener) error { return g.srv.Serve(ln) }

// Stop reports NOT_SERVING to watchers, then stops gracefully.
func (g *GRPC) Stop() {
	g.health.Shutdown()
	g.srv.GracefulStop()
}
