package admin

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startGRPC(t *testing.T) (*GRPC, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewGRPC(zaptest.NewLogger(t), true)
	go func() { _ = g.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		g.Stop()
	})
	return g, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	t.Parallel()
	g, c := startGRPC(t)

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, TrackerService))

	g.SetServing(true)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, TrackerService))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))

	g.SetServing(false)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, TrackerService))
}
