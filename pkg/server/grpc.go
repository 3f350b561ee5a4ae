package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/stricklysoft-valet/pkg/auth"
	"github.com/StricklySoft/stricklysoft-valet/pkg/lifecycle"
)

// Handler ids of the gRPC health service.
const (
	RouteGRPCHealthCheck = "/grpc.health.v1.Health/Check"
	RouteGRPCHealthWatch = "/grpc.health.v1.Health/Watch"
)

// GRPCServer is the gRPC front end: the standard health service behind the
// same policy pipeline as the HTTP routes.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
}

// NewGRPCServer builds the server. Health reports NOT_SERVING until
// [GRPCServer.SetState] sees [lifecycle.StateRunning].
func NewGRPCServer(pipeline *auth.Pipeline, opts ...grpc.ServerOption) *GRPCServer {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(pipeline.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(pipeline.StreamServerInterceptor()),
	)
	s := &GRPCServer{Server: grpc.NewServer(opts...), health: health.NewServer()}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.Server, s.health)
	return s
}

// SetState mirrors a lifecycle state onto the health service. It has the
// shape of a [lifecycle.StateChangeHandler].
func (s *GRPCServer) SetState(_, next lifecycle.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if next == lifecycle.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// GracefulStop marks the service NOT_SERVING, ends Watch streams and then
// drains in-flight RPCs.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}
