package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dineops/backend/internal/authz"
	"dineops/backend/internal/clientip"
	"dineops/backend/internal/server/interceptors"
)

// Deps holds what the internal gRPC server needs.
type Deps struct {
	// Sessions validates the session carried in request metadata.
	Sessions interceptors.SessionValidator
	// Guard authorises each non-public RPC. If nil, RPCs are only authenticated.
	Guard *authz.Guard
	// Health reports serving status; created if nil.
	Health *health.Server
	// ClientIP resolves caller addresses for audit events. Nil trusts no forwarding metadata.
	ClientIP *clientip.Resolver
}

// healthService is the standard gRPC health method, always reachable without a session.
const healthService = "/grpc.health.v1.Health/"

// PublicMethods are the full method names reachable without a session.
var PublicMethods = map[string]bool{
	healthService + "Check": true,
	healthService + "Watch": true,
	healthService + "List":  true,
}

// NewGRPCServer returns a server with tracing, metrics, session validation and
// authorisation interceptors installed, and the health service registered.
// Domain services register on the returned server before Serve.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{
		interceptors.SourceAddrUnary(deps.ClientIP),
		interceptors.MetricsUnary(PublicMethods),
		interceptors.SessionUnary(deps.Sessions, PublicMethods),
	}
	if deps.Guard != nil {
		chain = append(chain, interceptors.AuthorizeUnary(deps.Guard, PublicMethods))
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the services this binary implements with s.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)
}
