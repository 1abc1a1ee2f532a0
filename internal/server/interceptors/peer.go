package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"dineops/backend/internal/audit"
	"dineops/backend/internal/clientip"
)

// ClientIP returns the client address of an incoming RPC. The peer address is used unless
// the peer is a proxy trusted by resolver, in which case x-forwarded-for and x-real-ip
// metadata are consulted. Returns "unknown" when there is no peer.
func ClientIP(ctx context.Context, resolver *clientip.Resolver) string {
	var addr string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	var forwarded []string
	var realIP string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		forwarded = md.Get("x-forwarded-for")
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			realIP = vals[0]
		}
	}
	return resolver.Resolve(addr, forwarded, realIP)
}

// SourceAddrUnary stores the client address in the context so audit events recorded
// while handling the RPC carry it.
func SourceAddrUnary(resolver *clientip.Resolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(audit.WithSourceAddr(ctx, ClientIP(ctx, resolver)), req)
	}
}
