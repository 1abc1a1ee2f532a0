package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"dineops/backend/internal/autherr"
	"dineops/backend/internal/authz"
)

// TenantHeader names the tenant a request acts in.
const TenantHeader = "x-tenant-id"

// AuthorizeUnary returns a unary server interceptor that checks the session placed in
// context by SessionUnary against the permission derived from the method name, in the
// tenant given by the x-tenant-id metadata. Must run after SessionUnary.
func AuthorizeUnary(guard *authz.Guard, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		perm := authz.MethodPermission(info.FullMethod)
		tenantID := strings.TrimSpace(firstValue(ctx, TenantHeader))
		d := guard.CheckContext(ctx, tenantID, perm.Resource, perm.Action)
		if d.Allowed {
			return handler(ctx, req)
		}
		if _, ok := authz.SessionFrom(ctx); !ok {
			return nil, status.Error(codes.Unauthenticated, d.Reason)
		}
		switch autherr.KindOf(d.Err) {
		case autherr.KindRateLimited, autherr.KindInternal:
			return nil, status.Error(autherr.GRPCCode(d.Err), d.Reason)
		}
		return nil, status.Error(codes.PermissionDenied, d.Reason)
	}
}
