package audit

import "context"

type sourceAddrKey struct{}

// WithSourceAddr returns ctx carrying the resolved client address of the request.
// Record stamps it on events that do not set SourceAddr themselves.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddrKey{}, addr)
}

// SourceAddrFrom returns the address stored by WithSourceAddr, or "".
func SourceAddrFrom(ctx context.Context) string {
	addr, _ := ctx.Value(sourceAddrKey{}).(string)
	return addr
}
