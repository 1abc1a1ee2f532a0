// Package clientip resolves the address a request came from. Forwarding headers are
// honoured only when the direct peer is a configured trusted proxy.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Unknown is returned when no address can be determined.
const Unknown = "unknown"

// Resolver picks the client address from the peer and forwarding headers.
// A nil or empty Resolver trusts no proxy and always returns the peer.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses trusted proxy CIDRs ("10.0.0.0/8") or single addresses ("10.1.2.3").
func NewResolver(proxies []string) (*Resolver, error) {
	r := &Resolver{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			addr, err := netip.ParseAddr(p)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
			}
			r.trusted = append(r.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
		}
		r.trusted = append(r.trusted, prefix.Masked())
	}
	return r, nil
}

// Resolve returns the client address for a connection from peer (host or host:port)
// carrying the given X-Forwarded-For values and X-Real-IP. Starting at the peer, hops
// are walked right to left while they are trusted proxies; the first untrusted hop is
// the client. Headers from an untrusted peer are ignored.
func (r *Resolver) Resolve(peer string, forwardedFor []string, realIP string) string {
	addr, ok := parseHost(peer)
	if !ok {
		if peer == "" {
			return Unknown
		}
		return peer
	}
	if !r.isTrusted(addr) {
		return addr.String()
	}

	var hops []string
	for _, v := range forwardedFor {
		hops = append(hops, strings.Split(v, ",")...)
	}
	if len(hops) == 0 && strings.TrimSpace(realIP) != "" {
		hops = []string{realIP}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop, ok := parseHost(strings.TrimSpace(hops[i]))
		if !ok {
			break
		}
		addr = hop
		if !r.isTrusted(hop) {
			break
		}
	}
	return addr.String()
}

// Request resolves the client address of an HTTP request.
func (r *Resolver) Request(req *http.Request) string {
	return r.Resolve(req.RemoteAddr, req.Header.Values("X-Forwarded-For"), req.Header.Get("X-Real-IP"))
}

func (r *Resolver) isTrusted(addr netip.Addr) bool {
	if r == nil {
		return false
	}
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseHost(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
