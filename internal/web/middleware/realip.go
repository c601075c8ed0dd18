package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/JonMunkholm/pendampingan/internal/config"
)

// TrustedRealIP rewrites RemoteAddr to the client address reported by a
// trusted proxy. The rate limiter and access log key on the result.
//
// Headers are read only when the connection comes from one of
// cfg.TrustedProxies. X-Real-IP wins; otherwise X-Forwarded-For is walked from
// the right and the first hop that is not itself a trusted proxy is the client.
func TrustedRealIP(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	trusted, err := cfg.TrustedPrefixes()
	if err != nil {
		slog.Warn("realip: skipping invalid trusted proxies", "error", err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if remote, ok := parseAddr(r.RemoteAddr); ok && isTrusted(remote, trusted) {
				if client, ok := clientAddr(r.Header, trusted); ok {
					r.RemoteAddr = client.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(h http.Header, trusted []netip.Prefix) (netip.Addr, bool) {
	if rip := strings.TrimSpace(h.Get("X-Real-IP")); rip != "" {
		if a, err := netip.ParseAddr(rip); err == nil {
			return a.Unmap(), true
		}
	}

	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	var leftmost netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A garbled hop ends the chain we can vouch for.
			break
		}
		a = a.Unmap()
		if !isTrusted(a, trusted) {
			return a, true
		}
		leftmost = a
	}
	return leftmost, leftmost.IsValid()
}

// parseAddr accepts host:port or a bare address.
func parseAddr(addr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(addr); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

func isTrusted(a netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientHost strips the port from RemoteAddr when there is one.
func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
