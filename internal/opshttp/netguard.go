package opshttp

import (
	"net"
	"net/http"

	"github.com/parabit/memgate/internal/log"
)

// requireNonPublicNetwork rejects requests whose peer address is not
// loopback, private (RFC 1918 / ULA), or link-local. The admin plane
// carries pprof and configuration detail and must never answer the
// open internet even when a deployment misconfigures its listener.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !nonPublic(ip) {
			L.Warn(r.Context(), "admin request from non-private address rejected",
				"remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublic(ip net.IP) bool {
	// Unmap ::ffff:a.b.c.d so the IPv4 classification applies.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
