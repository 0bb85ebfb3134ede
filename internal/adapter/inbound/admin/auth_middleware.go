package admin

import (
	"net"
	"net/http"
	"strings"
)

// isLocalhost checks if the request originates from a loopback address.
// X-Forwarded-For is intentionally not trusted here.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// bearerToken returns the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// adminAuthMiddleware admits localhost callers unconditionally. Remote
// callers need a Bearer key matching the configured hash; without one
// configured they are rejected with 403.
func (h *AdminAPIHandler) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}
		if h.keyVerifier == nil {
			h.respondError(w, http.StatusForbidden, "admin API requires localhost access")
			return
		}
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="abusegate-admin"`)
			h.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := h.keyVerifier.Verify(token); err != nil {
			h.logger.Warn("admin API key rejected", "remote_addr", r.RemoteAddr, "error", err)
			h.respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
