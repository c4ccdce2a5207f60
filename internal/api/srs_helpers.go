package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// hookAuthorized accepts every callback when no token is configured,
// otherwise a matching bearer header or token query parameter.
func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" {
		return true
	}
	if r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(token, queryToken) {
			return true
		}
	}

	return false
}

// splitApp separates the route from the transcode variant in an SRS app
// such as "basic/720h".
func splitApp(app string) (route, variant string) {
	route, variant, _ = strings.Cut(strings.TrimSpace(app), "/")
	if i := strings.IndexByte(variant, '/'); i >= 0 {
		variant = variant[:i]
	}
	if variant == "" {
		variant = sourceVariant
	}
	return route, variant
}

// edgeHost returns the host part of the caller's address, which is the edge
// that raised the callback.
func edgeHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
