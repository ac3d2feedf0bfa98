package ratelimit

import (
	"net/http"
	"strings"
)

// LoopbackIdentifier is used when a request carries no proxy header.
const LoopbackIdentifier = "127.0.0.1"

// ClientIdentifier returns the left-most address of X-Forwarded-For, then
// X-Real-IP, and finally the loopback sentinel.
func ClientIdentifier(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	return LoopbackIdentifier
}
