// Package proxy implements the HTTP/HTTPS intercepting proxy that turns
// captured LLM traffic into token-accounting events (MITMProxy, in
// mitm.go) and the connection-level tunneling it shares with the plain
// passthrough path (tunnel.go).
package proxy

import (
	"net/http"
	"strings"
)

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// hopByHopHeaders are headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders removes hop-by-hop headers from the header map.
func removeHopByHopHeaders(h http.Header) {
	// Get Connection header value before we delete it
	conn := h.Get("Connection")

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}

	// Also remove headers listed in Connection header
	if conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}
