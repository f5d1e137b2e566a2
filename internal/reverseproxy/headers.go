// Package reverseproxy implements the HTTP proxy handler. Header
// handling (hop-by-hop stripping, forwarding headers) is adapted from
// Caddy's caddyhttp/proxy/reverseproxy.go (hopHeaders list,
// createUpstreamRequest's X-Forwarded-For folding); request dispatch
// is rebuilt around net/http/httputil.ReverseProxy instead of
// Caddy's hand-rolled ReverseProxy type, since the standard
// library's version already streams chunked bodies and 100-continue
// correctly and only needs a Director/ErrorHandler/Transport tailored
// to this package's header and timeout semantics.
package reverseproxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders is the fixed RFC 7230 §6.1 set, always stripped in
// both directions regardless of what the "Connection" header adds.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop set plus any header
// named in the request/response's own Connection header (RFC 7230
// §6.1).
func stripHopByHop(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
