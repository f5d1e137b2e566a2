// Package wsproxy implements the WebSocket proxy handler: detect an
// upgrade request, replay it to a selected upstream, then splice two
// raw TCP byte streams bidirectionally for the lifetime of the
// connection. The splice loop is adapted from Caddy's
// caddyhttp/proxy/reverseproxy.go ServeHTTP websocket branch (hijack
// plus two pooledIoCopy goroutines racing to a shared "done" channel),
// generalized here to propagate a half-close in each direction
// independently rather than tearing down both sides as soon as either
// finishes, and to guarantee the upstream connection guard releases
// exactly once, after both directions are done, regardless of which
// side closes first.
package wsproxy

import (
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/upstream"
)

// IsUpgrade reports whether r is a valid WebSocket upgrade request:
// Upgrade: websocket, a Connection header containing "upgrade",
// Sec-WebSocket-Version: 13, and a 16-byte base64 Sec-WebSocket-Key.
func IsUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return false
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(r.Header.Get("Sec-WebSocket-Key"))
	if err != nil || len(key) != 16 {
		return false
	}
	return true
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Handler splices an upgraded connection through to a selected
// upstream, rewriting http(s) to ws(s) on the replayed request.
type Handler struct {
	Pool        *upstream.Pool
	DialTimeout time.Duration
	log         *zap.Logger
}

// New builds a Handler selecting from pool.
func New(pool *upstream.Pool, dialTimeout time.Duration) *Handler {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Handler{Pool: pool, DialTimeout: dialTimeout, log: bwslog.Named("wsproxy")}
}

// ServeHTTP selects an upstream, performs the upgrade handshake
// against it, and then splices the two connections together. It
// always releases exactly one connection guard, even when the client
// disconnects mid-handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server, guard, err := h.Pool.Select()
	if err != nil {
		h.log.Warn("no upstream available for websocket", zap.Error(err))
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			guard.Release()
		}
	}
	defer release()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported by this connection", http.StatusInternalServerError)
		return
	}

	backend, err := dialUpstream(server.URL, h.DialTimeout)
	if err != nil {
		h.log.Warn("failed to dial websocket upstream", zap.Error(err), zap.String("upstream", server.URL.String()))
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}

	// Replay the client's upgrade request to the upstream unchanged,
	// rewriting only the request line's scheme/host/target.
	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = wsScheme(server.URL.Scheme)
	outreq.URL.Host = server.URL.Host
	outreq.RequestURI = ""
	if err := outreq.Write(backend); err != nil {
		backend.Close()
		h.log.Warn("failed to replay upgrade request", zap.Error(err))
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}

	backendReader := newBufReader(backend)
	resp, err := http.ReadResponse(backendReader, outreq)
	if err != nil {
		backend.Close()
		h.log.Warn("failed reading upstream upgrade response", zap.Error(err))
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		// Upstream declined the upgrade; relay its response verbatim.
		backend.Close()
		copyStatusAndHeaders(w, resp)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		backend.Close()
		return
	}

	// Forward the 101 response, preserving Sec-WebSocket-Accept,
	// Sec-WebSocket-Protocol, and any negotiated extensions.
	if err := resp.Write(clientConn); err != nil {
		clientConn.Close()
		backend.Close()
		return
	}

	splice(clientConn, clientBuf, backend, backendReader, release, h.log)
}

func dialUpstream(target *url.URL, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if target.Scheme == "https" {
		return tls.DialWithDialer(dialer, "tcp", target.Host, &tls.Config{})
	}
	return dialer.Dial("tcp", target.Host)
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}

func copyStatusAndHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
		resp.Body.Close()
	}
}
