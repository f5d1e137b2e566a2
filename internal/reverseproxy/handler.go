package reverseproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/benliao/bws/internal/bwserrors"
	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/upstream"
)

// Handler forwards requests matching one Route to an upstream.Pool
// under the site's timeouts and header rules.
type Handler struct {
	Pool  *upstream.Pool
	Route Options
	rp    *httputil.ReverseProxy
	log   *zap.Logger
}

// Options is the subset of a site's Route/ProxyConfig a Handler needs.
type Options struct {
	PathPrefix     string
	StripPrefix    bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AddXForwarded  bool
	AddForwarded   bool
	AddHeaders     [][2]string
	RemoveHeaders  []string
}

type ctxKeyTarget struct{}

// New builds a Handler that selects from pool per-request and proxies
// through it according to opts.
func New(pool *upstream.Pool, opts Options) *Handler {
	h := &Handler{
		Pool:  pool,
		Route: opts,
		log:   bwslog.Named("reverseproxy"),
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
	}
	// Upstreams that negotiate HTTP/2 over TLS get it automatically;
	// plain-HTTP (h2c) upstreams and HTTP/1.1-only upstreams are
	// spoken to over HTTP/1.1.
	if err := http2.ConfigureTransport(transport); err != nil {
		bwslog.Named("reverseproxy").Warn("HTTP/2 upstream support disabled", zap.Error(err))
	}

	h.rp = &httputil.ReverseProxy{
		Director:       h.director,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.errorHandler,
		Transport:      transport,
	}
	return h
}

// ServeHTTP selects an upstream (acquiring a connection guard released
// exactly once on every exit path, including client disconnect and
// handler panics) and forwards the request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server, guard, err := h.Pool.Select()
	if err != nil {
		h.log.Warn("no upstream available", zap.Error(err))
		http.Error(w, "502 bad gateway", http.StatusBadGateway)
		return
	}
	defer guard.Release()

	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set("X-Request-Id", reqID)
	}
	w.Header().Set("X-Request-Id", reqID)

	ctx := context.WithValue(r.Context(), ctxKeyTarget{}, server.URL)
	h.rp.ServeHTTP(w, r.WithContext(ctx))
}

// director rewrites the forwarded path, scheme/host, and headers,
// adapted from Caddy's createUpstreamRequest +
// mutateHeadersByRules.
func (h *Handler) director(req *http.Request) {
	target, _ := req.Context().Value(ctxKeyTarget{}).(*url.URL)
	if target == nil {
		return
	}

	originalHost := req.Host
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}

	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path = forwardedPath(h.Route, req.URL.Path)
	req.Host = target.Host

	stripHopByHop(req.Header)

	if h.Route.AddXForwarded {
		// httputil.ReverseProxy appends the client IP to any prior
		// X-Forwarded-For after the Director returns, so only the
		// proto/host headers are set here.
		req.Header.Set("X-Forwarded-Proto", scheme)
		req.Header.Set("X-Forwarded-Host", originalHost)
	}

	if h.Route.AddForwarded {
		clientIP, _, _ := net.SplitHostPort(req.RemoteAddr)
		req.Header.Add("Forwarded", fmt.Sprintf("for=%s;proto=%s;host=%s", clientIP, scheme, originalHost))
	}

	for _, kv := range h.Route.AddHeaders {
		req.Header.Set(kv[0], kv[1])
	}
	for _, name := range h.Route.RemoveHeaders {
		req.Header.Del(name)
	}
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	stripHopByHop(resp.Header)
	return nil
}

func (h *Handler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	kind := bwserrors.KindUpstreamIOError
	if isTimeout(err) {
		kind = bwserrors.KindUpstreamTimeout
	}
	h.log.Warn("upstream error", zap.Error(err), zap.String("path", r.URL.Path))
	http.Error(w, "bad gateway", kind.Status())
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if te, ok := e.(timeouter); ok {
			return te.Timeout()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// forwardedPath computes the forwarded path: strip Route.PathPrefix
// if configured, else preserve the full path.
func forwardedPath(route Options, reqPath string) string {
	if route.StripPrefix {
		trimmed := strings.TrimPrefix(reqPath, route.PathPrefix)
		if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		return trimmed
	}
	return reqPath
}
