// Package worker runs one HTTP(S) listener: TLS termination against a
// certstore.Store, site routing, and dispatch into the static,
// reverse-proxy, websocket, or management handler for the matched
// site. The drain/shutdown lifecycle is adapted from the standard
// library's http.Server.Shutdown, wrapped with an in-flight request
// counter so the supervisor can observe when a drain has finished
// rather than only "shutdown has been requested".
package worker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/benliao/bws/internal/acme"
	"github.com/benliao/bws/internal/admin"
	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/certstore"
	"github.com/benliao/bws/internal/reverseproxy"
	"github.com/benliao/bws/internal/routing"
	"github.com/benliao/bws/internal/siterouter"
	"github.com/benliao/bws/internal/staticfiles"
	"github.com/benliao/bws/internal/upstream"
	"github.com/benliao/bws/internal/wsproxy"
)

// SiteHandlers bundles the per-site handlers a Worker dispatches to,
// built once per config snapshot alongside the Router that selects a
// Site for an inbound request. Proxy and WS are keyed by
// Route.PathPrefix so each route's handler is constructed once, at
// build time, rather than once per request.
type SiteHandlers struct {
	Static   *staticfiles.Handler
	Proxy    map[string]*reverseproxy.Handler
	WS       map[string]*wsproxy.Handler
	Registry *upstream.Registry
	Routes   []bwsconfig.Route
}

// Worker owns one net/http listener and serves every site bound to
// it, dispatching through a Router built from the current config
// snapshot.
type Worker struct {
	Listener  bwsconfig.ListenKey
	Router    *siterouter.Router
	Sites     map[string]SiteHandlers // keyed by Site.Name
	CertMgr   *certstore.Store
	Challenge *acme.ChallengeTable
	Admin     *admin.Handler // non-nil when the management endpoint is enabled; serves api_only sites

	log         *zap.Logger
	srv         *http.Server
	inFlight    int64 // atomic
	acceptLimit *rate.Limiter
}

// New builds a Worker for one listener. sites maps Site.Name to the
// handlers serving it; router resolves an inbound Host header to a
// Site within this listener.
func New(listener bwsconfig.ListenKey, router *siterouter.Router, sites map[string]SiteHandlers, certs *certstore.Store, challenge *acme.ChallengeTable) *Worker {
	w := &Worker{
		Listener:    listener,
		Router:      router,
		Sites:       sites,
		CertMgr:     certs,
		Challenge:   challenge,
		log:         bwslog.Named("worker"),
		acceptLimit: rate.NewLimiter(rate.Limit(50), 50),
	}
	w.srv = &http.Server{
		Handler:           http.HandlerFunc(w.dispatch),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if certs != nil {
		w.srv.TLSConfig = &tls.Config{GetCertificate: certs.GetCertificate}
	}
	return w
}

// Serve accepts connections on ln until ctx is cancelled or the
// listener is closed, applying a rate-limited backoff to repeated
// Accept failures instead of busy-looping (the standard library's
// http.Server.Serve already retries transient Accept errors with its
// own fixed backoff; this wraps the listener so sustained failure
// surfaces as a logged warning rather than silent retries).
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = w.shutdown()
	}()

	guarded := &rateLimitedListener{Listener: ln, limiter: w.acceptLimit, log: w.log}
	err := w.srv.Serve(guarded)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTLS is Serve's TLS counterpart; the listener is expected to be
// a plain TCP listener, since TLS termination happens inside
// http.Server via srv.TLSConfig.
func (w *Worker) ServeTLS(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = w.shutdown()
	}()

	guarded := &rateLimitedListener{Listener: ln, limiter: w.acceptLimit, log: w.log}
	err := w.srv.ServeTLS(guarded, "", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Drain gracefully shuts the worker down, waiting up to timeout for
// in-flight requests to complete.
func (w *Worker) Drain(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.srv.Shutdown(ctx)
}

func (w *Worker) shutdown() error {
	return w.srv.Close()
}

// InFlight reports the number of requests currently being served.
func (w *Worker) InFlight() int64 { return atomic.LoadInt64(&w.inFlight) }

func (w *Worker) dispatch(rw http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&w.inFlight, 1)
	defer atomic.AddInt64(&w.inFlight, -1)

	if w.Challenge != nil {
		handled := (acme.HTTPHandler{Table: w.Challenge}).ServeHTTP(rw, r)
		if handled {
			return
		}
	}

	site, err := w.Router.Route(w.Listener, r.Host)
	if err != nil {
		http.NotFound(rw, r)
		return
	}

	handlers, ok := w.Sites[site.Name]
	if !ok {
		http.Error(rw, "site misconfigured", http.StatusInternalServerError)
		return
	}

	if site.APIOnly && w.Admin != nil {
		w.Admin.Mux().ServeHTTP(rw, r)
		return
	}

	if route, matched := routing.Match(handlers.Routes, r.URL.Path); matched {
		// Only a route explicitly configured as a WebSocket route takes
		// the splice path; an upgrade request on any other route falls
		// through to the ordinary reverse-proxy handler like any other
		// request.
		if route.IsWebSocket && wsproxy.IsUpgrade(r) {
			if ws := handlers.WS[route.PathPrefix]; ws != nil {
				ws.ServeHTTP(rw, r)
				return
			}
			http.Error(rw, "upstream group not found", http.StatusBadGateway)
			return
		}
		if proxy := handlers.Proxy[route.PathPrefix]; proxy != nil {
			proxy.ServeHTTP(rw, r)
			return
		}
		http.Error(rw, "upstream group not found", http.StatusBadGateway)
		return
	}

	if handlers.Static != nil {
		handlers.Static.ServeHTTP(rw, r)
		return
	}

	http.NotFound(rw, r)
}

// OptionsFor derives a reverseproxy.Options for one route from its
// site's ProxyConfig, shared by buildWorkers (build time) and any
// caller that needs the same derivation outside a request.
func OptionsFor(route bwsconfig.Route, proxy bwsconfig.ProxyConfig) reverseproxy.Options {
	return reverseproxy.Options{
		PathPrefix:     route.PathPrefix,
		StripPrefix:    route.StripPrefix,
		ConnectTimeout: proxy.ConnectTimeout,
		ReadTimeout:    proxy.ReadTimeout,
		WriteTimeout:   proxy.WriteTimeout,
		AddXForwarded:  proxy.AddXForwarded,
		AddForwarded:   proxy.AddForwarded,
		AddHeaders:     proxy.AddHeaders,
		RemoveHeaders:  proxy.RemoveHeaders,
	}
}

// rateLimitedListener delays repeated Accept failures instead of
// returning them immediately, so a file-descriptor exhaustion event
// degrades gracefully rather than burning CPU in a tight retry loop.
type rateLimitedListener struct {
	net.Listener
	limiter *rate.Limiter
	log     *zap.Logger
}

func (l *rateLimitedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		return conn, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return conn, err
	}
	if !l.limiter.Allow() {
		l.log.Warn("accept failures exceeding rate limit; backing off", zap.Error(err))
		time.Sleep(l.limiter.Reserve().Delay())
	}
	return conn, err
}
