// Package admin implements the loopback-only management endpoint:
// config reload and health status, served on its own listener bound
// to a loopback address, and optionally guarded by a static API key.
// Request logging and the JSON error envelope are adapted from
// Caddy's admin.go adminHandler.ServeHTTP/handleError, simplified
// since this endpoint has a fixed two-route surface instead of a
// pluggable module registry.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/benliao/bws/internal/bwserrors"
	"github.com/benliao/bws/internal/bwslog"
)

// ReloadFunc triggers a full configuration reload and reports whether
// it succeeded.
type ReloadFunc func() error

// Handler serves the management API. It must only ever be reachable
// on a loopback-bound listener; every request additionally gets a
// per-connection peer-address check (checkLoopback) as defense in
// depth, since the listener's own binding is a config-time guarantee
// rather than something Handler can verify on its own.
type Handler struct {
	APIKey  string
	Reload  ReloadFunc
	Started time.Time
	log     *zap.Logger
}

// New builds a Handler. apiKey may be empty, in which case the
// endpoint accepts any request (still loopback-only, by listener
// binding).
func New(apiKey string, reload ReloadFunc) *Handler {
	return &Handler{
		APIKey:  apiKey,
		Reload:  reload,
		Started: time.Now(),
		log:     bwslog.Named("admin"),
	}
}

// Mux builds the management endpoint's route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/config/reload", h.handleReload)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.checkLoopback(w, r) {
		return
	}
	if !h.authorize(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.Started).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if !h.checkLoopback(w, r) {
		return
	}
	if !h.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":  "error",
			"message": "reload requires POST",
		})
		return
	}

	if err := h.Reload(); err != nil {
		h.log.Warn("reload rejected", zap.Error(err))
		writeJSON(w, bwserrors.KindOf(err).Status(), map[string]any{
			"status":    "error",
			"message":   err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	h.log.Info("configuration reloaded via management endpoint")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "configuration reloaded",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// checkLoopback rejects any request whose peer address is not
// loopback with a 403, regardless of how the listener itself was
// bound.
func (h *Handler) checkLoopback(w http.ResponseWriter, r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !IsLoopback(host) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status":  "error",
			"message": "management endpoint only accepts loopback connections",
		})
		return false
	}
	return true
}

// authorize enforces the X-API-Key header in constant time when an
// APIKey is configured. It writes a 401 JSON body and returns false
// when the request fails the check.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.APIKey == "" {
		return true
	}
	got := r.Header.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.APIKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status":  "error",
			"message": "missing or invalid X-API-Key",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// IsLoopback reports whether host (with no port) is a loopback IP
// literal or the name "localhost"; no DNS lookup is made.
// checkLoopback applies it to each request's peer address;
// bwsconfig.Validate separately rejects non-loopback management hosts
// before a Handler is ever constructed.
func IsLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}
