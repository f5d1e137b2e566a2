// Package siterouter maps (listener, Host header) to a Site, falling
// back to the listener's default site. The index-construction/lookup
// split mirrors Caddy's caddytls configGroup.getConfig
// (caddytls/handshake.go), generalized from wildcard-hostname TLS
// config lookup to exact-only HTTP Host-header lookup; wildcard
// hostnames are a TLS SNI-only concept here, not part of routing.
package siterouter

import (
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/bwserrors"
)

// Router is an immutable, built-once index over one ServerConfig
// snapshot. A Router is never mutated after NewRouter returns;
// reloads build a brand new Router and swap it in atomically at the
// Supervisor/Worker boundary.
type Router struct {
	byListener map[bwsconfig.ListenKey]map[string]*bwsconfig.Site
	defaults   map[bwsconfig.ListenKey]*bwsconfig.Site
}

// NewRouter builds the index once per config snapshot. Duplicate
// (listener_key, host) pairs are a configuration validation error
// caught earlier by bwsconfig.Validate, so NewRouter trusts its input
// and does not re-check for collisions.
func NewRouter(sites []bwsconfig.Site) *Router {
	r := &Router{
		byListener: map[bwsconfig.ListenKey]map[string]*bwsconfig.Site{},
		defaults:   map[bwsconfig.ListenKey]*bwsconfig.Site{},
	}
	for i := range sites {
		s := &sites[i]
		key := s.Key()
		if r.byListener[key] == nil {
			r.byListener[key] = map[string]*bwsconfig.Site{}
		}
		for _, h := range s.Hostnames {
			r.byListener[key][normalizeHost(h)] = s
		}
		if s.Default {
			r.defaults[key] = s
		}
	}
	return r
}

// Route resolves (listener, hostHeader) to a Site: normalize, exact-
// match the index, fall back to the listener's default, else fail
// with NoSiteMatched.
func (r *Router) Route(listener bwsconfig.ListenKey, hostHeader string) (*bwsconfig.Site, error) {
	host := normalizeHost(hostHeader)

	if sites, ok := r.byListener[listener]; ok {
		if site, ok := sites[host]; ok {
			return site, nil
		}
	}
	if def, ok := r.defaults[listener]; ok {
		return def, nil
	}
	return nil, bwserrors.ErrNoSiteMatched
}

// normalizeHost strips any :port suffix and folds the remaining label
// to its canonical ASCII (punycode) form via idna.Lookup, the same
// profile net/http's own server uses for Host-header comparison, so
// a Unicode hostname in config and a client sending its ASCII form
// compare equal. Falls back to a plain lowercase trim for inputs
// idna rejects outright (empty host, a bare IP literal).
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
