// Package routing implements Route matching: longest-prefix match on
// the request path, ties broken by configuration order. Shared by the
// HTTP proxy and WebSocket proxy handlers since both dispatch through
// the same Route table.
package routing

import "github.com/benliao/bws/internal/bwsconfig"

// Match returns the best-matching route for path, or false if no
// route's PathPrefix is a prefix of path.
func Match(routes []bwsconfig.Route, path string) (bwsconfig.Route, bool) {
	var best bwsconfig.Route
	found := false
	bestLen := -1
	for _, r := range routes {
		if !hasPrefix(path, r.PathPrefix) {
			continue
		}
		if len(r.PathPrefix) > bestLen {
			best = r
			bestLen = len(r.PathPrefix)
			found = true
		}
	}
	return best, found
}

func hasPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}
