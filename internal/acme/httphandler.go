package acme

import (
	"net/http"
	"strings"
)

// ChallengePathPrefix is the route mounted on every site whose
// SslConfig is Auto, on the plain-HTTP listener.
const ChallengePathPrefix = "/.well-known/acme-challenge/"

// HTTPHandler answers the ACME HTTP-01 validation request directly
// from the ChallengeTable, adapted from Caddy's
// caddytls/httphandler.go (same contract: token in path, key
// authorization in body, Content-Type text/plain, 404 if unknown).
type HTTPHandler struct {
	Table *ChallengeTable
}

func (h HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, ChallengePathPrefix) {
		return false
	}
	token := strings.TrimPrefix(r.URL.Path, ChallengePathPrefix)
	keyAuth, ok := h.Table.Get(token)
	if !ok {
		http.NotFound(w, r)
		return true
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
	return true
}
