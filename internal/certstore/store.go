// Package certstore implements an in-memory SNI -> Certificate map,
// published behind an atomic pointer so TLS handshakes (readers)
// never block ACME issuance or renewal (the writer), adapted from the
// copy-on-write configGroup lookup in Caddy's
// caddytls/handshake.go (configGroup.getConfig), here keyed on
// certificates directly rather than whole site configs.
package certstore

import (
	"crypto/tls"
	"strings"
	"sync/atomic"
	"time"
)

// Certificate is the store's value type.
type Certificate struct {
	Chain    [][]byte // DER, leaf first
	Leaf     *tls.Certificate
	NotAfter time.Time
	Names    []string // leaf CommonName (if any) then DNS SANs; Install keys the store by its own names argument

	// OCSPStaple and OCSPNextUpdate are populated only when a staple
	// was loaded for this certificate (see ApplyOCSPStaple); both are
	// zero otherwise. The worker's TLS handshake does not yet serve
	// the staple, so these fields are metadata only for now.
	OCSPStaple     []byte
	OCSPNextUpdate time.Time
}

// snapshot is the immutable mapping readers see. A new snapshot
// replaces the old one atomically on every install; in-flight
// handshakes keep their own reference to whichever snapshot they
// loaded at handshake start.
type snapshot struct {
	byName   map[string]*Certificate // exact match, lower-cased
	wildcard map[string]*Certificate // "*.example.com" -> cert, keyed by the suffix "example.com"
	fallback *Certificate
}

// Store is the shared Certificate Store. The zero value is usable.
type Store struct {
	snap atomic.Pointer[snapshot]
}

// New returns an empty, ready-to-use Store.
func New() *Store {
	s := &Store{}
	s.snap.Store(&snapshot{byName: map[string]*Certificate{}, wildcard: map[string]*Certificate{}})
	return s
}

// Lookup resolves sni: case-insensitive exact match, then
// single-label wildcard ("*.example.com" matches "foo.example.com"
// but not "a.b.example.com"), then the configured wildcard fallback.
func (s *Store) Lookup(sni string) (*Certificate, bool) {
	snap := s.snap.Load()
	name := strings.ToLower(strings.TrimSuffix(sni, "."))

	if cert, ok := snap.byName[name]; ok {
		return cert, true
	}

	if i := strings.IndexByte(name, '.'); i >= 0 {
		// Single-label wildcard: only the leading label is replaced,
		// so "a.b.example.com" must NOT match "*.example.com".
		suffix := name[i+1:]
		if cert, ok := snap.wildcard[suffix]; ok {
			return cert, true
		}
	}

	if snap.fallback != nil {
		return snap.fallback, true
	}
	return nil, false
}

// Install publishes cert under names, atomically replacing any
// previously-installed entries that overlap those names. Installing
// the same (names, cert) pair twice is idempotent: the second install
// simply republishes an equivalent entry, never duplicating it,
// because the store is a map keyed by name, not an append-only log.
func (s *Store) Install(names []string, cert *Certificate) {
	old := s.snap.Load()
	next := &snapshot{
		byName:   make(map[string]*Certificate, len(old.byName)+len(names)),
		wildcard: make(map[string]*Certificate, len(old.wildcard)),
		fallback: old.fallback,
	}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	for k, v := range old.wildcard {
		next.wildcard[k] = v
	}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSuffix(n, "."))
		if strings.HasPrefix(n, "*.") {
			next.wildcard[strings.TrimPrefix(n, "*.")] = cert
		} else {
			next.byName[n] = cert
		}
	}
	s.snap.Store(next)
}

// SetFallback installs (or clears, with nil) the store-wide wildcard
// fallback certificate used when no name-specific entry matches.
func (s *Store) SetFallback(cert *Certificate) {
	old := s.snap.Load()
	next := &snapshot{byName: old.byName, wildcard: old.wildcard, fallback: cert}
	s.snap.Store(next)
}

// All returns every distinct certificate currently installed. The
// returned slice is a point-in-time copy; mutating it has no effect on
// the store.
func (s *Store) All() []*Certificate {
	snap := s.snap.Load()
	seen := map[*Certificate]bool{}
	var out []*Certificate
	collect := func(c *Certificate) {
		if c != nil && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range snap.byName {
		collect(c)
	}
	for _, c := range snap.wildcard {
		collect(c)
	}
	collect(snap.fallback)
	return out
}

// GetCertificate adapts Lookup to the crypto/tls.Config.GetCertificate
// callback signature, the way caddytls.Config.GetCertificate does,
// so a Store can be wired directly into a tls.Config.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, ok := s.Lookup(hello.ServerName)
	if !ok || cert.Leaf == nil {
		return nil, errNoCertForSNI(hello.ServerName)
	}
	return cert.Leaf, nil
}
