package certstore

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup_ExactMatch(t *testing.T) {
	s := New()
	cert := &Certificate{Leaf: &tls.Certificate{}, Names: []string{"example.test"}}
	s.Install([]string{"example.test"}, cert)

	got, ok := s.Lookup("EXAMPLE.TEST")
	assert.True(t, ok)
	assert.Same(t, cert, got)
}

func TestLookup_SingleLabelWildcard(t *testing.T) {
	s := New()
	cert := &Certificate{Leaf: &tls.Certificate{}}
	s.Install([]string{"*.example.test"}, cert)

	got, ok := s.Lookup("foo.example.test")
	assert.True(t, ok)
	assert.Same(t, cert, got)

	_, ok = s.Lookup("a.b.example.test")
	assert.False(t, ok, "wildcard must not match a second subdomain label")
}

func TestLookup_FallsBackToWildcardFallback(t *testing.T) {
	s := New()
	fallback := &Certificate{Leaf: &tls.Certificate{}}
	s.SetFallback(fallback)

	got, ok := s.Lookup("anything.test")
	assert.True(t, ok)
	assert.Same(t, fallback, got)
}

func TestLookup_NoMatchNoFallback(t *testing.T) {
	s := New()
	_, ok := s.Lookup("nothing.test")
	assert.False(t, ok)
}

func TestInstall_IsIdempotent(t *testing.T) {
	s := New()
	cert := &Certificate{Leaf: &tls.Certificate{}}
	s.Install([]string{"example.test"}, cert)
	s.Install([]string{"example.test"}, cert)

	assert.Len(t, s.All(), 1)
}

func TestInstall_ReplacesOverlappingNames(t *testing.T) {
	s := New()
	first := &Certificate{Leaf: &tls.Certificate{}}
	second := &Certificate{Leaf: &tls.Certificate{}}
	s.Install([]string{"example.test"}, first)
	s.Install([]string{"example.test"}, second)

	got, ok := s.Lookup("example.test")
	assert.True(t, ok)
	assert.Same(t, second, got)
}

func TestGetCertificate_UnknownSNIReturnsError(t *testing.T) {
	s := New()
	_, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.test"})
	assert.Error(t, err)
}

func TestGetCertificate_KnownSNIReturnsLeaf(t *testing.T) {
	s := New()
	leaf := &tls.Certificate{}
	cert := &Certificate{Leaf: leaf}
	s.Install([]string{"example.test"}, cert)

	got, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.test"})
	assert.NoError(t, err)
	assert.Same(t, leaf, got)
}
