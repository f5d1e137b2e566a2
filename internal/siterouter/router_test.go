package siterouter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/bwserrors"
)

func testSites() []bwsconfig.Site {
	return []bwsconfig.Site{
		{Name: "main", ListenHost: "0.0.0.0", ListenPort: 80, Hostnames: []string{"example.test"}, Default: true},
		{Name: "api", ListenHost: "0.0.0.0", ListenPort: 80, Hostnames: []string{"api.example.test"}},
		{Name: "other-port", ListenHost: "0.0.0.0", ListenPort: 8080, Hostnames: []string{"example.test"}},
	}
}

func TestRoute_ExactHostnameMatch(t *testing.T) {
	r := NewRouter(testSites())

	site, err := r.Route(bwsconfig.ListenKey{Host: "0.0.0.0", Port: 80}, "api.example.test")
	assert.NoError(t, err)
	assert.Equal(t, "api", site.Name)
}

func TestRoute_StripsPortAndLowercasesHost(t *testing.T) {
	r := NewRouter(testSites())

	site, err := r.Route(bwsconfig.ListenKey{Host: "0.0.0.0", Port: 80}, "API.EXAMPLE.TEST:8443")
	assert.NoError(t, err)
	assert.Equal(t, "api", site.Name)
}

func TestRoute_FallsBackToDefaultSite(t *testing.T) {
	r := NewRouter(testSites())

	site, err := r.Route(bwsconfig.ListenKey{Host: "0.0.0.0", Port: 80}, "unknown.test")
	assert.NoError(t, err)
	assert.Equal(t, "main", site.Name)
}

func TestRoute_NoDefaultAndNoMatchFails(t *testing.T) {
	r := NewRouter(testSites())

	_, err := r.Route(bwsconfig.ListenKey{Host: "0.0.0.0", Port: 8080}, "unknown.test")
	assert.ErrorIs(t, err, bwserrors.ErrNoSiteMatched)
}

func TestRoute_SameHostnameDifferentListenersAreIndependent(t *testing.T) {
	r := NewRouter(testSites())

	site, err := r.Route(bwsconfig.ListenKey{Host: "0.0.0.0", Port: 8080}, "example.test")
	assert.NoError(t, err)
	assert.Equal(t, "other-port", site.Name)
}

func TestRoute_UnicodeHostMatchesPunycodeConfig(t *testing.T) {
	sites := []bwsconfig.Site{
		{Name: "intl", ListenHost: "0.0.0.0", ListenPort: 80, Hostnames: []string{"xn--mller-kva.test"}},
	}
	r := NewRouter(sites)

	site, err := r.Route(bwsconfig.ListenKey{Host: "0.0.0.0", Port: 80}, "müller.test")
	assert.NoError(t, err)
	assert.Equal(t, "intl", site.Name)
}
