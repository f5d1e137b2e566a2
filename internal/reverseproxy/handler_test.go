package reverseproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/upstream"
)

func TestHandler_ForwardsAndSetsHeaders(t *testing.T) {
	var gotXFF, gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotHost = r.Host
		w.Header().Set("Connection", "keep-alive") // hop-by-hop, must be stripped downstream
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	group := bwsconfig.UpstreamGroup{Name: "g", Servers: []bwsconfig.UpstreamServer{{URL: backend.URL, Weight: 1}}}
	pool, err := upstream.NewPool(group, bwsconfig.LBRoundRobin)
	require.NoError(t, err)

	h := New(pool, Options{
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		AddXForwarded:  true,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "10.0.0.5", gotXFF)
	assert.NotEmpty(t, gotHost)
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Equal(t, int64(0), pool.Servers()[0].ActiveConnections())
}

func TestHandler_NoUpstreamAvailableReturns502(t *testing.T) {
	pool, err := upstream.NewPool(bwsconfig.UpstreamGroup{Name: "empty"}, bwsconfig.LBRoundRobin)
	require.NoError(t, err)
	h := New(pool, Options{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandler_StripPrefix(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	group := bwsconfig.UpstreamGroup{Name: "g", Servers: []bwsconfig.UpstreamServer{{URL: backend.URL, Weight: 1}}}
	pool, err := upstream.NewPool(group, bwsconfig.LBRoundRobin)
	require.NoError(t, err)

	h := New(pool, Options{PathPrefix: "/api", StripPrefix: true, ConnectTimeout: 2 * time.Second, ReadTimeout: 2 * time.Second})

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "/ping", gotPath)
}
