package supervisor

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort binds an ephemeral port, closes it immediately, and
// returns the port number, so a test can reuse that exact port across
// two generations of a config instead of letting build() pick one.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "bws.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func staticSiteConfig(staticDir string, port int) string {
	return fmt.Sprintf(`
server:
  name: test-server
sites:
  - name: main
    hostname: example.test
    host: 127.0.0.1
    port: %d
    default: true
    static_dir: %q
`, port, staticDir)
}

func TestSupervisorBuild_BootsOneWorkerPerListener(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0o644))
	cfgPath := writeConfig(t, dir, staticSiteConfig(dir, 0))

	s := New(cfgPath)
	s.AcmeStorageDir = filepath.Join(dir, "acme-data")
	b, err := s.build(nil)
	require.NoError(t, err)
	defer closeWorkerListeners(b.workers)

	assert.Len(t, b.workers, 1)
	assert.Equal(t, "test-server", b.cfg.ServerName)
}

func TestSupervisorBuild_InvalidConfigReturnsError(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "sites:\n  - name: bad\n")

	s := New(cfgPath)
	s.AcmeStorageDir = filepath.Join(dir, "acme-data")
	_, err := s.build(nil)
	assert.Error(t, err)
}

func TestSupervisorReload_ServesNewConfigAndDrainsOld(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v1"), 0o644))
	cfgPath := writeConfig(t, dir, staticSiteConfig(dir, 0))

	s := New(cfgPath)
	s.AcmeStorageDir = filepath.Join(dir, "acme-data")
	built, err := s.build(nil)
	require.NoError(t, err)
	s.commit(built)
	s.startServing(built)
	defer s.drainAndStop()

	addr := built.workers[0].ln.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v2"), 0o644))
	require.NoError(t, s.Reload())
	assert.Equal(t, StateRunning, s.State())

	s.mu.Lock()
	newAddr := s.workers[0].ln.Addr().String()
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + newAddr + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body := make([]byte, 2)
		_, _ = resp.Body.Read(body)
		return string(body) == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSupervisorReload_ReusesListenerOnUnchangedPort(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v1"), 0o644))

	port := freePort(t)
	cfgPath := writeConfig(t, dir, staticSiteConfig(dir, port))
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	s := New(cfgPath)
	s.AcmeStorageDir = filepath.Join(dir, "acme-data")
	built, err := s.build(nil)
	require.NoError(t, err)
	s.commit(built)
	s.startServing(built)
	defer s.drainAndStop()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v2"), 0o644))

	// Reload with the exact same listen address as the running
	// generation: without fd handoff this fails with "address already
	// in use" since the previous generation's socket is still open.
	require.NoError(t, s.Reload())
	assert.Equal(t, StateRunning, s.State())

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}

func proxySiteConfig(backendURL string, port int) string {
	return fmt.Sprintf(`
server:
  name: test-server
sites:
  - name: api
    hostname: api.test
    host: 127.0.0.1
    port: %d
    default: true
    proxy:
      enabled: true
      upstreams:
        - name: backend
          url: %q
          weight: 1
      routes:
        - path: /
          upstream: backend
`, port, backendURL)
}

func TestSupervisorBuild_WiresProxyRouteHandlers(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte("from-backend"))
	}))
	defer backend.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, proxySiteConfig(backend.URL, 0))

	s := New(cfgPath)
	s.AcmeStorageDir = filepath.Join(dir, "acme-data")
	built, err := s.build(nil)
	require.NoError(t, err)
	s.commit(built)
	s.startServing(built)
	defer s.drainAndStop()

	addr := built.workers[0].ln.Addr().String()

	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
		if err != nil {
			return false
		}
		req.Host = "api.test"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "from-backend"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSupervisor_StateTransitionsThroughDrain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0o644))
	cfgPath := writeConfig(t, dir, staticSiteConfig(dir, 0))

	s := New(cfgPath)
	s.AcmeStorageDir = filepath.Join(dir, "acme-data")
	built, err := s.build(nil)
	require.NoError(t, err)
	s.commit(built)
	s.startServing(built)

	assert.NoError(t, s.drainAndStop())
	assert.Equal(t, StateTerminated, s.State())
}
