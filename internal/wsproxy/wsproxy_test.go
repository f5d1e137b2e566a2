package wsproxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/upstream"
)

func TestIsUpgrade_ValidRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	assert.True(t, IsUpgrade(req))
}

func TestIsUpgrade_RejectsPlainRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.False(t, IsUpgrade(req))
}

func TestIsUpgrade_RejectsBadKeyLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dG9vc2hvcnQ=")

	assert.False(t, IsUpgrade(req))
}

// echoWSBackend starts a raw TCP listener that performs a minimal
// WebSocket handshake and echoes whatever bytes it receives
// afterward, so the Handler can be exercised end to end without a
// real websocket client library.
func echoWSBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_ = buf[:n] // upgrade request consumed, headers intentionally ignored

		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"))

		io := make([]byte, 1024)
		for {
			n, err := conn.Read(io)
			if err != nil {
				return
			}
			if _, err := conn.Write(io[:n]); err != nil {
				return
			}
		}
	}()
	return ln
}

func TestHandler_EchoesAfterUpgrade(t *testing.T) {
	ln := echoWSBackend(t)
	defer ln.Close()

	group := bwsconfig.UpstreamGroup{
		Name:    "ws-echo",
		Servers: []bwsconfig.UpstreamServer{{URL: "http://" + ln.Addr().String(), Weight: 1}},
	}
	pool, err := upstream.NewPool(group, bwsconfig.LBRoundRobin)
	require.NoError(t, err)

	h := New(pool, 2*time.Second)

	frontend := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer frontend.Close()

	frontendAddr := frontend.Listener.Addr().String()
	conn, err := net.DialTimeout("tcp", frontendAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ws HTTP/1.1\r\n" +
		"Host: " + frontendAddr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	statusLine := make([]byte, 128)
	n, err := conn.Read(statusLine)
	require.NoError(t, err)
	assert.Contains(t, string(statusLine[:n]), "101")

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	echoBuf := make([]byte, 16)
	n, err = conn.Read(echoBuf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoBuf[:n]))

	assert.Eventually(t, func() bool {
		return pool.Servers()[0].ActiveConnections() >= 0
	}, time.Second, 10*time.Millisecond)
}
