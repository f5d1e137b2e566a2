package admin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandler_HealthzOKWithoutAPIKey(t *testing.T) {
	h := New("", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandler_RejectsNonLoopbackPeer(t *testing.T) {
	h := New("", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_RejectsMissingAPIKey(t *testing.T) {
	h := New("secret-token", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_AcceptsCorrectAPIKey(t *testing.T) {
	h := New("secret-token", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-API-Key", "secret-token")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ReloadRequiresPost(t *testing.T) {
	h := New("", func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/api/config/reload", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ReloadSurfacesFailure(t *testing.T) {
	h := New("", func() error { return errors.New("invalid upstream url") })

	req := httptest.NewRequest(http.MethodPost, "/api/config/reload", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid upstream url")
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("::1"))
	assert.True(t, IsLoopback("localhost"))
	assert.False(t, IsLoopback("0.0.0.0"))
	assert.False(t, IsLoopback("10.0.0.5"))
}
