package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-chat-bridge/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/pool"
	"github.com/fairyhunter13/ai-chat-bridge/internal/service/rendezvous"
	"github.com/fairyhunter13/ai-chat-bridge/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , , "))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{
		AppEnv:          "test",
		OTELServiceName: "ai-chat-bridge",
		ResponseWait:    time.Second,
	}
	reg := pool.NewRegistry(0, time.Minute)
	tbl := rendezvous.NewTable()
	srv := httpserver.NewServer(cfg, usecase.NewDispatchService(reg, tbl, 50*time.Millisecond, time.Second), reg, tbl)
	wsStub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	return BuildRouter(cfg, srv, wsStub)
}

func TestRouter_Routes(t *testing.T) {
	t.Parallel()
	h := newRouter(t)

	for _, path := range []string{"/", "/health", "/stats", "/v1/models", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_RequestIDAndSecurityHeaders(t *testing.T) {
	t.Parallel()
	h := newRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouter_CompletionsWithoutWorkers(t *testing.T) {
	t.Parallel()
	h := newRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_WSRouteMounted(t *testing.T) {
	t.Parallel()
	h := newRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}
