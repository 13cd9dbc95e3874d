package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ipfs-proxy/gateway"
)

const (
	textHash  = "QmT78zSuBmuS4z925WZfrqQ1qHaJ56DQaTfyMUF7F8ff5o"
	imageHash = "QmNrhZHUaEqxhyLfqoq1mtHSipkWHeT31LNHb1QEbDHgnc"
)

func newUpstream(t *testing.T, calls *atomic.Int32, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, cfg Config) (*Server, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := New(cfg)
	require.NoError(t, err)
	return s, &logs
}

func TestServer_ProxyEndToEnd(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, &calls, "image/png", "png-bytes")

	s, logs := newTestServer(t, Config{
		Version: "1.2.3",
		Gateway: gateway.Config{Fallbacks: []string{upstream.URL}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?hash="+imageHash, nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "png-bytes", rec.Body.String())
	require.Equal(t, gateway.CacheImmutable, rec.Header().Get("Cache-Control"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	require.EqualValues(t, 1, calls.Load())

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		if m["msg"] == "http request" {
			entry = m
		}
	}
	require.NotNil(t, entry, "request log line")
	require.Equal(t, "req-1", entry["request_id"])
	require.Equal(t, "proxy", entry["route"])
	require.Equal(t, "served", entry["outcome"])
	require.EqualValues(t, 200, entry["status"])
	require.EqualValues(t, 1, entry["attempts"])
}

func TestServer_ClientCanceledIsNotLoggedAsSuccess(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)

	s, logs := newTestServer(t, Config{Gateway: gateway.Config{Fallbacks: []string{slow.URL}}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?hash="+textHash, nil).WithContext(ctx)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		if m["msg"] == "http request" {
			entry = m
		}
	}
	require.NotNil(t, entry, "request log line")
	require.EqualValues(t, gateway.StatusClientClosedRequest, entry["status"])
	require.Equal(t, "4xx", entry["status_class"])
	require.Equal(t, "canceled", entry["outcome"])
}

func TestServer_HeadRequest(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, &calls, "text/plain", "hello")

	s, _ := newTestServer(t, Config{Gateway: gateway.Config{Fallbacks: []string{upstream.URL}}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/api/proxy?hash="+textHash, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
	require.EqualValues(t, 1, calls.Load())
}

func TestServer_Preflight(t *testing.T) {
	s, _ := newTestServer(t, Config{APIKey: "secret", Gateway: gateway.Config{Fallbacks: []string{}}})

	for _, path := range []string{"/api/proxy", "/api/image", "/health"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, path, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			require.Empty(t, rec.Body.String())
			require.Equal(t, corsAllowMethods, rec.Header().Get("Access-Control-Allow-Methods"))
			require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
			require.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
		})
	}
}

func TestServer_CORSAllowList(t *testing.T) {
	s, _ := newTestServer(t, Config{
		AllowedOrigins: []string{"https://*.example.com"},
		Gateway:        gateway.Config{Fallbacks: []string{}},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/proxy", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", rec.Header().Get("Vary"))

	req.Header.Set("Origin", "https://example.org")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_GateRejectsWithEnvelope(t *testing.T) {
	var calls atomic.Int32
	upstream := newUpstream(t, &calls, "text/plain", "hello")
	s, _ := newTestServer(t, Config{APIKey: "secret", Gateway: gateway.Config{Fallbacks: []string{upstream.URL}}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy?hash="+textHash, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), "CORS headers on rejections")
	require.EqualValues(t, 0, calls.Load())

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?hash="+textHash, nil)
	req.Header.Set(APIKeyHeader, "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, Config{Gateway: gateway.Config{Fallbacks: []string{}}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/proxy?hash="+textHash, nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	s, logs := newTestServer(t, Config{Gateway: gateway.Config{Fallbacks: []string{}}})
	handler := s.loggingMiddleware(s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Internal Server Error", body["error"])
	require.Contains(t, logs.String(), "panic serving request")
}

func TestServer_DebugDisabledByDefault(t *testing.T) {
	s, _ := newTestServer(t, Config{Gateway: gateway.Config{Fallbacks: []string{}}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/debug?hash="+textHash, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MetricsRouteRegistered(t *testing.T) {
	s, _ := newTestServer(t, Config{Gateway: gateway.Config{Fallbacks: []string{}}})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code, "prometheus export disabled in tests")
}

func TestNew_Defaults(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	require.Equal(t, ":8080", s.Address())
	require.Equal(t, "dev", s.config.Version)
}
