package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"tun2socks5/internal/config"
	"tun2socks5/internal/orchestrator"
)

func TestServer_HealthzReturnsOK(t *testing.T) {
	orch := orchestrator.New(&config.Config{}, nil)
	srv := New(":0", orch, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_StatsReturnsJSON(t *testing.T) {
	orch := orchestrator.New(&config.Config{}, nil)
	srv := New(":0", orch, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	srv.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected a Content-Type header, got none")
	}
}
