package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	healthcheck "github.com/vladislavdragonenkov/reseller/internal/health"
	"github.com/vladislavdragonenkov/reseller/internal/version"
)

func TestStartMetricsServer_Endpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.NewFuncChecker("storage", func(context.Context) error { return nil }))
	srv := startMetricsServer(ctx, "127.0.0.1:0", testLogger(), healthHandler)
	defer shutdownHTTP(srv, testLogger())

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/metrics", wantCode: http.StatusOK},
		{path: "/healthz", wantCode: http.StatusOK},
		{path: "/livez", wantCode: http.StatusOK, wantBody: "ok"},
		{path: "/readyz", wantCode: http.StatusOK, wantBody: "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d", tt.wantCode, w.Code)
			}
			body, _ := io.ReadAll(w.Body)
			if len(body) == 0 {
				t.Fatal("expected non-empty body")
			}
			if tt.wantBody != "" && string(body) != tt.wantBody {
				t.Errorf("expected %q, got %q", tt.wantBody, string(body))
			}
		})
	}
}

func TestStartMetricsServer_NotReadyWhenStorageDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler("test")
	healthHandler.RegisterChecker("storage", healthcheck.NewFuncChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	srv := startMetricsServer(ctx, "127.0.0.1:0", testLogger(), healthHandler)
	defer shutdownHTTP(srv, testLogger())

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestShutdownHTTP_NilServer(t *testing.T) {
	shutdownHTTP(nil, testLogger())
}
