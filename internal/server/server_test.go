package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"paystream/internal/api"
	"paystream/internal/observability/metrics"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestRoutesServeHealthAndMetrics(t *testing.T) {
	recorder := metrics.New()
	handler := api.NewHandler(nil, pinger{})
	handler.Metrics = recorder
	srv := httptest.NewServer(Routes(handler, recorder, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}

	resp, err = http.Post(srv.URL+"/api/srs", "application/json", strings.NewReader(`{"action":"on_publish"}`))
	if err != nil {
		t.Fatalf("POST /api/srs: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"code":2`) {
		t.Fatalf("expected invalid request reply, got %s", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "paystream_") {
		t.Fatalf("expected paystream metrics, got %s", body)
	}
}

func TestRoutesReportDegradedStore(t *testing.T) {
	handler := api.NewHandler(nil, pinger{err: errors.New("db down")})
	rec := httptest.NewRecorder()
	Routes(handler, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil))).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestNewConfiguresTimeouts(t *testing.T) {
	srv := New(api.NewHandler(nil, pinger{}), Config{Addr: ":0"})
	if srv.Addr != ":0" || srv.ReadHeaderTimeout == 0 || srv.Handler == nil {
		t.Fatalf("unexpected server %+v", srv)
	}
}
