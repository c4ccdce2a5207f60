package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/0b8f6a3e-1c4e-4d1b-9b6e-0d2a5c7b9e11", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/sessions/:id", "418"))
	if got != 1 {
		t.Fatalf("expected one normalized request sample, got %v", got)
	}
}

func TestHTTPMiddlewareSkipsMetricsEndpoint(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, recorder.Handler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rr.Code)
	}
	if n := testutil.CollectAndCount(recorder.requests); n != 0 {
		t.Fatalf("expected scrape to be excluded, got %d series", n)
	}
}

func TestHandlerExposesDomainCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveHook("on_publish", 0)
	recorder.ObserveQuota(10_000, nil)
	recorder.ObserveQuota(0, errors.New("tx aborted"))
	recorder.ObserveKick(nil)
	recorder.ObserveReconcilePass(1, 2, 0, 50*time.Millisecond)

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	body := string(data)

	for _, want := range []string{
		`paystream_ingest_hooks_total{action="on_publish",code="0"} 1`,
		`paystream_quota_charged_millisats_total 10000`,
		`paystream_quota_ticks_total{outcome="failed"} 1`,
		`paystream_edge_kicks_total{outcome="ok"} 1`,
		`paystream_reconcile_sessions_total{action="refreshed"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected exposition to contain %q", want)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveHook("on_hls", 1)
	recorder.ObserveQuota(1, nil)
	recorder.SetLiveSessions(3)
	if recorder.Registry() != nil {
		t.Fatal("expected nil registry from nil recorder")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                 "/",
		"/api/srs":         "/api/srs",
		"/api/srs/":        "/api/srs",
		"/sessions/123/ok": "/sessions/:id/ok",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
