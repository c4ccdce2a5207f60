package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"paystream/internal/presence"
)

func TestPresenceRecordsViewers(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	counter := presence.NewCounter(presence.WithClock(func() time.Time { return now }))
	handler := &Handler{Viewers: counter}

	for _, token := range []string{"a", "b", "a"} {
		req := httptest.NewRequest(http.MethodPost, "/api/presence?session=s1&token="+token, nil)
		rec := httptest.NewRecorder()
		handler.Presence(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
	}
	got, err := counter.Current(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2 distinct viewers, got %d", got)
	}
}

func TestPresenceRejectsBadRequests(t *testing.T) {
	handler := &Handler{Viewers: presence.NewCounter()}
	cases := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"wrong method", http.MethodGet, "/api/presence?session=s1&token=a", http.StatusMethodNotAllowed},
		{"missing token", http.MethodPost, "/api/presence?session=s1", http.StatusBadRequest},
		{"missing session", http.MethodPost, "/api/presence?token=a", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.Presence(rec, httptest.NewRequest(tc.method, tc.target, nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	(&Handler{}).Presence(rec, httptest.NewRequest(http.MethodPost, "/api/presence?session=s1&token=a", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a tracker, got %d", rec.Code)
	}
}
