package api

import (
	"context"
	"log/slog"

	"paystream/internal/observability/logging"
	"paystream/internal/observability/metrics"
	"paystream/internal/session"
)

// Pinger is implemented by dependencies that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe is a named health check reported by /healthz.
type Probe struct {
	Name string
	Ping func(ctx context.Context) error
}

// SegmentResolver turns the segment path of an on_hls callback into a URL
// reachable from this service.
type SegmentResolver interface {
	SegmentURL(edgeAddr, segment string) string
}

// ActivityRecorder records a viewer heartbeat for a session.
type ActivityRecorder interface {
	Activity(ctx context.Context, sessionID, token string) error
}

// Handler serves the edge callback and operational endpoints.
type Handler struct {
	Resolver  *session.Resolver
	Segments  SegmentResolver
	Viewers   ActivityRecorder
	Store     Pinger
	Probes    []Probe
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	HookToken string
}

// NewHandler returns a Handler resolving sessions through resolver.
func NewHandler(resolver *session.Resolver, store Pinger) *Handler {
	return &Handler{Resolver: resolver, Store: store}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(ctx, base)
}
