package server

import (
	"log/slog"
	"net/http"
	"time"

	"paystream/internal/api"
	"paystream/internal/observability/logging"
	"paystream/internal/observability/metrics"
)

// Config holds the listener address and shared instrumentation.
type Config struct {
	Addr    string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// New builds the http.Server exposing the edge callback, health and metrics
// endpoints.
func New(handler *api.Handler, cfg Config) *http.Server {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           Routes(handler, recorder, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Routes returns the mux wrapped in the middleware chain.
func Routes(handler *api.Handler, recorder *metrics.Recorder, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/srs", handler.SRSHook)
	mux.HandleFunc("/api/presence", handler.Presence)
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())

	chain := http.Handler(mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(chain)
	return chain
}
