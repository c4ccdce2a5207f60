// Command edge-guard runs beside an SRS edge and exposes the client API to
// the session engine behind a bearer token. Point PAYSTREAM_EDGE_API_PORT at
// its listener and PAYSTREAM_EDGE_API_TOKEN at the shared token.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"paystream/internal/observability/logging"
	"paystream/internal/observability/metrics"
	"paystream/internal/serverutil"
)

const (
	defaultBind     = ":1986"
	defaultUpstream = "http://127.0.0.1:1985/"
)

// allowedPrefixes are the SRS API paths the session engine calls.
var allowedPrefixes = []string{"/api/v1/clients/", "/api/v1/streams/"}

type guard struct {
	token  string
	proxy  *httputil.ReverseProxy
	logger *slog.Logger

	mu          sync.Mutex
	lastErr     error
	lastErrAt   time.Time
	lastSuccess time.Time
}

func main() {
	_ = godotenv.Load()
	logger := logging.WithComponent(logging.Init(logging.Config{
		Level:  envOrDefault("EDGE_GUARD_LOG_LEVEL", "info"),
		Format: string(logging.FormatJSON),
	}), "edge-guard")

	upstream, err := url.Parse(envOrDefault("EDGE_GUARD_UPSTREAM", defaultUpstream))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		logger.Error("EDGE_GUARD_UPSTREAM must include scheme and host", "error", err)
		os.Exit(1)
	}
	token := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_API_TOKEN"))
	if token == "" {
		logger.Error("PAYSTREAM_EDGE_API_TOKEN must be set")
		os.Exit(1)
	}

	recorder := metrics.New()
	g := newGuard(token, upstream, &http.Client{Timeout: 15 * time.Second}, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", g.healthz)
	mux.Handle("/api/", g)

	handler := http.Handler(mux)
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)

	server := &http.Server{
		Addr:              envOrDefault("EDGE_GUARD_BIND", defaultBind),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("edge guard listening", "bind", server.Addr, "upstream", upstream.String())
	if err := serverutil.Run(ctx, serverutil.Config{Server: server, ShutdownTimeout: 10 * time.Second, Logger: logger}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("edge guard stopped")
}

func newGuard(token string, upstream *url.URL, client *http.Client, logger *slog.Logger) *guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &guard{token: token, logger: logger}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	if client != nil && client.Transport != nil {
		proxy.Transport = client.Transport
	}
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Del("Authorization")
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode >= http.StatusInternalServerError {
			g.record(fmt.Errorf("upstream status %d", resp.StatusCode))
		} else {
			g.record(nil)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.record(err)
		g.logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}
	g.proxy = proxy
	return g
}

func (g *guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowedPath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	if !g.authorized(r.Header.Get("Authorization")) {
		g.logger.Warn("unauthorized request rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	g.proxy.ServeHTTP(w, r)
}

func allowedPath(path string) bool {
	if strings.Contains(path, "..") {
		return false
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *guard) authorized(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	token = strings.TrimSpace(token)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) == 1
}

func (g *guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.lastErr = err
		g.lastErrAt = time.Now()
		return
	}
	g.lastErr = nil
	g.lastSuccess = time.Now()
}

func (g *guard) healthz(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	lastErr, errAt, lastSuccess := g.lastErr, g.lastErrAt, g.lastSuccess
	g.mu.Unlock()

	status := http.StatusOK
	payload := map[string]any{"status": "ok", "lastSuccess": lastSuccess}
	if lastErr != nil {
		status = http.StatusServiceUnavailable
		payload["status"] = "degraded"
		payload["upstreamError"] = lastErr.Error()
		payload["upstreamErrorAt"] = errAt
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
