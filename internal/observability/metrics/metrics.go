package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paystream"

// Recorder owns a private Prometheus registry with the counters and gauges
// emitted by the session engine. A nil *Recorder is valid and records nothing
// so components can be constructed without metrics in tests.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	hooks           *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
	liveSessions    prometheus.Gauge
	quotaTicks      *prometheus.CounterVec
	quotaCharged    prometheus.Counter
	lowBalance      prometheus.Counter
	edgeKicks       *prometheus.CounterVec
	relayPublishes  *prometheus.CounterVec
	dvrSegments     *prometheus.CounterVec
	reconcilePasses prometheus.Counter
	reconcileResult *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
}

var defaultRecorder = New()

// New constructs a Recorder with all collectors registered on a fresh
// registry alongside the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		hooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_hooks_total",
			Help:      "Ingest webhook callbacks by action and reply code.",
		}, []string{"action", "code"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session lifecycle transitions by target state.",
		}, []string{"state"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Sessions seen Live by the last reconcile pass.",
		}),
		quotaTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_ticks_total",
			Help:      "Metering ticks by outcome.",
		}, []string{"outcome"}),
		quotaCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_charged_millisats_total",
			Help:      "Milli-sats debited from owner balances.",
		}),
		lowBalance: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_balance_alerts_total",
			Help:      "Low balance warnings broadcast to session chat.",
		}),
		edgeKicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_kicks_total",
			Help:      "Forced disconnect calls issued to edge nodes.",
		}, []string{"outcome"}),
		relayPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publishes_total",
			Help:      "Event writes to relays by outcome.",
		}, []string{"outcome"}),
		dvrSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dvr_segments_total",
			Help:      "DVR segment uploads by outcome.",
		}, []string{"outcome"}),
		reconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Completed reconciliation passes.",
		}),
		reconcileResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sessions_total",
			Help:      "Sessions handled by the reconciler by action.",
		}, []string{"action"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Time spent in one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.hooks,
		r.lifecycle,
		r.liveSessions,
		r.quotaTicks,
		r.quotaCharged,
		r.lowBalance,
		r.edgeKicks,
		r.relayPublishes,
		r.dvrSegments,
		r.reconcilePasses,
		r.reconcileResult,
		r.reconcileTime,
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	normalized := normalizePath(path)
	r.requests.WithLabelValues(method, normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, normalized).Observe(duration.Seconds())
}

// ObserveHook records the reply code sent for an ingest webhook action.
func (r *Recorder) ObserveHook(action string, code int) {
	if r == nil {
		return
	}
	r.hooks.WithLabelValues(normalizeName(action), strconv.Itoa(code)).Inc()
}

// ObserveTransition records a session entering state.
func (r *Recorder) ObserveTransition(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeName(state)).Inc()
}

// SetLiveSessions updates the live session gauge.
func (r *Recorder) SetLiveSessions(n int) {
	if r == nil {
		return
	}
	r.liveSessions.Set(float64(n))
}

// ObserveQuota records a metering tick. A non-nil err marks the tick as lost.
func (r *Recorder) ObserveQuota(chargedMilliSats int64, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.quotaTicks.WithLabelValues("failed").Inc()
		return
	}
	r.quotaTicks.WithLabelValues("charged").Inc()
	if chargedMilliSats > 0 {
		r.quotaCharged.Add(float64(chargedMilliSats))
	}
}

// LowBalanceAlert counts one low balance warning.
func (r *Recorder) LowBalanceAlert() {
	if r == nil {
		return
	}
	r.lowBalance.Inc()
}

// ObserveKick records a forced disconnect attempt.
func (r *Recorder) ObserveKick(err error) {
	if r == nil {
		return
	}
	r.edgeKicks.WithLabelValues(outcome(err)).Inc()
}

// ObserveRelayPublish records one relay write.
func (r *Recorder) ObserveRelayPublish(err error) {
	if r == nil {
		return
	}
	r.relayPublishes.WithLabelValues(outcome(err)).Inc()
}

// ObserveDVR records one archived segment.
func (r *Recorder) ObserveDVR(err error) {
	if r == nil {
		return
	}
	r.dvrSegments.WithLabelValues(outcome(err)).Inc()
}

// ObserveReconcilePass records a finished pass and what it did.
func (r *Recorder) ObserveReconcilePass(stopped, refreshed, failed int, duration time.Duration) {
	if r == nil {
		return
	}
	r.reconcilePasses.Inc()
	r.reconcileResult.WithLabelValues("stopped").Add(float64(stopped))
	r.reconcileResult.WithLabelValues("refreshed").Add(float64(refreshed))
	r.reconcileResult.WithLabelValues("failed").Add(float64(failed))
	r.reconcileTime.Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
