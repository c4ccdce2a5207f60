// Package reconcile periodically sweeps live sessions, ending those whose
// edge stopped reporting and refreshing viewer counts on the rest.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paystream/internal/models"
	"paystream/internal/observability/metrics"
	"paystream/internal/session"
)

const (
	// DefaultInterval is the pause between two passes.
	DefaultInterval = time.Minute
	// DefaultStaleAfter is how long a live session may go without a
	// heartbeat before it is ended.
	DefaultStaleAfter = 2 * time.Minute
)

// Lister lists the sessions currently marked live.
type Lister interface {
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
}

// Handle is the part of a session handle a pass drives.
type Handle interface {
	StreamStopped(ctx context.Context) error
	UpdateViewers(ctx context.Context) (bool, error)
}

type resolveFunc func(ctx context.Context, id string) (Handle, error)

// Config tunes a Reconciler. Zero values select the defaults.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Clock      func() time.Time
}

// Result summarizes one pass.
type Result struct {
	Live      int
	Stopped   int
	Refreshed int
	Failed    int
}

// Reconciler runs the sweep loop. A single instance is expected per
// deployment.
type Reconciler struct {
	lister  Lister
	resolve resolveFunc
	cfg     Config
	logger  *slog.Logger
	wait    func(ctx context.Context, d time.Duration) bool
}

// New returns a Reconciler that resolves handles through resolver.
func New(lister Lister, resolver *session.Resolver, cfg Config) *Reconciler {
	return newReconciler(lister, func(ctx context.Context, id string) (Handle, error) {
		m, err := resolver.ResolveByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return m, nil
	}, cfg)
}

func newReconciler(lister Lister, resolve resolveFunc, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		lister:  lister,
		resolve: resolve,
		cfg:     cfg,
		logger:  logger.With("component", "reconciler"),
		wait:    sleep,
	}
}

// Run performs a pass, then waits the configured interval, until ctx is
// cancelled. Cancellation is observed between passes.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconcile pass failed", "error", err)
		}
		if !r.wait(ctx, r.cfg.Interval) {
			r.logger.Info("reconciler stopped")
			return nil
		}
	}
}

// RunOnce sweeps every live session once. Per-session failures are logged
// and counted; only a failed listing is returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	live, err := r.lister.ListLiveSessions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list live sessions: %w", err)
	}
	res := Result{Live: len(live)}
	now := r.cfg.Clock()
	for _, s := range live {
		if ctx.Err() != nil {
			break
		}
		logger := r.logger.With("session_id", s.ID)
		h, err := r.resolve(ctx, s.ID)
		if err != nil {
			if errors.Is(err, session.ErrNoActiveSession) {
				continue
			}
			res.Failed++
			logger.Error("resolve session failed", "error", err)
			continue
		}
		if idle := now.Sub(s.Heartbeat()); idle > r.cfg.StaleAfter {
			if err := h.StreamStopped(ctx); err != nil {
				res.Failed++
				logger.Error("stop stale session failed", "error", err)
				continue
			}
			res.Stopped++
			logger.Info("stopped stale session", "idle", idle.Round(time.Second))
			continue
		}
		changed, err := h.UpdateViewers(ctx)
		if err != nil {
			res.Failed++
			logger.Warn("refresh viewers failed", "error", err)
			continue
		}
		if changed {
			res.Refreshed++
		}
	}
	r.cfg.Metrics.ObserveReconcilePass(res.Stopped, res.Refreshed, res.Failed, time.Since(started))
	r.cfg.Metrics.SetLiveSessions(res.Live - res.Stopped)
	if res.Stopped > 0 || res.Refreshed > 0 || res.Failed > 0 {
		r.logger.Info("reconcile pass", "live", res.Live, "stopped", res.Stopped, "refreshed", res.Refreshed, "failed", res.Failed)
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
