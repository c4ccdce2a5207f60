package main

import (
	"context"
	"log/slog"
	"time"
)

type presenceDecayer interface {
	Decay(ctx context.Context) error
}

type decayTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) decayTicker

// presenceDecayWorker purges stale viewer tokens every interval until ctx is
// cancelled.
func presenceDecayWorker(logger *slog.Logger, viewers presenceDecayer, interval time.Duration) func(context.Context) error {
	return presenceDecayWorkerWithTicker(logger, viewers, interval, func(d time.Duration) decayTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func presenceDecayWorkerWithTicker(
	logger *slog.Logger,
	viewers presenceDecayer,
	interval time.Duration,
	newTicker tickerFactory,
) func(context.Context) error {
	return func(ctx context.Context) error {
		if viewers == nil || interval <= 0 {
			<-ctx.Done()
			return nil
		}
		ticker := newTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				if err := viewers.Decay(ctx); err != nil && logger != nil {
					logger.Error("failed to decay viewer presence", "error", err)
				}
			}
		}
	}
}
