// Package ledger holds the metering arithmetic and the balance mutations
// built on the repository.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"paystream/internal/models"
	"paystream/internal/storage"
)

// AlertThreshold is the balance at which owners get a low-balance warning.
const AlertThreshold models.MilliSats = 500_000

const defaultCreditAttempts = 5

// Store is the subset of storage.Repository the ledger writes through.
type Store interface {
	GetOwner(ctx context.Context, pubkey string) (models.Owner, error)
	UpdateOwnerBalance(ctx context.Context, pubkey string, expectedVersion int64, balance models.MilliSats) (models.Owner, error)
	ConsumeQuota(ctx context.Context, sessionID, ownerKey string, cost models.MilliSats, seconds float64) (models.MilliSats, error)
}

// Result reports the owner balance around a debit.
type Result struct {
	Cost   models.MilliSats
	Before models.MilliSats
	After  models.MilliSats
}

// Ledger applies debits and credits against owner balances.
type Ledger struct {
	store        Store
	logger       *slog.Logger
	attempts     int
	retryBackoff time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCreditRetries bounds the compare-and-swap attempts made by Credit.
func WithCreditRetries(attempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if backoff >= 0 {
			l.retryBackoff = backoff
		}
	}
}

// New constructs a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		logger:       slog.Default(),
		attempts:     defaultCreditAttempts,
		retryBackoff: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cost prices seconds of streaming at costPerMinute, rounding up to the next
// milli-sat.
func Cost(costPerMinute models.MilliSats, seconds float64) models.MilliSats {
	if costPerMinute <= 0 || seconds <= 0 {
		return 0
	}
	return models.MilliSats(math.Ceil(float64(costPerMinute) * seconds / 60))
}

// CrossedAlert reports whether a balance moved from above threshold to at or
// below it.
func CrossedAlert(before, after, threshold models.MilliSats) bool {
	return before > threshold && after <= threshold
}

// Debit charges cost to ownerKey and books it with seconds of length on the
// session, atomically. A zero cost writes nothing.
func (l *Ledger) Debit(ctx context.Context, sessionID, ownerKey string, cost models.MilliSats, seconds float64) (Result, error) {
	if cost < 0 {
		return Result{}, fmt.Errorf("negative debit %d", cost)
	}
	if cost == 0 {
		owner, err := l.store.GetOwner(ctx, ownerKey)
		if err != nil {
			return Result{}, fmt.Errorf("load owner: %w", err)
		}
		return Result{Before: owner.Balance, After: owner.Balance}, nil
	}
	after, err := l.store.ConsumeQuota(ctx, sessionID, ownerKey, cost, seconds)
	if err != nil {
		return Result{}, fmt.Errorf("consume quota: %w", err)
	}
	return Result{Cost: cost, Before: after + cost, After: after}, nil
}

// Credit adds amount (which may be negative for settlement corrections) to
// the owner balance, retrying when a concurrent writer bumps the version.
func (l *Ledger) Credit(ctx context.Context, ownerKey string, amount models.MilliSats) (models.Owner, error) {
	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		owner, err := l.store.GetOwner(ctx, ownerKey)
		if err != nil {
			return models.Owner{}, fmt.Errorf("load owner: %w", err)
		}
		updated, err := l.store.UpdateOwnerBalance(ctx, ownerKey, owner.Version, owner.Balance+amount)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return models.Owner{}, fmt.Errorf("update balance: %w", err)
		}
		lastErr = err
		l.logger.Debug("owner version moved, retrying credit", "owner", ownerKey, "attempt", attempt)
		if attempt < l.attempts && l.retryBackoff > 0 {
			select {
			case <-ctx.Done():
				return models.Owner{}, ctx.Err()
			case <-time.After(l.retryBackoff):
			}
		}
	}
	return models.Owner{}, fmt.Errorf("credit owner %s after %d attempts: %w", ownerKey, l.attempts, lastErr)
}
