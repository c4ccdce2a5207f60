// Package presence tracks approximate viewer counts per session. Counts are
// derived from opaque presence tokens reported by playlist fetches and expire
// after a short idle window. Nothing here is durable.
package presence

import (
	"context"
	"sync"
	"time"
)

// Window is how long a token counts as present after its last activity.
const Window = 2 * time.Minute

// Tracker is implemented by the in-memory Counter and the Redis backend.
type Tracker interface {
	Activity(ctx context.Context, sessionID, token string) error
	Current(ctx context.Context, sessionID string) (int, error)
	Decay(ctx context.Context) error
}

type sessionTokens struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

// Counter is an in-process Tracker. The outer map is guarded by a RWMutex
// and only write-locked to add or drop a session; token updates take the
// per-session lock.
type Counter struct {
	mu       sync.RWMutex
	sessions map[string]*sessionTokens
	window   time.Duration
	now      func() time.Time
}

// CounterOption configures a Counter.
type CounterOption func(*Counter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CounterOption {
	return func(c *Counter) {
		if now != nil {
			c.now = now
		}
	}
}

// WithWindow overrides the idle window.
func WithWindow(window time.Duration) CounterOption {
	return func(c *Counter) {
		if window > 0 {
			c.window = window
		}
	}
}

// NewCounter constructs an empty in-memory counter.
func NewCounter(opts ...CounterOption) *Counter {
	c := &Counter{
		sessions: make(map[string]*sessionTokens),
		window:   Window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activity records that token was seen for sessionID now.
func (c *Counter) Activity(_ context.Context, sessionID, token string) error {
	if sessionID == "" || token == "" {
		return nil
	}
	now := c.now()
	for {
		entry := c.lookup(sessionID)
		if entry == nil {
			entry = c.insert(sessionID)
		}
		entry.mu.Lock()
		// Decay may have dropped the entry between lookup and lock.
		if entry.tokens == nil {
			entry.mu.Unlock()
			continue
		}
		entry.tokens[token] = now
		entry.mu.Unlock()
		return nil
	}
}

// Current returns the number of tokens seen within the window, 0 for an
// unknown session.
func (c *Counter) Current(_ context.Context, sessionID string) (int, error) {
	entry := c.lookup(sessionID)
	if entry == nil {
		return 0, nil
	}
	cutoff := c.now().Add(-c.window)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	count := 0
	for _, seen := range entry.tokens {
		if !seen.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// Decay removes tokens idle for longer than the window and drops sessions
// that have no tokens left.
func (c *Counter) Decay(_ context.Context) error {
	cutoff := c.now().Add(-c.window)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.sessions {
		entry.mu.Lock()
		for token, seen := range entry.tokens {
			if seen.Before(cutoff) {
				delete(entry.tokens, token)
			}
		}
		if len(entry.tokens) == 0 {
			entry.tokens = nil
			delete(c.sessions, id)
		}
		entry.mu.Unlock()
	}
	return nil
}

// Sessions returns the number of tracked sessions.
func (c *Counter) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Counter) lookup(sessionID string) *sessionTokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

func (c *Counter) insert(sessionID string) *sessionTokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.sessions[sessionID]; ok {
		return entry
	}
	entry := &sessionTokens{tokens: make(map[string]time.Time)}
	c.sessions[sessionID] = entry
	return entry
}
