// Package relay publishes signed events to Nostr relays over websockets.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"paystream/internal/observability/metrics"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultPublishTimeout = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	URLs           []string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Dialer         *websocket.Dialer
	Header         http.Header
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
}

type conn struct {
	url string

	mu sync.Mutex
	ws *websocket.Conn
}

// Pool keeps one websocket per relay, dialled on first use and redialled
// after a failed write.
type Pool struct {
	relays         []*conn
	logger         *slog.Logger
	metrics        *metrics.Recorder
	dialer         *websocket.Dialer
	header         http.Header
	writeTimeout   time.Duration
	publishTimeout time.Duration

	// mu guards closing and every wg.Add so Close never races a late Add.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// ErrPoolClosed is returned by Publish once Close has started.
var ErrPoolClosed = errors.New("relay pool closed")

// track registers one background goroutine, refusing once the pool closes.
func (p *Pool) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return false
	}
	p.wg.Add(1)
	return true
}

// NewPool constructs a Pool. No connection is opened until the first publish.
func NewPool(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout, Proxy: http.ProxyFromEnvironment}
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	p := &Pool{
		logger:         logger,
		metrics:        opts.Metrics,
		dialer:         dialer,
		header:         opts.Header,
		writeTimeout:   writeTimeout,
		publishTimeout: publishTimeout,
	}
	seen := make(map[string]struct{})
	for _, u := range opts.URLs {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		p.relays = append(p.relays, &conn{url: u})
	}
	return p
}

// URLs returns the configured relay URLs.
func (p *Pool) URLs() []string {
	out := make([]string, 0, len(p.relays))
	for _, r := range p.relays {
		out = append(out, r.url)
	}
	return out
}

// Broadcast sends ev to every relay in the background. Failures are logged
// and never reported to the caller.
func (p *Pool) Broadcast(ctx context.Context, ev *nostr.Event) {
	if ev == nil || len(p.relays) == 0 {
		return
	}
	if !p.track() {
		return
	}
	go func() {
		defer p.wg.Done()
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
		defer cancel()
		if err := p.Publish(publishCtx, ev); err != nil {
			p.logger.Warn("relay broadcast incomplete", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		}
	}()
}

// Publish writes ev to every relay concurrently and returns the joined
// per-relay errors.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range p.relays {
		r := r
		group.Go(func() error {
			err := p.publishOne(groupCtx, r, ev)
			p.metrics.ObserveRelayPublish(err)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", r.url, err))
				mu.Unlock()
			}
			// one relay failing must not cancel the others
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

func (p *Pool) publishOne(ctx context.Context, r *conn, ev *nostr.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if r.ws == nil {
			if !p.track() {
				return ErrPoolClosed
			}
			ws, _, err := p.dialer.DialContext(ctx, r.url, p.header)
			if err != nil {
				p.wg.Done()
				return fmt.Errorf("dial: %w", err)
			}
			r.ws = ws
			go p.drain(r, ws)
		}
		deadline := time.Now().Add(p.writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = r.ws.SetWriteDeadline(deadline)
		err := r.ws.WriteJSON([]any{"EVENT", ev})
		if err == nil {
			return nil
		}
		_ = r.ws.Close()
		r.ws = nil
		if attempt == 1 || ctx.Err() != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return nil
}

// drain consumes relay replies so control frames are processed, and drops
// the connection once the relay goes away.
func (p *Pool) drain(r *conn, ws *websocket.Conn) {
	defer p.wg.Done()
	for {
		var msg []any
		if err := ws.ReadJSON(&msg); err != nil {
			r.mu.Lock()
			if r.ws == ws {
				r.ws = nil
			}
			r.mu.Unlock()
			_ = ws.Close()
			return
		}
		if len(msg) >= 3 && msg[0] == "OK" {
			if accepted, _ := msg[2].(bool); !accepted {
				reason := ""
				if len(msg) >= 4 {
					reason, _ = msg[3].(string)
				}
				p.logger.Debug("relay rejected event", "relay", r.url, "event_id", msg[1], "reason", reason)
			}
		}
	}
}

// Close closes every connection and waits for in-flight broadcasts. No
// connection is dialled once Close has started.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	for _, r := range p.relays {
		r.mu.Lock()
		if r.ws != nil {
			_ = r.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = r.ws.Close()
			r.ws = nil
		}
		r.mu.Unlock()
	}
	p.wg.Wait()
	return nil
}
