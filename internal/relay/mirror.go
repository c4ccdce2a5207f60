package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
)

// DefaultMirrorChannel is the pub/sub channel events are mirrored to.
const DefaultMirrorChannel = "paystream:events"

// Broadcaster is satisfied by Pool, RedisMirror, Fanout and Noop.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev *nostr.Event)
}

// RedisMirror republishes every broadcast event on a Redis channel so other
// processes (dashboards, playlist servers) can follow session state without
// holding relay subscriptions.
type RedisMirror struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisMirror wraps client. An empty channel selects DefaultMirrorChannel.
func NewRedisMirror(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisMirror {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultMirrorChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{client: client, channel: channel, logger: logger}
}

// Broadcast publishes ev synchronously; Redis publishes are cheap and local.
func (m *RedisMirror) Broadcast(ctx context.Context, ev *nostr.Event) {
	if m == nil || m.client == nil || ev == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("encode mirrored event", "event_id", ev.ID, "error", err)
		return
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		m.logger.Warn("mirror event to redis", "event_id", ev.ID, "channel", m.channel, "error", err)
	}
}

// Fanout forwards each event to several broadcasters in order.
type Fanout []Broadcaster

func (f Fanout) Broadcast(ctx context.Context, ev *nostr.Event) {
	for _, b := range f {
		if b != nil {
			b.Broadcast(ctx, ev)
		}
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Broadcast(context.Context, *nostr.Event) {}
