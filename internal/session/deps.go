// Package session resolves edge callbacks to broadcast sessions and drives
// each session through its Planned, Live and Ended lifecycle while metering
// the owner's balance.
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"paystream/internal/dvr"
	"paystream/internal/events"
	"paystream/internal/ingest"
	"paystream/internal/ledger"
	"paystream/internal/models"
	"paystream/internal/notify"
	"paystream/internal/observability/metrics"
	"paystream/internal/relay"
	"paystream/internal/storage"
)

// DefaultOrigin is the local relay every accepted stream is forwarded to.
const DefaultOrigin = "rtmp://127.0.0.1:1935"

// Debiter books metering ticks.
type Debiter interface {
	Debit(ctx context.Context, sessionID, ownerKey string, cost models.MilliSats, seconds float64) (ledger.Result, error)
}

// EdgeFactory returns a controller for the edge a session is bound to.
type EdgeFactory interface {
	ForEdge(addr string) ingest.Controller
}

// ViewerSource reports the number of present viewers of a session.
type ViewerSource interface {
	Current(ctx context.Context, sessionID string) (int, error)
}

// Decrypter opens protected forward targets.
type Decrypter interface {
	Unprotect(protected string) (string, error)
}

// Deps bundles the collaborators shared by every session handle.
type Deps struct {
	Store    storage.Repository
	Ledger   Debiter
	Events   *events.Synthesizer
	Relays   relay.Broadcaster
	Viewers  ViewerSource
	Edges    EdgeFactory
	Forwards Decrypter
	DVR      dvr.Store
	Notifier notify.Notifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Clock    func() time.Time

	// TosDate is the publication date of the current terms of service.
	TosDate time.Time
	// Origin is the RTMP base of the local relay, DefaultOrigin when empty.
	Origin string
	// WatchBase prefixes share links in went-live announcements.
	WatchBase string
	// TopupBase, when set, is appended with the owner key to build the
	// top-up link in low balance warnings.
	TopupBase     string
	NotifyTimeout time.Duration
}

func (d *Deps) withDefaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Relays == nil {
		d.Relays = relay.Noop{}
	}
	if d.Edges == nil {
		d.Edges = noopEdges{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if strings.TrimSpace(d.Origin) == "" {
		d.Origin = DefaultOrigin
	}
	if d.NotifyTimeout <= 0 {
		d.NotifyTimeout = 10 * time.Second
	}
}

type noopEdges struct{}

func (noopEdges) ForEdge(string) ingest.Controller { return ingest.NoopController{} }

// admit runs the admission checks gating session start and resume.
func (d *Deps) admit(owner models.Owner) error {
	if owner.Balance <= 0 {
		return ErrLowBalance
	}
	if owner.TosAcceptedAt == nil || owner.TosAcceptedAt.Before(d.TosDate) {
		return ErrTosNotAccepted
	}
	if owner.IsBlocked {
		return ErrAccountBlocked
	}
	return nil
}
