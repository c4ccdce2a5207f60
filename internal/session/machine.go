package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"paystream/internal/events"
	"paystream/internal/ingest"
	"paystream/internal/ledger"
	"paystream/internal/models"
	"paystream/internal/notify"
	"paystream/internal/storage"
)

// Machine is a request-scoped handle on one session. It is not safe for
// concurrent use; every callback resolves its own handle.
type Machine struct {
	deps      *Deps
	session   models.Session
	owner     models.Owner
	endpoint  models.IngestEndpoint
	streamKey string
	edge      ingest.Controller
	logger    *slog.Logger
}

// Session returns the handle's view of the session.
func (m *Machine) Session() models.Session { return m.session.Clone() }

// Owner returns the session owner as loaded by the resolver.
func (m *Machine) Owner() models.Owner { return m.owner.Clone() }

// Endpoint returns the session's ingest endpoint.
func (m *Machine) Endpoint() models.IngestEndpoint { return m.endpoint }

// StreamStarted admits the owner again and moves the session to Live.
func (m *Machine) StreamStarted(ctx context.Context) error {
	if err := m.deps.admit(m.owner); err != nil {
		return fmt.Errorf("owner %s: %w", m.owner.PubKey, err)
	}
	if m.session.State == models.SessionEnded {
		return fmt.Errorf("session %s ended: %w", m.session.ID, ErrInvalidTransition)
	}

	now := m.deps.Clock()
	next := m.session.Clone()
	if next.State == models.SessionPlanned {
		next.StartedAt = now
	}
	next.State = models.SessionLive
	next.EndedAt = nil

	ev, raw, err := m.statusEvent(ctx, next)
	if err != nil {
		return err
	}
	if err := m.deps.Store.MarkLive(ctx, next.ID, now, raw); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return fmt.Errorf("session %s: %w", next.ID, ErrInvalidTransition)
		}
		return fmt.Errorf("mark live: %w", err)
	}
	next.Event = raw
	m.session = next
	m.deps.Relays.Broadcast(ctx, ev)
	m.deps.Metrics.ObserveTransition(models.SessionLive.String())
	m.logger.Info("stream started", "app", m.endpoint.App, "edge", next.EdgeAddr)

	go m.announce(next.ID, m.owner.PubKey)
	return nil
}

func (m *Machine) announce(sessionID, pubkey string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.deps.NotifyTimeout)
	defer cancel()
	link := ""
	if base := strings.TrimRight(strings.TrimSpace(m.deps.WatchBase), "/"); base != "" {
		if naddr, err := m.deps.Events.Naddr(sessionID); err == nil {
			link = base + "/" + naddr
		}
	}
	if err := m.deps.Notifier.Notify(ctx, notify.WentLive(events.Npub(pubkey), link)); err != nil {
		m.logger.Warn("went live notification failed", "error", err)
	}
}

// StreamStopped ends the session. Only the call that performs the transition
// stamps the end time, broadcasts and messages the owner; later calls are
// no-ops.
func (m *Machine) StreamStopped(ctx context.Context) error {
	now := m.deps.Clock()
	next := m.session.Clone()
	next.State = models.SessionEnded
	next.EndedAt = &now

	ev, raw, err := m.statusEvent(ctx, next)
	if err != nil {
		return err
	}
	transitioned, err := m.deps.Store.MarkEnded(ctx, next.ID, now, raw)
	if err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	if !transitioned {
		m.logger.Debug("stream already ended")
		return nil
	}
	next.Event = raw
	m.session = next
	m.deps.Relays.Broadcast(ctx, ev)
	m.deps.Metrics.ObserveTransition(models.SessionEnded.String())
	m.logger.Info("stream stopped")

	summary := next
	if fresh, err := m.deps.Store.GetSession(ctx, next.ID); err == nil {
		summary = fresh
	} else {
		m.logger.Warn("reload session for summary failed", "error", err)
	}
	dm, err := m.deps.Events.DirectMessage(m.owner.PubKey, stopSummary(summary))
	if err != nil {
		m.logger.Warn("build stream summary failed", "error", err)
		return nil
	}
	m.deps.Relays.Broadcast(ctx, dm)
	return nil
}

func stopSummary(s models.Session) string {
	var b strings.Builder
	if s.Metadata.Thumbnail != "" {
		b.WriteString(s.Metadata.Thumbnail)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "You paid %s sats for this stream!\n\n", s.EarnedMilliSats.DecimalString())
	fmt.Fprintf(&b, "You streamed for %d mins!", int64(math.Round(s.LengthSeconds/60)))
	return b.String()
}

// ConsumeQuota charges seconds of streaming to the owner. A failed debit is
// logged and the tick is dropped. Crossing the alert threshold posts one chat
// warning and an empty balance disconnects the publisher.
func (m *Machine) ConsumeQuota(ctx context.Context, seconds float64) error {
	if m.session.State == models.SessionEnded {
		return fmt.Errorf("session %s ended: %w", m.session.ID, ErrNoActiveSession)
	}
	cost := ledger.Cost(m.endpoint.CostPerMinute, seconds)
	res, err := m.deps.Ledger.Debit(ctx, m.session.ID, m.owner.PubKey, cost, seconds)
	m.deps.Metrics.ObserveQuota(int64(cost), err)
	if err != nil {
		m.logger.Error("balance update failed", "cost", int64(cost), "seconds", seconds, "error", err)
		return nil
	}
	m.owner.Balance = res.After
	m.session.EarnedMilliSats += res.Cost
	if res.Cost > 0 {
		m.session.LengthSeconds += seconds
	}
	m.logger.Info("quota consumed", "seconds", seconds, "cost", int64(res.Cost), "balance", int64(res.After))

	if ledger.CrossedAlert(res.Before, res.After, ledger.AlertThreshold) {
		m.lowBalanceWarning(ctx)
	}
	if res.After <= 0 {
		m.logger.Info("kicking stream due to low balance", "client_id", m.session.EdgeClientID)
		err := m.edge.KickClient(ctx, m.session.EdgeClientID)
		m.deps.Metrics.ObserveKick(err)
		if err != nil {
			m.logger.Error("kick client failed", "client_id", m.session.EdgeClientID, "error", err)
		}
	}
	return nil
}

func (m *Machine) lowBalanceWarning(ctx context.Context) {
	text := fmt.Sprintf("Your balance is below %d sats, please topup", ledger.AlertThreshold.Sats())
	if base := strings.TrimRight(strings.TrimSpace(m.deps.TopupBase), "/"); base != "" {
		text += fmt.Sprintf(", or use this link: %s/%s", base, m.owner.PubKey)
	}
	chat, err := m.deps.Events.ChatMessage(m.session.ID, text)
	if err != nil {
		m.logger.Warn("build low balance warning failed", "error", err)
		return
	}
	m.deps.Relays.Broadcast(ctx, chat)
	m.deps.Metrics.LowBalanceAlert()
}

// OnForward admits the owner again and returns the forward targets: the
// local origin first, then each external target that decrypts.
func (m *Machine) OnForward(ctx context.Context) ([]string, error) {
	if err := m.deps.admit(m.owner); err != nil {
		return nil, fmt.Errorf("owner %s: %w", m.owner.PubKey, err)
	}
	urls := []string{fmt.Sprintf("%s/%s/%s?vhost=%s", strings.TrimRight(m.deps.Origin, "/"), m.endpoint.App, m.streamKey, m.endpoint.Forward)}
	for _, f := range m.owner.Forwards {
		if m.deps.Forwards == nil {
			m.logger.Warn("forward target skipped, no key configured", "forward_id", f.ID)
			continue
		}
		target, err := m.deps.Forwards.Unprotect(f.Target)
		if err != nil {
			m.logger.Error("failed to decrypt forward target", "forward_id", f.ID, "error", err)
			continue
		}
		urls = append(urls, target)
	}
	return urls, nil
}

// AddGuest attaches a guest to the session and refreshes the event.
func (m *Machine) AddGuest(ctx context.Context, guest models.Guest) error {
	guest.SessionID = m.session.ID
	guest.PubKey = strings.TrimSpace(guest.PubKey)
	if guest.PubKey == "" {
		return errors.New("guest pubkey required")
	}
	if err := m.deps.Store.AddGuest(ctx, guest); err != nil {
		return fmt.Errorf("add guest: %w", err)
	}
	m.session.Guests = append(m.session.Guests, guest)
	return m.UpdateEvent(ctx)
}

// RemoveGuest detaches a guest from this session only.
func (m *Machine) RemoveGuest(ctx context.Context, pubkey string) error {
	if err := m.deps.Store.RemoveGuest(ctx, m.session.ID, pubkey); err != nil {
		return fmt.Errorf("remove guest: %w", err)
	}
	kept := m.session.Guests[:0]
	for _, g := range m.session.Guests {
		if g.PubKey != pubkey {
			kept = append(kept, g)
		}
	}
	m.session.Guests = kept
	return m.UpdateEvent(ctx)
}

// OnDvr archives segment when the endpoint records and refreshes the
// heartbeat in every case.
func (m *Machine) OnDvr(ctx context.Context, segment string) error {
	if m.endpoint.SupportsDVR() && strings.TrimSpace(segment) != "" {
		m.archive(ctx, segment)
	}
	now := m.deps.Clock()
	if err := m.deps.Store.TouchSegment(ctx, m.session.ID, now); err != nil {
		return fmt.Errorf("touch segment: %w", err)
	}
	m.session.LastSegment = &now
	return nil
}

func (m *Machine) archive(ctx context.Context, segment string) {
	if m.deps.DVR == nil {
		m.logger.Debug("dvr segment dropped, no store configured", "segment", segment)
		return
	}
	res, err := m.deps.DVR.Upload(ctx, segment)
	m.deps.Metrics.ObserveDVR(err)
	if err != nil {
		m.logger.Warn("failed to save recording segment", "segment", segment, "error", err)
		return
	}
	rec, err := m.deps.Store.AddRecording(ctx, models.Recording{
		SessionID:       m.session.ID,
		URL:             res.URL,
		Timestamp:       m.deps.Clock(),
		DurationSeconds: res.DurationSeconds,
	})
	if err != nil {
		m.logger.Warn("failed to record segment", "url", res.URL, "error", err)
		return
	}
	m.session.Recordings = append(m.session.Recordings, rec)
}

// UpdateEvent recomputes, stores and broadcasts the status event.
func (m *Machine) UpdateEvent(ctx context.Context) error {
	ev, raw, err := m.statusEvent(ctx, m.session)
	if err != nil {
		return err
	}
	if err := m.deps.Store.UpdateEvent(ctx, m.session.ID, raw); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	m.session.Event = raw
	m.deps.Relays.Broadcast(ctx, ev)
	return nil
}

// UpdateViewers refreshes a live session's event when the viewer count
// changed since the stored event, and reports whether it did.
func (m *Machine) UpdateViewers(ctx context.Context) (bool, error) {
	if m.session.State != models.SessionLive {
		return false, nil
	}
	ev, raw, err := m.statusEvent(ctx, m.session)
	if err != nil {
		return false, err
	}
	next, _ := events.ViewerCount(raw)
	if prev, ok := events.ViewerCount(m.session.Event); ok && prev == next {
		return false, nil
	}
	if err := m.deps.Store.UpdateEvent(ctx, m.session.ID, raw); err != nil {
		return false, fmt.Errorf("update event: %w", err)
	}
	m.session.Event = raw
	m.deps.Relays.Broadcast(ctx, ev)
	return true, nil
}

// PatchMetadata replaces the session's display fields, remembers them as the
// owner's defaults and republishes the event.
func (m *Machine) PatchMetadata(ctx context.Context, metadata models.Metadata) error {
	if err := m.deps.Store.UpdateSessionMetadata(ctx, m.session.ID, metadata); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if err := m.deps.Store.UpdateOwnerDefaults(ctx, m.owner.PubKey, metadata); err != nil {
		return fmt.Errorf("update owner defaults: %w", err)
	}
	m.session.Metadata = metadata
	m.owner.Defaults = metadata
	return m.UpdateEvent(ctx)
}

func (m *Machine) statusEvent(ctx context.Context, s models.Session) (*nostr.Event, string, error) {
	viewers := 0
	if s.State == models.SessionLive && m.deps.Viewers != nil {
		n, err := m.deps.Viewers.Current(ctx, s.ID)
		if err != nil {
			m.logger.Warn("viewer count unavailable", "error", err)
		} else {
			viewers = n
		}
	}
	ev, err := m.deps.Events.StatusEvent(events.Snapshot{Session: s, Endpoint: m.endpoint, Viewers: viewers, DefaultImage: m.owner.Defaults.Image})
	if err != nil {
		return nil, "", fmt.Errorf("build status event: %w", err)
	}
	raw, err := events.Encode(ev)
	if err != nil {
		return nil, "", err
	}
	return ev, raw, nil
}

// Heartbeat returns the last proof of life of the session.
func (m *Machine) Heartbeat() time.Time {
	return m.session.Heartbeat()
}
