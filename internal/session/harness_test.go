package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"paystream/internal/dvr"
	"paystream/internal/events"
	"paystream/internal/ingest"
	"paystream/internal/ledger"
	"paystream/internal/models"
	"paystream/internal/secrets"
	"paystream/internal/storage"
)

const serviceSecret = "5c0c523f52a5b6fad39ed2403092df8cebc36318b39383bca6c00808626fab3a"

var (
	tosDate   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	startTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturedBroadcasts struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (b *capturedBroadcasts) Broadcast(_ context.Context, ev *nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *capturedBroadcasts) ofKind(kind int) []*nostr.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range b.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (b *capturedBroadcasts) reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

type fixedViewers struct {
	mu    sync.Mutex
	count map[string]int
}

func (v *fixedViewers) set(sessionID string, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.count == nil {
		v.count = make(map[string]int)
	}
	v.count[sessionID] = n
}

func (v *fixedViewers) Current(_ context.Context, sessionID string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count[sessionID], nil
}

type kick struct {
	edge     string
	clientID string
}

type recordingEdges struct {
	mu    sync.Mutex
	kicks []kick
}

type recordingController struct {
	parent *recordingEdges
	edge   string
}

func (c recordingController) KickClient(_ context.Context, clientID string) error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.parent.kicks = append(c.parent.kicks, kick{edge: c.edge, clientID: clientID})
	return nil
}

func (e *recordingEdges) ForEdge(addr string) ingest.Controller {
	return recordingController{parent: e, edge: addr}
}

func (e *recordingEdges) all() []kick {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]kick(nil), e.kicks...)
}

type channelNotifier struct {
	messages chan string
}

func (n *channelNotifier) Notify(_ context.Context, content string) error {
	n.messages <- content
	return nil
}

type stubDVR struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (s *stubDVR) Upload(_ context.Context, source string) (dvr.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source)
	if s.err != nil {
		return dvr.Result{}, s.err
	}
	return dvr.Result{URL: "https://cdn.example.com/" + filepath.Base(source), DurationSeconds: 2}, nil
}

type harness struct {
	t         *testing.T
	store     *storage.Storage
	clock     *manualClock
	relays    *capturedBroadcasts
	viewers   *fixedViewers
	edges     *recordingEdges
	notifier  *channelNotifier
	dvr       *stubDVR
	protector *secrets.Protector
	synth     *events.Synthesizer
	resolver  *Resolver
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &manualClock{now: startTime}
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	identity, err := events.ParseIdentity(serviceSecret)
	if err != nil {
		t.Fatalf("ParseIdentity: %v", err)
	}
	synth, err := events.NewSynthesizer(events.Config{
		Identity: identity,
		Relays:   []string{"wss://relay.example.com"},
		APIBase:  "https://api.example.com",
		DataBase: "https://data.example.com",
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	protector, err := secrets.NewProtector("forward-secret")
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	h := &harness{
		t:         t,
		store:     store,
		clock:     clock,
		relays:    &capturedBroadcasts{},
		viewers:   &fixedViewers{},
		edges:     &recordingEdges{},
		notifier:  &channelNotifier{messages: make(chan string, 8)},
		dvr:       &stubDVR{},
		protector: protector,
		synth:     synth,
	}
	h.deps = Deps{
		Store:     store,
		Ledger:    ledger.New(store),
		Events:    synth,
		Relays:    h.relays,
		Viewers:   h.viewers,
		Edges:     h.edges,
		Forwards:  protector,
		DVR:       h.dvr,
		Notifier:  h.notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     clock.Now,
		TosDate:   tosDate,
		WatchBase: "https://watch.example.com",
	}
	h.resolver = NewResolver(h.deps)
	return h
}

// rebuild applies changes to the dependencies and recreates the resolver.
func (h *harness) rebuild(change func(*Deps)) {
	change(&h.deps)
	h.resolver = NewResolver(h.deps)
}

// secretFor derives a deterministic secret key from name.
func secretFor(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

func pubkeyFor(t *testing.T, name string) string {
	t.Helper()
	pub, err := nostr.GetPublicKey(secretFor(name))
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	return pub
}

func (h *harness) owner(name string, balance models.MilliSats) models.Owner {
	h.t.Helper()
	accepted := tosDate.Add(time.Hour)
	owner, err := h.store.CreateOwner(context.Background(), models.Owner{
		PubKey:        pubkeyFor(h.t, name),
		Balance:       balance,
		TosAcceptedAt: &accepted,
		Defaults:      models.Metadata{Title: "Default title"},
	})
	if err != nil {
		h.t.Fatalf("CreateOwner: %v", err)
	}
	return owner
}

func (h *harness) endpoint(app string, cost models.MilliSats, caps ...string) models.IngestEndpoint {
	h.t.Helper()
	ep, err := h.store.UpsertEndpoint(context.Background(), models.IngestEndpoint{
		Name:          strings.ToUpper(app),
		App:           app,
		Forward:       app + ".origin",
		CostPerMinute: cost,
		Capabilities:  caps,
	})
	if err != nil {
		h.t.Fatalf("UpsertEndpoint: %v", err)
	}
	return ep
}

func (h *harness) info(owner models.Owner, app string) IngestInfo {
	return IngestInfo{App: app, Variant: "source", StreamKey: owner.StreamKey, EdgeAddr: "10.0.0.5", ClientID: "client-1"}
}

// live resolves and starts a session, draining the went-live notification.
func (h *harness) live(info IngestInfo) *Machine {
	h.t.Helper()
	m, err := h.resolver.ResolveOrCreate(context.Background(), info)
	if err != nil {
		h.t.Fatalf("ResolveOrCreate: %v", err)
	}
	if err := m.StreamStarted(context.Background()); err != nil {
		h.t.Fatalf("StreamStarted: %v", err)
	}
	select {
	case <-h.notifier.messages:
	case <-time.After(time.Second):
		h.t.Fatal("expected went live notification")
	}
	return m
}

func (h *harness) session(id string) models.Session {
	h.t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetSession: %v", err)
	}
	return s
}

func (h *harness) balance(pubkey string) models.MilliSats {
	h.t.Helper()
	o, err := h.store.GetOwner(context.Background(), pubkey)
	if err != nil {
		h.t.Fatalf("GetOwner: %v", err)
	}
	return o.Balance
}

func tagValue(t *testing.T, ev *nostr.Event, name string) (string, bool) {
	t.Helper()
	return events.TagValue(ev, name)
}
