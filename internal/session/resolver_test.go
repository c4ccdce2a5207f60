package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"paystream/internal/events"
	"paystream/internal/models"
	"paystream/internal/storage"
)

func TestResolveOrCreateStartsPlannedSession(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	ep := h.endpoint("basic", 10_000)

	m, err := h.resolver.ResolveOrCreate(context.Background(), h.info(owner, "basic"))
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	s := h.session(m.Session().ID)
	if s.State != models.SessionPlanned {
		t.Fatalf("expected planned session, got %s", s.State)
	}
	if s.EndpointID != ep.ID || s.OwnerKey != owner.PubKey {
		t.Fatalf("unexpected session binding: %+v", s)
	}
	if s.EdgeAddr != "10.0.0.5" || s.EdgeClientID != "client-1" {
		t.Fatalf("expected edge binding, got %q/%q", s.EdgeAddr, s.EdgeClientID)
	}
	if s.Metadata.Title != "Default title" {
		t.Fatalf("expected owner defaults, got %+v", s.Metadata)
	}
	ev, err := events.Decode(s.Event)
	if err != nil {
		t.Fatalf("decode stored event: %v", err)
	}
	if status, _ := events.TagValue(ev, "status"); status != "planned" {
		t.Fatalf("expected planned status tag, got %q", status)
	}
	if got := len(h.relays.ofKind(events.KindLiveEvent)); got != 0 {
		t.Fatalf("creating a session should not broadcast, got %d events", got)
	}
}

func TestResolveOrCreateResumesAndRebindsEdge(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	h.endpoint("basic", 10_000)

	first := h.live(h.info(owner, "basic"))

	info := h.info(owner, "basic")
	info.EdgeAddr = "10.0.0.9"
	info.ClientID = "client-2"
	second, err := h.resolver.ResolveOrCreate(context.Background(), info)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if second.Session().ID != first.Session().ID {
		t.Fatalf("expected resume of %s, got %s", first.Session().ID, second.Session().ID)
	}
	s := h.session(first.Session().ID)
	if s.EdgeAddr != "10.0.0.9" || s.EdgeClientID != "client-2" {
		t.Fatalf("expected rebound edge, got %q/%q", s.EdgeAddr, s.EdgeClientID)
	}
	if s.State != models.SessionLive {
		t.Fatalf("resume must not change state, got %s", s.State)
	}
}

func TestResolveOrCreateCarriesPreviousMetadata(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	h.endpoint("basic", 10_000)

	m := h.live(h.info(owner, "basic"))
	if err := m.PatchMetadata(context.Background(), models.Metadata{Title: "Episode 1", Tags: "go"}); err != nil {
		t.Fatalf("PatchMetadata: %v", err)
	}
	if err := m.StreamStopped(context.Background()); err != nil {
		t.Fatalf("StreamStopped: %v", err)
	}
	h.clock.Advance(time.Hour)

	next, err := h.resolver.ResolveOrCreate(context.Background(), h.info(owner, "basic"))
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if next.Session().ID == m.Session().ID {
		t.Fatal("expected a new session after the previous one ended")
	}
	if got := next.Session().Metadata.Title; got != "Episode 1" {
		t.Fatalf("expected metadata from previous session, got %q", got)
	}
}

func TestResolveOrCreateAdmission(t *testing.T) {
	before := tosDate.Add(-time.Hour)
	cases := []struct {
		name   string
		mutate func(*models.Owner)
		want   error
	}{
		{"empty balance", func(o *models.Owner) { o.Balance = 0 }, ErrLowBalance},
		{"negative balance", func(o *models.Owner) { o.Balance = -1 }, ErrLowBalance},
		{"tos missing", func(o *models.Owner) { o.TosAcceptedAt = nil }, ErrTosNotAccepted},
		{"tos outdated", func(o *models.Owner) { o.TosAcceptedAt = &before }, ErrTosNotAccepted},
		{"blocked", func(o *models.Owner) { o.IsBlocked = true }, ErrAccountBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			accepted := tosDate.Add(time.Hour)
			owner := models.Owner{PubKey: pubkeyFor(t, "carol"), StreamKey: "carol-key", Balance: models.NewAccountCredit, TosAcceptedAt: &accepted}
			tc.mutate(&owner)
			if _, err := h.store.CreateOwner(context.Background(), owner); err != nil {
				t.Fatalf("CreateOwner: %v", err)
			}
			h.endpoint("basic", 10_000)

			_, err := h.resolver.ResolveOrCreate(context.Background(), h.info(owner, "basic"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !IsAdmission(err) {
				t.Fatalf("expected admission error, got %v", err)
			}
		})
	}
}

func TestResolveOrCreateUnknownOwnerAndEndpoint(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)

	_, err := h.resolver.ResolveOrCreate(context.Background(), IngestInfo{App: "basic", StreamKey: "nope"})
	if !errors.Is(err, ErrNoOwnerFound) {
		t.Fatalf("expected ErrNoOwnerFound, got %v", err)
	}
	_, err = h.resolver.ResolveOrCreate(context.Background(), h.info(owner, "missing"))
	if !errors.Is(err, ErrNoEndpointFound) {
		t.Fatalf("expected ErrNoEndpointFound, got %v", err)
	}
}

func TestSingleUseKeyBindsOneSession(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	h.endpoint("basic", 10_000)
	key, err := h.store.AddStreamKey(context.Background(), models.StreamKey{OwnerKey: owner.PubKey, Key: "one-shot"})
	if err != nil {
		t.Fatalf("AddStreamKey: %v", err)
	}

	info := h.info(owner, "basic")
	info.StreamKey = key.Key
	m := h.live(info)
	s := m.Session()
	if s.StreamKeyID == nil || *s.StreamKeyID != key.ID {
		t.Fatalf("expected session bound to key %s, got %v", key.ID, s.StreamKeyID)
	}

	again, err := h.resolver.ResolveOrCreate(context.Background(), info)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if again.Session().ID != s.ID {
		t.Fatalf("expected the bound session, got %s", again.Session().ID)
	}

	if err := m.StreamStopped(context.Background()); err != nil {
		t.Fatalf("StreamStopped: %v", err)
	}
	ended, err := h.resolver.ResolveOrCreate(context.Background(), info)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if ended.Session().ID != s.ID {
		t.Fatal("single-use key must keep resolving to its session")
	}
	if err := ended.StreamStarted(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition restarting an ended session, got %v", err)
	}

	forwards, err := ended.OnForward(context.Background())
	if err != nil {
		t.Fatalf("OnForward: %v", err)
	}
	if forwards[0] != "rtmp://127.0.0.1:1935/basic/one-shot?vhost=basic.origin" {
		t.Fatalf("expected single-use key in origin url, got %q", forwards[0])
	}
}

func TestExpiredSingleUseKeyRejected(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	h.endpoint("basic", 10_000)
	expires := startTime.Add(-time.Minute)
	if _, err := h.store.AddStreamKey(context.Background(), models.StreamKey{OwnerKey: owner.PubKey, Key: "stale", ExpiresAt: &expires}); err != nil {
		t.Fatalf("AddStreamKey: %v", err)
	}
	info := h.info(owner, "basic")
	info.StreamKey = "stale"
	if _, err := h.resolver.ResolveOrCreate(context.Background(), info); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
}

func TestReadOnlyLookups(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	h.endpoint("basic", 10_000)
	ctx := context.Background()

	if _, err := h.resolver.ResolveByID(ctx, "missing"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("ResolveByID: expected ErrNoActiveSession, got %v", err)
	}
	if _, err := h.resolver.ResolveForOwner(ctx, owner.PubKey); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("ResolveForOwner: expected ErrNoActiveSession, got %v", err)
	}
	if _, err := h.resolver.ResolveForStream(ctx, h.info(owner, "basic")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("ResolveForStream: expected ErrNoActiveSession, got %v", err)
	}

	m := h.live(h.info(owner, "basic"))
	id := m.Session().ID

	// Lookups skip admission, so an empty balance must not hide the session.
	current, err := h.store.GetOwner(ctx, owner.PubKey)
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if _, err := h.store.UpdateOwnerBalance(ctx, owner.PubKey, current.Version, 0); err != nil {
		t.Fatalf("UpdateOwnerBalance: %v", err)
	}

	byID, err := h.resolver.ResolveByID(ctx, id)
	if err != nil {
		t.Fatalf("ResolveByID: %v", err)
	}
	if byID.Endpoint().App != "basic" || byID.Owner().PubKey != owner.PubKey {
		t.Fatalf("expected endpoint and owner attached, got %+v / %s", byID.Endpoint(), byID.Owner().PubKey)
	}
	forOwner, err := h.resolver.ResolveForOwner(ctx, owner.PubKey)
	if err != nil || forOwner.Session().ID != id {
		t.Fatalf("ResolveForOwner: %v", err)
	}
	forStream, err := h.resolver.ResolveForStream(ctx, h.info(owner, "basic"))
	if err != nil || forStream.Session().ID != id {
		t.Fatalf("ResolveForStream: %v", err)
	}
}

func TestOneLiveSessionPerOwner(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	basic := h.endpoint("basic", 10_000)
	premium := h.endpoint("premium", 20_000)
	ctx := context.Background()

	live := h.live(h.info(owner, "basic"))

	info := h.info(owner, "premium")
	info.EdgeAddr = "10.0.0.9"
	info.ClientID = "client-2"
	resumed, err := h.resolver.ResolveOrCreate(ctx, info)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if resumed.Session().ID != live.Session().ID {
		t.Fatalf("expected the live session %s to resume, got %s", live.Session().ID, resumed.Session().ID)
	}
	if resumed.Endpoint().ID != basic.ID {
		t.Fatalf("expected the live session's endpoint, got %s", resumed.Endpoint().App)
	}
	if err := resumed.StreamStarted(ctx); err != nil {
		t.Fatalf("StreamStarted on resume: %v", err)
	}

	s := h.session(live.Session().ID)
	if s.EdgeAddr != "10.0.0.9" || s.EdgeClientID != "client-2" {
		t.Fatalf("expected rebound edge, got %q/%q", s.EdgeAddr, s.EdgeClientID)
	}
	if _, err := h.store.FindOpenSession(ctx, owner.PubKey, premium.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no session on the second endpoint, got %v", err)
	}
	live2, err := h.store.ListLiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}
	if len(live2) != 1 {
		t.Fatalf("expected exactly one live session, got %d", len(live2))
	}

	byStream, err := h.resolver.ResolveForStream(ctx, info)
	if err != nil {
		t.Fatalf("ResolveForStream: %v", err)
	}
	if byStream.Session().ID != live.Session().ID {
		t.Fatalf("expected callbacks on the second app to reach the live session, got %s", byStream.Session().ID)
	}
}

func TestPlannedSessionIsScopedToEndpoint(t *testing.T) {
	h := newHarness(t)
	owner := h.owner("alice", models.NewAccountCredit)
	h.endpoint("basic", 10_000)
	h.endpoint("premium", 20_000)
	ctx := context.Background()

	planned, err := h.resolver.ResolveOrCreate(ctx, h.info(owner, "basic"))
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	other, err := h.resolver.ResolveOrCreate(ctx, h.info(owner, "premium"))
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if other.Session().ID == planned.Session().ID {
		t.Fatal("a planned session must not be resumed from another endpoint")
	}
	again, err := h.resolver.ResolveOrCreate(ctx, h.info(owner, "basic"))
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if again.Session().ID != planned.Session().ID {
		t.Fatalf("expected planned session %s to resume, got %s", planned.Session().ID, again.Session().ID)
	}
}

func TestErrorKinds(t *testing.T) {
	if Kind(nil) != "ok" || Kind(ErrLowBalance) != "low_balance" || Kind(errors.New("boom")) != "internal" {
		t.Fatal("unexpected error kinds")
	}
	if IsAdmission(ErrNoActiveSession) {
		t.Fatal("missing session is not an admission failure")
	}
}
