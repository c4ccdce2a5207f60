package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"paystream/internal/models"
)

func seedJSONSession(t *testing.T, store *Storage) (models.Owner, models.Session) {
	t.Helper()
	ctx := context.Background()
	owner, err := NewOwner("cc01")
	if err != nil {
		t.Fatalf("NewOwner: %v", err)
	}
	owner, err = store.CreateOwner(ctx, owner)
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	endpoint, err := store.UpsertEndpoint(ctx, models.IngestEndpoint{App: "basic"})
	if err != nil {
		t.Fatalf("UpsertEndpoint: %v", err)
	}
	session, err := store.CreateSession(ctx, models.Session{OwnerKey: owner.PubKey, EndpointID: endpoint.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return owner, session
}

func TestConsumeQuotaPersistFailureRollsBackBothRows(t *testing.T) {
	store := newTestStore(t)
	owner, session := seedJSONSession(t, store)

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	if _, err := store.ConsumeQuota(context.Background(), session.ID, owner.PubKey, 10_000, 60); err == nil {
		t.Fatal("expected persist failure")
	}
	store.persistOverride = nil

	reloadedOwner, err := store.GetOwner(context.Background(), owner.PubKey)
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if reloadedOwner.Balance != owner.Balance || reloadedOwner.Version != owner.Version {
		t.Fatalf("expected owner untouched, got balance=%d version=%d", reloadedOwner.Balance, reloadedOwner.Version)
	}
	reloadedSession, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloadedSession.EarnedMilliSats != 0 || reloadedSession.LengthSeconds != 0 {
		t.Fatalf("expected session usage untouched, got earned=%d length=%v", reloadedSession.EarnedMilliSats, reloadedSession.LengthSeconds)
	}
}

func TestMarkLivePersistFailureLeavesSessionPlanned(t *testing.T) {
	store := newTestStore(t)
	_, session := seedJSONSession(t, store)

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	if err := store.MarkLive(context.Background(), session.ID, time.Now().UTC(), "{}"); err == nil {
		t.Fatal("expected persist failure")
	}
	store.persistOverride = nil

	reloaded, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.State != models.SessionPlanned {
		t.Fatalf("expected planned session after failed write, got %v", reloaded.State)
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	owner, session := seedJSONSession(t, store)
	if _, err := store.ConsumeQuota(context.Background(), session.ID, owner.PubKey, 2_500, 15); err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	reloaded, err := reopened.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.EarnedMilliSats != 2_500 || reloaded.LengthSeconds != 15 {
		t.Fatalf("unexpected reloaded usage %+v", reloaded)
	}
	reloadedOwner, err := reopened.GetOwner(context.Background(), owner.PubKey)
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if reloadedOwner.Balance != models.NewAccountCredit-2_500 {
		t.Fatalf("unexpected reloaded balance %d", reloadedOwner.Balance)
	}
}

func TestUpsertEndpointReusesApp(t *testing.T) {
	store := newTestStore(t)
	first, err := store.UpsertEndpoint(context.Background(), models.IngestEndpoint{App: "premium", CostPerMinute: 20_000})
	if err != nil {
		t.Fatalf("UpsertEndpoint: %v", err)
	}
	second, err := store.UpsertEndpoint(context.Background(), models.IngestEndpoint{App: "premium", CostPerMinute: 30_000})
	if err != nil {
		t.Fatalf("UpsertEndpoint: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected upsert by app to keep id %s, got %s", first.ID, second.ID)
	}
	got, err := store.FindEndpointByApp(context.Background(), "premium")
	if err != nil {
		t.Fatalf("FindEndpointByApp: %v", err)
	}
	if got.CostPerMinute != 30_000 {
		t.Fatalf("expected updated price, got %d", got.CostPerMinute)
	}
	if _, err := store.FindEndpointByApp(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithClockStampsCreatedRows(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return fixed }))
	_, session := seedJSONSession(t, store)
	if !session.StartedAt.Equal(fixed) {
		t.Fatalf("expected start %v, got %v", fixed, session.StartedAt)
	}
}

func TestSnapshotCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	owner, session := seedJSONSession(t, store)
	if _, err := store.AddForward(context.Background(), models.Forward{OwnerKey: owner.PubKey, Name: "yt", Target: "cipher"}); err != nil {
		t.Fatalf("AddForward: %v", err)
	}
	if err := store.AddGuest(context.Background(), models.Guest{SessionID: session.ID, PubKey: "dd01"}); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}

	snap, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	counts := snap.Counts()
	want := SnapshotCounts{Owners: 1, Forwards: 1, Endpoints: 1, Sessions: 1, Guests: 1}
	if counts != want {
		t.Fatalf("expected counts %+v, got %+v", want, counts)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (id int);\n\n ;CREATE INDEX b ON a (id);  ")
	if len(got) != 2 || got[1] != "CREATE INDEX b ON a (id)" {
		t.Fatalf("unexpected statements %q", got)
	}
	if len(splitSQLStatements(schemaSQL)) < 5 {
		t.Fatal("expected embedded schema to contain statements")
	}
}
