package storage

import (
	"context"
	"errors"
	"time"

	"paystream/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an owner row changed between read
	// and compare-and-swap write.
	ErrVersionConflict = errors.New("owner version conflict")
	// ErrSessionConflict is returned when a write would leave an owner with
	// two live sessions or bind a single-use key to a second session.
	ErrSessionConflict = errors.New("session conflict")
	// ErrStateConflict is returned when a conditional state update finds the
	// session already ended.
	ErrStateConflict = errors.New("session state conflict")
	// ErrDuplicate is returned when a unique row already exists.
	ErrDuplicate = errors.New("already exists")
)

// Repository exposes the datastore operations required by the session
// engine, the ledger and operator tooling. Session mutations are narrow
// conditional updates; ConsumeQuota is the only multi-row write and runs in
// one transaction.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateOwner(ctx context.Context, owner models.Owner) (models.Owner, error)
	GetOwner(ctx context.Context, pubkey string) (models.Owner, error)
	// FindOwnerByStreamKey resolves either the owner's primary key or one of
	// their single-use keys. The second return is nil for a primary key.
	FindOwnerByStreamKey(ctx context.Context, key string) (models.Owner, *models.StreamKey, error)
	UpdateOwnerBalance(ctx context.Context, pubkey string, expectedVersion int64, balance models.MilliSats) (models.Owner, error)
	UpdateOwnerDefaults(ctx context.Context, pubkey string, defaults models.Metadata) error
	AddForward(ctx context.Context, forward models.Forward) (models.Forward, error)
	AddStreamKey(ctx context.Context, key models.StreamKey) (models.StreamKey, error)

	UpsertEndpoint(ctx context.Context, endpoint models.IngestEndpoint) (models.IngestEndpoint, error)
	GetEndpoint(ctx context.Context, id string) (models.IngestEndpoint, error)
	FindEndpointByApp(ctx context.Context, app string) (models.IngestEndpoint, error)

	CreateSession(ctx context.Context, session models.Session) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	// FindOpenSession returns the newest planned or live session of owner on
	// endpoint.
	FindOpenSession(ctx context.Context, ownerKey, endpointID string) (models.Session, error)
	FindLiveSession(ctx context.Context, ownerKey string) (models.Session, error)
	LatestSession(ctx context.Context, ownerKey string) (models.Session, error)
	ListLiveSessions(ctx context.Context) ([]models.Session, error)

	BindEdge(ctx context.Context, id, addr, clientID string) error
	// MarkLive moves a planned or live session to live. A planned session
	// takes at as its start time. Ended sessions yield ErrStateConflict.
	MarkLive(ctx context.Context, id string, at time.Time, event string) error
	// MarkEnded moves a session to ended and reports whether this call
	// performed the transition. The end time is written only then.
	MarkEnded(ctx context.Context, id string, at time.Time, event string) (bool, error)
	UpdateEvent(ctx context.Context, id, event string) error
	TouchSegment(ctx context.Context, id string, at time.Time) error
	UpdateSessionMetadata(ctx context.Context, id string, metadata models.Metadata) error

	// ConsumeQuota debits owner by cost and credits the session earnings and
	// length in one transaction, returning the owner balance afterwards.
	ConsumeQuota(ctx context.Context, sessionID, ownerKey string, cost models.MilliSats, seconds float64) (models.MilliSats, error)

	AddGuest(ctx context.Context, guest models.Guest) error
	RemoveGuest(ctx context.Context, sessionID, pubkey string) error
	AddRecording(ctx context.Context, recording models.Recording) (models.Recording, error)
}

// NewOwner returns an owner row with the sign-up credit applied.
func NewOwner(pubkey string) (models.Owner, error) {
	key, err := generateStreamKey()
	if err != nil {
		return models.Owner{}, err
	}
	return models.Owner{
		PubKey:    pubkey,
		StreamKey: key,
		Balance:   models.NewAccountCredit,
		CreatedAt: time.Now().UTC(),
	}, nil
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
