package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"paystream/internal/events"
	"paystream/internal/models"
	"paystream/internal/storage"
)

// IngestInfo identifies a publish as reported by an edge callback.
type IngestInfo struct {
	App       string
	Variant   string
	StreamKey string
	EdgeAddr  string
	ClientID  string
}

// Resolver maps edge callbacks and lookups to session handles.
type Resolver struct {
	deps Deps
}

// NewResolver returns a Resolver over deps.
func NewResolver(deps Deps) *Resolver {
	deps.withDefaults()
	return &Resolver{deps: deps}
}

// ResolveOrCreate admits the owner of info.StreamKey and returns a handle to
// the session the publish belongs to: the owner's Live session on any
// endpoint, else a Planned session on the app's endpoint, else a new Planned
// session. On resume the session is rebound to the calling edge.
func (r *Resolver) ResolveOrCreate(ctx context.Context, info IngestInfo) (*Machine, error) {
	store := r.deps.Store
	owner, key, err := store.FindOwnerByStreamKey(ctx, strings.TrimSpace(info.StreamKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("stream key %q: %w", mask(info.StreamKey), ErrNoOwnerFound)
		}
		return nil, fmt.Errorf("find owner: %w", err)
	}
	if key != nil && key.Expired(r.deps.Clock()) {
		return nil, fmt.Errorf("stream key %s: %w", key.ID, ErrCredentialExpired)
	}
	if err := r.deps.admit(owner); err != nil {
		return nil, fmt.Errorf("owner %s: %w", owner.PubKey, err)
	}
	endpoint, err := store.FindEndpointByApp(ctx, info.App)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("app %q: %w", info.App, ErrNoEndpointFound)
		}
		return nil, fmt.Errorf("find endpoint: %w", err)
	}

	var existing *models.Session
	switch {
	case key != nil && key.SessionID != "":
		s, err := store.GetSession(ctx, key.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session for stream key %s: %w", key.ID, err)
		}
		if s.EndpointID != endpoint.ID {
			if endpoint, err = store.GetEndpoint(ctx, s.EndpointID); err != nil {
				return nil, fmt.Errorf("load endpoint: %w", err)
			}
		}
		existing = &s
	case key == nil:
		s, err := store.FindLiveSession(ctx, owner.PubKey)
		switch {
		case err == nil:
			if s.EndpointID != endpoint.ID {
				if endpoint, err = store.GetEndpoint(ctx, s.EndpointID); err != nil {
					return nil, fmt.Errorf("load endpoint: %w", err)
				}
			}
			existing = &s
		case errors.Is(err, storage.ErrNotFound):
			s, err = store.FindOpenSession(ctx, owner.PubKey, endpoint.ID)
			if err == nil {
				existing = &s
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("find open session: %w", err)
			}
		default:
			return nil, fmt.Errorf("find live session: %w", err)
		}
	}

	var session models.Session
	if existing == nil {
		session, err = r.create(ctx, owner, endpoint, key, info)
		if err != nil {
			return nil, err
		}
		r.deps.Logger.Info("session created", "session_id", session.ID, "owner", owner.PubKey, "app", endpoint.App)
	} else {
		session = *existing
		if session.EdgeAddr != info.EdgeAddr || session.EdgeClientID != info.ClientID {
			if err := store.BindEdge(ctx, session.ID, info.EdgeAddr, info.ClientID); err != nil {
				return nil, fmt.Errorf("bind edge: %w", err)
			}
			session.EdgeAddr = info.EdgeAddr
			session.EdgeClientID = info.ClientID
		}
	}
	return r.machine(session, owner, endpoint, info.StreamKey), nil
}

func (r *Resolver) create(ctx context.Context, owner models.Owner, endpoint models.IngestEndpoint, key *models.StreamKey, info IngestInfo) (models.Session, error) {
	metadata := owner.Defaults
	if latest, err := r.deps.Store.LatestSession(ctx, owner.PubKey); err == nil {
		metadata = latest.Metadata
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Session{}, fmt.Errorf("load previous session: %w", err)
	}

	session := models.Session{
		ID:           uuid.NewString(),
		OwnerKey:     owner.PubKey,
		EndpointID:   endpoint.ID,
		State:        models.SessionPlanned,
		StartedAt:    r.deps.Clock(),
		EdgeAddr:     info.EdgeAddr,
		EdgeClientID: info.ClientID,
		Metadata:     metadata,
	}
	if key != nil {
		id := key.ID
		session.StreamKeyID = &id
	}
	ev, err := r.deps.Events.StatusEvent(events.Snapshot{Session: session, Endpoint: endpoint, DefaultImage: owner.Defaults.Image})
	if err != nil {
		return models.Session{}, fmt.Errorf("build initial event: %w", err)
	}
	if session.Event, err = events.Encode(ev); err != nil {
		return models.Session{}, err
	}
	created, err := r.deps.Store.CreateSession(ctx, session)
	if err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

// ResolveByID returns a handle to session id without admission checks.
func (r *Resolver) ResolveByID(ctx context.Context, id string) (*Machine, error) {
	session, err := r.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, r.lookupErr("session "+id, err)
	}
	return r.attach(ctx, session, "")
}

// ResolveForOwner returns a handle to the owner's live session.
func (r *Resolver) ResolveForOwner(ctx context.Context, pubkey string) (*Machine, error) {
	session, err := r.deps.Store.FindLiveSession(ctx, pubkey)
	if err != nil {
		return nil, r.lookupErr("live session of "+pubkey, err)
	}
	return r.attach(ctx, session, "")
}

// ResolveForStream finds the session an edge callback refers to without
// admission checks: the session bound to a single-use key, the owner's Live
// session, or the newest Planned session of the owner on the app's endpoint.
func (r *Resolver) ResolveForStream(ctx context.Context, info IngestInfo) (*Machine, error) {
	store := r.deps.Store
	owner, key, err := store.FindOwnerByStreamKey(ctx, strings.TrimSpace(info.StreamKey))
	if err != nil {
		return nil, r.lookupErr("stream key "+mask(info.StreamKey), err)
	}
	if key != nil {
		if key.SessionID == "" {
			return nil, fmt.Errorf("stream key %s unused: %w", key.ID, ErrNoActiveSession)
		}
		session, err := store.GetSession(ctx, key.SessionID)
		if err != nil {
			return nil, r.lookupErr("session "+key.SessionID, err)
		}
		return r.attach(ctx, session, info.StreamKey)
	}
	if session, err := store.FindLiveSession(ctx, owner.PubKey); err == nil {
		return r.attach(ctx, session, info.StreamKey)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("find live session: %w", err)
	}
	endpoint, err := store.FindEndpointByApp(ctx, info.App)
	if err != nil {
		return nil, r.lookupErr("app "+info.App, err)
	}
	session, err := store.FindOpenSession(ctx, owner.PubKey, endpoint.ID)
	if err != nil {
		return nil, r.lookupErr("open session of "+owner.PubKey, err)
	}
	return r.machine(session, owner, endpoint, info.StreamKey), nil
}

func (r *Resolver) lookupErr(what string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNoActiveSession)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// attach loads the owner and endpoint of session. streamKey defaults to the
// credential the session was published with.
func (r *Resolver) attach(ctx context.Context, session models.Session, streamKey string) (*Machine, error) {
	owner, err := r.deps.Store.GetOwner(ctx, session.OwnerKey)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	endpoint, err := r.deps.Store.GetEndpoint(ctx, session.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	if streamKey == "" {
		streamKey = owner.StreamKey
		if session.StreamKeyID != nil {
			for _, k := range owner.StreamKeys {
				if k.ID == *session.StreamKeyID {
					streamKey = k.Key
					break
				}
			}
		}
	}
	return r.machine(session, owner, endpoint, streamKey), nil
}

func (r *Resolver) machine(session models.Session, owner models.Owner, endpoint models.IngestEndpoint, streamKey string) *Machine {
	return &Machine{
		deps:      &r.deps,
		session:   session,
		owner:     owner,
		endpoint:  endpoint,
		streamKey: strings.TrimSpace(streamKey),
		edge:      r.deps.Edges.ForEdge(session.EdgeAddr),
		logger:    r.deps.Logger.With("session_id", session.ID, "owner", session.OwnerKey),
	}
}

func mask(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 6 {
		return "***"
	}
	return key[:6] + "***"
}
