package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"paystream/internal/models"
)

type dataset struct {
	Owners    map[string]models.Owner          `json:"owners"`
	Endpoints map[string]models.IngestEndpoint `json:"endpoints"`
	Sessions  map[string]models.Session        `json:"sessions"`
}

// Storage is the single-process JSON file datastore. Every mutation is
// applied in memory, persisted with an atomic rename, and rolled back if the
// write fails.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Owners:    make(map[string]models.Owner),
		Endpoints: make(map[string]models.IngestEndpoint),
		Sessions:  make(map[string]models.Session),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Owners == nil {
		s.data.Owners = make(map[string]models.Owner)
	}
	if s.data.Endpoints == nil {
		s.data.Endpoints = make(map[string]models.IngestEndpoint)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// snapshot returns a deep copy of the dataset, used by the migration tool.
func (s *Storage) snapshot() dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := newDataset()
	for k, v := range s.data.Owners {
		clone.Owners[k] = v.Clone()
	}
	for k, v := range s.data.Endpoints {
		v.Capabilities = append([]string(nil), v.Capabilities...)
		clone.Endpoints[k] = v
	}
	for k, v := range s.data.Sessions {
		clone.Sessions[k] = v.Clone()
	}
	return clone
}

func (s *Storage) Ping(context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) Close(context.Context) error { return nil }

func (s *Storage) CreateOwner(_ context.Context, owner models.Owner) (models.Owner, error) {
	pubkey := strings.TrimSpace(owner.PubKey)
	if pubkey == "" {
		return models.Owner{}, fmt.Errorf("owner pubkey required")
	}
	owner.PubKey = pubkey
	if owner.StreamKey == "" {
		key, err := generateStreamKey()
		if err != nil {
			return models.Owner{}, err
		}
		owner.StreamKey = key
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = s.now()
	}
	owner.Forwards = nil
	owner.StreamKeys = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Owners[pubkey]; exists {
		return models.Owner{}, fmt.Errorf("owner %s: %w", pubkey, ErrDuplicate)
	}
	if _, _, found := s.ownerByKeyLocked(owner.StreamKey); found {
		return models.Owner{}, fmt.Errorf("stream key: %w", ErrDuplicate)
	}
	s.data.Owners[pubkey] = owner
	if err := s.persist(); err != nil {
		delete(s.data.Owners, pubkey)
		return models.Owner{}, err
	}
	return owner.Clone(), nil
}

func (s *Storage) GetOwner(_ context.Context, pubkey string) (models.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.data.Owners[pubkey]
	if !ok {
		return models.Owner{}, fmt.Errorf("owner %s: %w", pubkey, ErrNotFound)
	}
	return owner.Clone(), nil
}

func (s *Storage) ownerByKeyLocked(key string) (models.Owner, *models.StreamKey, bool) {
	for _, owner := range s.data.Owners {
		if owner.StreamKey == key {
			return owner, nil, true
		}
		for _, sk := range owner.StreamKeys {
			if sk.Key == key {
				found := sk
				return owner, &found, true
			}
		}
	}
	return models.Owner{}, nil, false
}

func (s *Storage) FindOwnerByStreamKey(_ context.Context, key string) (models.Owner, *models.StreamKey, error) {
	if strings.TrimSpace(key) == "" {
		return models.Owner{}, nil, fmt.Errorf("stream key: %w", ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, sk, ok := s.ownerByKeyLocked(key)
	if !ok {
		return models.Owner{}, nil, fmt.Errorf("stream key: %w", ErrNotFound)
	}
	return owner.Clone(), sk, nil
}

func (s *Storage) UpdateOwnerBalance(_ context.Context, pubkey string, expectedVersion int64, balance models.MilliSats) (models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.Owners[pubkey]
	if !ok {
		return models.Owner{}, fmt.Errorf("owner %s: %w", pubkey, ErrNotFound)
	}
	if owner.Version != expectedVersion {
		return models.Owner{}, fmt.Errorf("owner %s at version %d: %w", pubkey, expectedVersion, ErrVersionConflict)
	}
	original := owner
	owner.Balance = balance
	owner.Version++
	s.data.Owners[pubkey] = owner
	if err := s.persist(); err != nil {
		s.data.Owners[pubkey] = original
		return models.Owner{}, err
	}
	return owner.Clone(), nil
}

func (s *Storage) UpdateOwnerDefaults(_ context.Context, pubkey string, defaults models.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.Owners[pubkey]
	if !ok {
		return fmt.Errorf("owner %s: %w", pubkey, ErrNotFound)
	}
	original := owner
	owner.Defaults = defaults
	s.data.Owners[pubkey] = owner
	if err := s.persist(); err != nil {
		s.data.Owners[pubkey] = original
		return err
	}
	return nil
}

func (s *Storage) AddForward(_ context.Context, forward models.Forward) (models.Forward, error) {
	if forward.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Forward{}, err
		}
		forward.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.Owners[forward.OwnerKey]
	if !ok {
		return models.Forward{}, fmt.Errorf("owner %s: %w", forward.OwnerKey, ErrNotFound)
	}
	original := owner.Clone()
	owner.Forwards = append(append([]models.Forward(nil), owner.Forwards...), forward)
	s.data.Owners[forward.OwnerKey] = owner
	if err := s.persist(); err != nil {
		s.data.Owners[forward.OwnerKey] = original
		return models.Forward{}, err
	}
	return forward, nil
}

func (s *Storage) AddStreamKey(_ context.Context, key models.StreamKey) (models.StreamKey, error) {
	if key.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.StreamKey{}, err
		}
		key.ID = id
	}
	if key.Key == "" {
		value, err := generateStreamKey()
		if err != nil {
			return models.StreamKey{}, err
		}
		key.Key = value
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.Owners[key.OwnerKey]
	if !ok {
		return models.StreamKey{}, fmt.Errorf("owner %s: %w", key.OwnerKey, ErrNotFound)
	}
	if _, _, found := s.ownerByKeyLocked(key.Key); found {
		return models.StreamKey{}, fmt.Errorf("stream key: %w", ErrDuplicate)
	}
	original := owner.Clone()
	owner.StreamKeys = append(append([]models.StreamKey(nil), owner.StreamKeys...), key)
	s.data.Owners[key.OwnerKey] = owner
	if err := s.persist(); err != nil {
		s.data.Owners[key.OwnerKey] = original
		return models.StreamKey{}, err
	}
	return key, nil
}

func (s *Storage) UpsertEndpoint(_ context.Context, endpoint models.IngestEndpoint) (models.IngestEndpoint, error) {
	endpoint.App = strings.TrimSpace(endpoint.App)
	if endpoint.App == "" {
		return models.IngestEndpoint{}, fmt.Errorf("endpoint app required")
	}
	if endpoint.CostPerMinute <= 0 {
		endpoint.CostPerMinute = models.DefaultCostPerMinute
	}
	endpoint.Capabilities = append([]string(nil), endpoint.Capabilities...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if endpoint.ID == "" {
		for _, existing := range s.data.Endpoints {
			if existing.App == endpoint.App {
				endpoint.ID = existing.ID
				break
			}
		}
	}
	if endpoint.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.IngestEndpoint{}, err
		}
		endpoint.ID = id
	}
	original, existed := s.data.Endpoints[endpoint.ID]
	s.data.Endpoints[endpoint.ID] = endpoint
	if err := s.persist(); err != nil {
		if existed {
			s.data.Endpoints[endpoint.ID] = original
		} else {
			delete(s.data.Endpoints, endpoint.ID)
		}
		return models.IngestEndpoint{}, err
	}
	return endpoint, nil
}

func (s *Storage) GetEndpoint(_ context.Context, id string) (models.IngestEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, ok := s.data.Endpoints[id]
	if !ok {
		return models.IngestEndpoint{}, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return endpoint, nil
}

func (s *Storage) FindEndpointByApp(_ context.Context, app string) (models.IngestEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, endpoint := range s.data.Endpoints {
		if endpoint.App == app {
			return endpoint, nil
		}
	}
	return models.IngestEndpoint{}, fmt.Errorf("endpoint app %q: %w", app, ErrNotFound)
}

func (s *Storage) liveSessionLocked(ownerKey, except string) (models.Session, bool) {
	for id, session := range s.data.Sessions {
		if id != except && session.OwnerKey == ownerKey && session.State == models.SessionLive {
			return session, true
		}
	}
	return models.Session{}, false
}

func (s *Storage) CreateSession(_ context.Context, session models.Session) (models.Session, error) {
	if session.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Session{}, err
		}
		session.ID = id
	}
	if session.State == models.SessionUnknown {
		session.State = models.SessionPlanned
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now()
	}
	session.Guests = nil
	session.Recordings = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.Owners[session.OwnerKey]
	if !ok {
		return models.Session{}, fmt.Errorf("owner %s: %w", session.OwnerKey, ErrNotFound)
	}
	if _, exists := s.data.Sessions[session.ID]; exists {
		return models.Session{}, fmt.Errorf("session %s: %w", session.ID, ErrDuplicate)
	}
	if session.State == models.SessionLive {
		if _, live := s.liveSessionLocked(session.OwnerKey, session.ID); live {
			return models.Session{}, fmt.Errorf("owner %s already live: %w", session.OwnerKey, ErrSessionConflict)
		}
	}

	originalOwner := owner.Clone()
	if session.StreamKeyID != nil {
		bound := false
		keys := append([]models.StreamKey(nil), owner.StreamKeys...)
		for i, key := range keys {
			if key.ID != *session.StreamKeyID {
				continue
			}
			if key.SessionID != "" && key.SessionID != session.ID {
				return models.Session{}, fmt.Errorf("stream key %s bound to %s: %w", key.ID, key.SessionID, ErrSessionConflict)
			}
			keys[i].SessionID = session.ID
			bound = true
		}
		if !bound {
			return models.Session{}, fmt.Errorf("stream key %s: %w", *session.StreamKeyID, ErrNotFound)
		}
		owner.StreamKeys = keys
		s.data.Owners[session.OwnerKey] = owner
	}

	s.data.Sessions[session.ID] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, session.ID)
		s.data.Owners[session.OwnerKey] = originalOwner
		return models.Session{}, err
	}
	return session.Clone(), nil
}

func (s *Storage) GetSession(_ context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session.Clone(), nil
}

// newestLocked returns the most recently started session matching keep.
func (s *Storage) newestLocked(keep func(models.Session) bool) (models.Session, bool) {
	var (
		best  models.Session
		found bool
	)
	for _, session := range s.data.Sessions {
		if !keep(session) {
			continue
		}
		if !found || session.StartedAt.After(best.StartedAt) {
			best = session
			found = true
		}
	}
	return best, found
}

func (s *Storage) FindOpenSession(_ context.Context, ownerKey, endpointID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.newestLocked(func(candidate models.Session) bool {
		return candidate.OwnerKey == ownerKey && candidate.EndpointID == endpointID &&
			(candidate.State == models.SessionPlanned || candidate.State == models.SessionLive)
	})
	if !ok {
		return models.Session{}, fmt.Errorf("open session for %s: %w", ownerKey, ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *Storage) FindLiveSession(_ context.Context, ownerKey string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.liveSessionLocked(ownerKey, "")
	if !ok {
		return models.Session{}, fmt.Errorf("live session for %s: %w", ownerKey, ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *Storage) LatestSession(_ context.Context, ownerKey string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.newestLocked(func(candidate models.Session) bool {
		return candidate.OwnerKey == ownerKey
	})
	if !ok {
		return models.Session{}, fmt.Errorf("sessions for %s: %w", ownerKey, ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *Storage) ListLiveSessions(context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, session := range s.data.Sessions {
		if session.State == models.SessionLive {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// updateSessionLocked applies mutate to a copy of the session, persists, and
// restores the original on failure.
func (s *Storage) updateSessionLocked(id string, mutate func(*models.Session) error) error {
	session, ok := s.data.Sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	original := session
	updated := session.Clone()
	if err := mutate(&updated); err != nil {
		return err
	}
	s.data.Sessions[id] = updated
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = original
		return err
	}
	return nil
}

func (s *Storage) BindEdge(_ context.Context, id, addr, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, func(session *models.Session) error {
		session.EdgeAddr = addr
		session.EdgeClientID = clientID
		return nil
	})
}

func (s *Storage) MarkLive(_ context.Context, id string, at time.Time, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, func(session *models.Session) error {
		if session.State == models.SessionEnded {
			return fmt.Errorf("session %s: %w", id, ErrStateConflict)
		}
		if _, live := s.liveSessionLocked(session.OwnerKey, id); live {
			return fmt.Errorf("owner %s already live: %w", session.OwnerKey, ErrSessionConflict)
		}
		if session.State == models.SessionPlanned {
			session.StartedAt = at
		}
		session.State = models.SessionLive
		session.EndedAt = nil
		session.Event = event
		return nil
	})
}

func (s *Storage) MarkEnded(_ context.Context, id string, at time.Time, event string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	transitioned := false
	err := s.updateSessionLocked(id, func(session *models.Session) error {
		if session.State == models.SessionEnded {
			return nil
		}
		ended := at
		session.State = models.SessionEnded
		session.EndedAt = &ended
		session.Event = event
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

func (s *Storage) UpdateEvent(_ context.Context, id, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, func(session *models.Session) error {
		session.Event = event
		return nil
	})
}

func (s *Storage) TouchSegment(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, func(session *models.Session) error {
		seen := at
		session.LastSegment = &seen
		return nil
	})
}

func (s *Storage) UpdateSessionMetadata(_ context.Context, id string, metadata models.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(id, func(session *models.Session) error {
		session.Metadata = metadata
		return nil
	})
}

func (s *Storage) ConsumeQuota(_ context.Context, sessionID, ownerKey string, cost models.MilliSats, seconds float64) (models.MilliSats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.data.Owners[ownerKey]
	if !ok {
		return 0, fmt.Errorf("owner %s: %w", ownerKey, ErrNotFound)
	}
	session, ok := s.data.Sessions[sessionID]
	if !ok || session.OwnerKey != ownerKey {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	originalOwner := owner
	originalSession := session

	owner.Balance -= cost
	owner.Version++
	session.EarnedMilliSats += cost
	session.LengthSeconds += seconds
	s.data.Owners[ownerKey] = owner
	s.data.Sessions[sessionID] = session

	if err := s.persist(); err != nil {
		s.data.Owners[ownerKey] = originalOwner
		s.data.Sessions[sessionID] = originalSession
		return 0, err
	}
	return owner.Balance, nil
}

func (s *Storage) AddGuest(_ context.Context, guest models.Guest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(guest.SessionID, func(session *models.Session) error {
		for _, existing := range session.Guests {
			if existing.PubKey == guest.PubKey {
				return fmt.Errorf("guest %s: %w", guest.PubKey, ErrDuplicate)
			}
		}
		session.Guests = append(session.Guests, guest)
		return nil
	})
}

func (s *Storage) RemoveGuest(_ context.Context, sessionID, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(sessionID, func(session *models.Session) error {
		kept := session.Guests[:0]
		removed := false
		for _, guest := range session.Guests {
			if guest.PubKey == pubkey {
				removed = true
				continue
			}
			kept = append(kept, guest)
		}
		if !removed {
			return fmt.Errorf("guest %s: %w", pubkey, ErrNotFound)
		}
		session.Guests = kept
		return nil
	})
}

func (s *Storage) AddRecording(_ context.Context, recording models.Recording) (models.Recording, error) {
	if recording.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Recording{}, err
		}
		recording.ID = id
	}
	if recording.Timestamp.IsZero() {
		recording.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.updateSessionLocked(recording.SessionID, func(session *models.Session) error {
		session.Recordings = append(session.Recordings, recording)
		return nil
	})
	if err != nil {
		return models.Recording{}, err
	}
	return recording, nil
}
