package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"paystream/internal/models"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NewPostgresRepository opens a Postgres-backed repository. Unless
// WithSchemaBootstrap is passed the schema must already exist.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if cfg.EnsureSchema {
		if err := EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return r.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const ownerColumns = `pubkey, stream_key, balance, version, tos_accepted_at, defaults, is_admin, is_blocked, created_at`

func scanOwner(row pgx.Row) (models.Owner, error) {
	var (
		owner   models.Owner
		balance int64
	)
	if err := row.Scan(&owner.PubKey, &owner.StreamKey, &balance, &owner.Version, &owner.TosAcceptedAt,
		&owner.Defaults, &owner.IsAdmin, &owner.IsBlocked, &owner.CreatedAt); err != nil {
		return models.Owner{}, err
	}
	owner.Balance = models.MilliSats(balance)
	return owner, nil
}

func (r *postgresRepository) CreateOwner(ctx context.Context, owner models.Owner) (models.Owner, error) {
	owner.PubKey = strings.TrimSpace(owner.PubKey)
	if owner.PubKey == "" {
		return models.Owner{}, fmt.Errorf("owner pubkey required")
	}
	if owner.StreamKey == "" {
		key, err := generateStreamKey()
		if err != nil {
			return models.Owner{}, err
		}
		owner.StreamKey = key
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = r.cfg.Clock()
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO owners (pubkey, stream_key, balance, version, tos_accepted_at, defaults, is_admin, is_blocked, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+ownerColumns,
		owner.PubKey, owner.StreamKey, int64(owner.Balance), owner.Version, owner.TosAcceptedAt,
		owner.Defaults, owner.IsAdmin, owner.IsBlocked, owner.CreatedAt)
	created, err := scanOwner(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Owner{}, fmt.Errorf("owner %s: %w", owner.PubKey, ErrDuplicate)
		}
		return models.Owner{}, fmt.Errorf("insert owner: %w", err)
	}
	return created, nil
}

func (r *postgresRepository) GetOwner(ctx context.Context, pubkey string) (models.Owner, error) {
	owner, err := scanOwner(r.pool.QueryRow(ctx, `SELECT `+ownerColumns+` FROM owners WHERE pubkey = $1`, pubkey))
	if err != nil {
		if isNoRows(err) {
			return models.Owner{}, fmt.Errorf("owner %s: %w", pubkey, ErrNotFound)
		}
		return models.Owner{}, fmt.Errorf("load owner: %w", err)
	}
	if err := r.attachOwnerChildren(ctx, &owner); err != nil {
		return models.Owner{}, err
	}
	return owner, nil
}

func (r *postgresRepository) attachOwnerChildren(ctx context.Context, owner *models.Owner) error {
	rows, err := r.pool.Query(ctx, `SELECT id, owner_key, name, target FROM owner_forwards WHERE owner_key = $1 ORDER BY name, id`, owner.PubKey)
	if err != nil {
		return fmt.Errorf("load forwards: %w", err)
	}
	forwards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Forward, error) {
		var f models.Forward
		err := row.Scan(&f.ID, &f.OwnerKey, &f.Name, &f.Target)
		return f, err
	})
	if err != nil {
		return fmt.Errorf("scan forwards: %w", err)
	}
	owner.Forwards = forwards

	rows, err = r.pool.Query(ctx, `SELECT id, owner_key, key, session_id, created_at, expires_at FROM stream_keys WHERE owner_key = $1 ORDER BY created_at`, owner.PubKey)
	if err != nil {
		return fmt.Errorf("load stream keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, scanStreamKey)
	if err != nil {
		return fmt.Errorf("scan stream keys: %w", err)
	}
	owner.StreamKeys = keys
	return nil
}

func scanStreamKey(row pgx.CollectableRow) (models.StreamKey, error) {
	var (
		key       models.StreamKey
		sessionID *string
	)
	if err := row.Scan(&key.ID, &key.OwnerKey, &key.Key, &sessionID, &key.CreatedAt, &key.ExpiresAt); err != nil {
		return models.StreamKey{}, err
	}
	if sessionID != nil {
		key.SessionID = *sessionID
	}
	return key, nil
}

func (r *postgresRepository) FindOwnerByStreamKey(ctx context.Context, key string) (models.Owner, *models.StreamKey, error) {
	if strings.TrimSpace(key) == "" {
		return models.Owner{}, nil, fmt.Errorf("stream key: %w", ErrNotFound)
	}
	var pubkey string
	err := r.pool.QueryRow(ctx, `SELECT pubkey FROM owners WHERE stream_key = $1`, key).Scan(&pubkey)
	if err == nil {
		owner, err := r.GetOwner(ctx, pubkey)
		return owner, nil, err
	}
	if !isNoRows(err) {
		return models.Owner{}, nil, fmt.Errorf("lookup stream key: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT id, owner_key, key, session_id, created_at, expires_at FROM stream_keys WHERE key = $1`, key)
	if err != nil {
		return models.Owner{}, nil, fmt.Errorf("lookup single-use key: %w", err)
	}
	sk, err := pgx.CollectExactlyOneRow(rows, scanStreamKey)
	if err != nil {
		if isNoRows(err) {
			return models.Owner{}, nil, fmt.Errorf("stream key: %w", ErrNotFound)
		}
		return models.Owner{}, nil, fmt.Errorf("scan single-use key: %w", err)
	}
	owner, err := r.GetOwner(ctx, sk.OwnerKey)
	if err != nil {
		return models.Owner{}, nil, err
	}
	return owner, &sk, nil
}

func (r *postgresRepository) UpdateOwnerBalance(ctx context.Context, pubkey string, expectedVersion int64, balance models.MilliSats) (models.Owner, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE owners SET balance = $1, version = version + 1
WHERE pubkey = $2 AND version = $3
RETURNING `+ownerColumns, int64(balance), pubkey, expectedVersion)
	owner, err := scanOwner(row)
	if err == nil {
		return owner, nil
	}
	if !isNoRows(err) {
		return models.Owner{}, fmt.Errorf("update balance: %w", err)
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM owners WHERE pubkey = $1)`, pubkey).Scan(&exists); err != nil {
		return models.Owner{}, fmt.Errorf("check owner: %w", err)
	}
	if !exists {
		return models.Owner{}, fmt.Errorf("owner %s: %w", pubkey, ErrNotFound)
	}
	return models.Owner{}, fmt.Errorf("owner %s at version %d: %w", pubkey, expectedVersion, ErrVersionConflict)
}

func (r *postgresRepository) UpdateOwnerDefaults(ctx context.Context, pubkey string, defaults models.Metadata) error {
	tag, err := r.pool.Exec(ctx, `UPDATE owners SET defaults = $1 WHERE pubkey = $2`, defaults, pubkey)
	if err != nil {
		return fmt.Errorf("update owner defaults: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("owner %s: %w", pubkey, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) AddForward(ctx context.Context, forward models.Forward) (models.Forward, error) {
	if forward.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Forward{}, err
		}
		forward.ID = id
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO owner_forwards (id, owner_key, name, target) VALUES ($1, $2, $3, $4)`,
		forward.ID, forward.OwnerKey, forward.Name, forward.Target)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Forward{}, fmt.Errorf("owner %s: %w", forward.OwnerKey, ErrNotFound)
		}
		return models.Forward{}, fmt.Errorf("insert forward: %w", err)
	}
	return forward, nil
}

func (r *postgresRepository) AddStreamKey(ctx context.Context, key models.StreamKey) (models.StreamKey, error) {
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
		key.CreatedAt = r.cfg.Clock()
	}
	var sessionID *string
	if key.SessionID != "" {
		sessionID = &key.SessionID
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO stream_keys (id, owner_key, key, session_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`, key.ID, key.OwnerKey, key.Key, sessionID, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.StreamKey{}, fmt.Errorf("stream key: %w", ErrDuplicate)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.StreamKey{}, fmt.Errorf("owner %s: %w", key.OwnerKey, ErrNotFound)
		}
		return models.StreamKey{}, fmt.Errorf("insert stream key: %w", err)
	}
	return key, nil
}

const endpointColumns = `id, name, app, forward, cost_per_minute, capabilities`

func scanEndpoint(row pgx.Row) (models.IngestEndpoint, error) {
	var (
		endpoint models.IngestEndpoint
		cost     int64
	)
	if err := row.Scan(&endpoint.ID, &endpoint.Name, &endpoint.App, &endpoint.Forward, &cost, &endpoint.Capabilities); err != nil {
		return models.IngestEndpoint{}, err
	}
	endpoint.CostPerMinute = models.MilliSats(cost)
	return endpoint, nil
}

func (r *postgresRepository) UpsertEndpoint(ctx context.Context, endpoint models.IngestEndpoint) (models.IngestEndpoint, error) {
	endpoint.App = strings.TrimSpace(endpoint.App)
	if endpoint.App == "" {
		return models.IngestEndpoint{}, fmt.Errorf("endpoint app required")
	}
	if endpoint.CostPerMinute <= 0 {
		endpoint.CostPerMinute = models.DefaultCostPerMinute
	}
	if endpoint.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.IngestEndpoint{}, err
		}
		endpoint.ID = id
	}
	capabilities := endpoint.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO ingest_endpoints (id, name, app, forward, cost_per_minute, capabilities)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (app) DO UPDATE SET name = EXCLUDED.name, forward = EXCLUDED.forward,
    cost_per_minute = EXCLUDED.cost_per_minute, capabilities = EXCLUDED.capabilities
RETURNING `+endpointColumns,
		endpoint.ID, endpoint.Name, endpoint.App, endpoint.Forward, int64(endpoint.CostPerMinute), capabilities)
	saved, err := scanEndpoint(row)
	if err != nil {
		return models.IngestEndpoint{}, fmt.Errorf("upsert endpoint: %w", err)
	}
	return saved, nil
}

func (r *postgresRepository) GetEndpoint(ctx context.Context, id string) (models.IngestEndpoint, error) {
	endpoint, err := scanEndpoint(r.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM ingest_endpoints WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return models.IngestEndpoint{}, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
		}
		return models.IngestEndpoint{}, fmt.Errorf("load endpoint: %w", err)
	}
	return endpoint, nil
}

func (r *postgresRepository) FindEndpointByApp(ctx context.Context, app string) (models.IngestEndpoint, error) {
	endpoint, err := scanEndpoint(r.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM ingest_endpoints WHERE app = $1`, app))
	if err != nil {
		if isNoRows(err) {
			return models.IngestEndpoint{}, fmt.Errorf("endpoint app %q: %w", app, ErrNotFound)
		}
		return models.IngestEndpoint{}, fmt.Errorf("load endpoint: %w", err)
	}
	return endpoint, nil
}

const sessionColumns = `id, owner_key, endpoint_id, state, started_at, ended_at, edge_addr, edge_client_id,
    last_segment, earned, length_seconds, admission_cost, metadata, event, stream_key_id`

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		session   models.Session
		state     int16
		earned    int64
		admission *int64
	)
	if err := row.Scan(&session.ID, &session.OwnerKey, &session.EndpointID, &state, &session.StartedAt,
		&session.EndedAt, &session.EdgeAddr, &session.EdgeClientID, &session.LastSegment, &earned,
		&session.LengthSeconds, &admission, &session.Metadata, &session.Event, &session.StreamKeyID); err != nil {
		return models.Session{}, err
	}
	session.State = models.SessionState(state)
	session.EarnedMilliSats = models.MilliSats(earned)
	if admission != nil {
		cost := models.MilliSats(*admission)
		session.AdmissionCost = &cost
	}
	return session, nil
}

func (r *postgresRepository) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
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
		session.StartedAt = r.cfg.Clock()
	}
	var admission *int64
	if session.AdmissionCost != nil {
		cost := int64(*session.AdmissionCost)
		admission = &cost
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, fmt.Errorf("begin session transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	row := tx.QueryRow(ctx, `
INSERT INTO sessions (id, owner_key, endpoint_id, state, started_at, ended_at, edge_addr, edge_client_id,
    last_segment, earned, length_seconds, admission_cost, metadata, event, stream_key_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING `+sessionColumns,
		session.ID, session.OwnerKey, session.EndpointID, int16(session.State), session.StartedAt, session.EndedAt,
		session.EdgeAddr, session.EdgeClientID, session.LastSegment, int64(session.EarnedMilliSats),
		session.LengthSeconds, admission, session.Metadata, session.Event, session.StreamKeyID)
	created, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Session{}, fmt.Errorf("owner %s already live: %w", session.OwnerKey, ErrSessionConflict)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Session{}, fmt.Errorf("session owner or endpoint: %w", ErrNotFound)
		}
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}

	if session.StreamKeyID != nil {
		tag, err := tx.Exec(ctx, `
UPDATE stream_keys SET session_id = $1
WHERE id = $2 AND owner_key = $3 AND (session_id IS NULL OR session_id = $1)`,
			session.ID, *session.StreamKeyID, session.OwnerKey)
		if err != nil {
			return models.Session{}, fmt.Errorf("bind stream key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.Session{}, fmt.Errorf("stream key %s: %w", *session.StreamKeyID, ErrSessionConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit session: %w", err)
	}
	return created, nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.Session, error) {
	session, err := r.findSession(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return models.Session{}, err
	}
	return session, nil
}

func (r *postgresRepository) findSession(ctx context.Context, query string, args ...any) (models.Session, error) {
	session, err := scanSession(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isNoRows(err) {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	if err := r.attachSessionChildren(ctx, &session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (r *postgresRepository) attachSessionChildren(ctx context.Context, session *models.Session) error {
	rows, err := r.pool.Query(ctx, `
SELECT session_id, pubkey, relay, role, sig, zap_split FROM session_guests
WHERE session_id = $1 ORDER BY pubkey`, session.ID)
	if err != nil {
		return fmt.Errorf("load guests: %w", err)
	}
	guests, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Guest, error) {
		var g models.Guest
		err := row.Scan(&g.SessionID, &g.PubKey, &g.Relay, &g.Role, &g.Sig, &g.ZapSplit)
		return g, err
	})
	if err != nil {
		return fmt.Errorf("scan guests: %w", err)
	}
	session.Guests = guests

	rows, err = r.pool.Query(ctx, `
SELECT id, session_id, url, recorded_at, duration_seconds FROM session_recordings
WHERE session_id = $1 ORDER BY recorded_at, id`, session.ID)
	if err != nil {
		return fmt.Errorf("load recordings: %w", err)
	}
	recordings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Recording, error) {
		var rec models.Recording
		err := row.Scan(&rec.ID, &rec.SessionID, &rec.URL, &rec.Timestamp, &rec.DurationSeconds)
		return rec, err
	})
	if err != nil {
		return fmt.Errorf("scan recordings: %w", err)
	}
	session.Recordings = recordings
	return nil
}

func (r *postgresRepository) FindOpenSession(ctx context.Context, ownerKey, endpointID string) (models.Session, error) {
	session, err := r.findSession(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE owner_key = $1 AND endpoint_id = $2 AND state IN ($3, $4)
ORDER BY started_at DESC LIMIT 1`,
		ownerKey, endpointID, int16(models.SessionPlanned), int16(models.SessionLive))
	if errors.Is(err, ErrNotFound) {
		return models.Session{}, fmt.Errorf("open session for %s: %w", ownerKey, ErrNotFound)
	}
	return session, err
}

func (r *postgresRepository) FindLiveSession(ctx context.Context, ownerKey string) (models.Session, error) {
	session, err := r.findSession(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE owner_key = $1 AND state = $2`,
		ownerKey, int16(models.SessionLive))
	if errors.Is(err, ErrNotFound) {
		return models.Session{}, fmt.Errorf("live session for %s: %w", ownerKey, ErrNotFound)
	}
	return session, err
}

func (r *postgresRepository) LatestSession(ctx context.Context, ownerKey string) (models.Session, error) {
	session, err := r.findSession(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE owner_key = $1 ORDER BY started_at DESC LIMIT 1`, ownerKey)
	if errors.Is(err, ErrNotFound) {
		return models.Session{}, fmt.Errorf("sessions for %s: %w", ownerKey, ErrNotFound)
	}
	return session, err
}

func (r *postgresRepository) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = $1 ORDER BY started_at`,
		int16(models.SessionLive))
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan live sessions: %w", err)
	}
	return sessions, nil
}

func (r *postgresRepository) execSession(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) BindEdge(ctx context.Context, id, addr, clientID string) error {
	return r.execSession(ctx, id, `UPDATE sessions SET edge_addr = $1, edge_client_id = $2 WHERE id = $3`, addr, clientID, id)
}

func (r *postgresRepository) MarkLive(ctx context.Context, id string, at time.Time, event string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE sessions SET
    started_at = CASE WHEN state = $1 THEN $2 ELSE started_at END,
    state = $3, ended_at = NULL, event = $4
WHERE id = $5 AND state <> $6`,
		int16(models.SessionPlanned), at, int16(models.SessionLive), event, id, int16(models.SessionEnded))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", id, ErrSessionConflict)
		}
		return fmt.Errorf("mark session live: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetSession(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, ErrStateConflict)
}

func (r *postgresRepository) MarkEnded(ctx context.Context, id string, at time.Time, event string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE sessions SET state = $1, ended_at = $2, event = $3
WHERE id = $4 AND state <> $1`, int16(models.SessionEnded), at, event, id)
	if err != nil {
		return false, fmt.Errorf("mark session ended: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *postgresRepository) UpdateEvent(ctx context.Context, id, event string) error {
	return r.execSession(ctx, id, `UPDATE sessions SET event = $1 WHERE id = $2`, event, id)
}

func (r *postgresRepository) TouchSegment(ctx context.Context, id string, at time.Time) error {
	return r.execSession(ctx, id, `UPDATE sessions SET last_segment = $1 WHERE id = $2`, at, id)
}

func (r *postgresRepository) UpdateSessionMetadata(ctx context.Context, id string, metadata models.Metadata) error {
	return r.execSession(ctx, id, `UPDATE sessions SET metadata = $1 WHERE id = $2`, metadata, id)
}

func (r *postgresRepository) ConsumeQuota(ctx context.Context, sessionID, ownerKey string, cost models.MilliSats, seconds float64) (models.MilliSats, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin quota transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var balance int64
	err = tx.QueryRow(ctx, `
UPDATE owners SET balance = balance - $1, version = version + 1
WHERE pubkey = $2
RETURNING balance`, int64(cost), ownerKey).Scan(&balance)
	if err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("owner %s: %w", ownerKey, ErrNotFound)
		}
		return 0, fmt.Errorf("debit owner: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE sessions SET earned = earned + $1, length_seconds = length_seconds + $2
WHERE id = $3 AND owner_key = $4`, int64(cost), seconds, sessionID, ownerKey)
	if err != nil {
		return 0, fmt.Errorf("credit session usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit quota: %w", err)
	}
	return models.MilliSats(balance), nil
}

func (r *postgresRepository) AddGuest(ctx context.Context, guest models.Guest) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO session_guests (session_id, pubkey, relay, role, sig, zap_split)
VALUES ($1, $2, $3, $4, $5, $6)`, guest.SessionID, guest.PubKey, guest.Relay, guest.Role, guest.Sig, guest.ZapSplit)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("guest %s: %w", guest.PubKey, ErrDuplicate)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("session %s: %w", guest.SessionID, ErrNotFound)
		}
		return fmt.Errorf("insert guest: %w", err)
	}
	return nil
}

func (r *postgresRepository) RemoveGuest(ctx context.Context, sessionID, pubkey string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM session_guests WHERE session_id = $1 AND pubkey = $2`, sessionID, pubkey)
	if err != nil {
		return fmt.Errorf("delete guest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("guest %s: %w", pubkey, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) AddRecording(ctx context.Context, recording models.Recording) (models.Recording, error) {
	if recording.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Recording{}, err
		}
		recording.ID = id
	}
	if recording.Timestamp.IsZero() {
		recording.Timestamp = r.cfg.Clock()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO session_recordings (id, session_id, url, recorded_at, duration_seconds)
VALUES ($1, $2, $3, $4, $5)`, recording.ID, recording.SessionID, recording.URL, recording.Timestamp, recording.DurationSeconds)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Recording{}, fmt.Errorf("session %s: %w", recording.SessionID, ErrNotFound)
		}
		return models.Recording{}, fmt.Errorf("insert recording: %w", err)
	}
	return recording, nil
}
