package storage

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paystream/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the bundled DDL. Every statement is idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

// Snapshot is the full contents of a JSON datastore.
type Snapshot struct {
	Owners    []models.Owner
	Endpoints []models.IngestEndpoint
	Sessions  []models.Session
}

// SnapshotCounts summarises a snapshot for verification after import.
type SnapshotCounts struct {
	Owners     int
	Forwards   int
	StreamKeys int
	Endpoints  int
	Sessions   int
	Guests     int
	Recordings int
}

// LoadSnapshotFromJSON reads the JSON datastore at path.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	store, err := NewStorage(path)
	if err != nil {
		return Snapshot{}, err
	}
	data := store.snapshot()
	var snap Snapshot
	for _, owner := range data.Owners {
		snap.Owners = append(snap.Owners, owner)
	}
	for _, endpoint := range data.Endpoints {
		snap.Endpoints = append(snap.Endpoints, endpoint)
	}
	for _, session := range data.Sessions {
		snap.Sessions = append(snap.Sessions, session)
	}
	sort.Slice(snap.Owners, func(i, j int) bool { return snap.Owners[i].PubKey < snap.Owners[j].PubKey })
	sort.Slice(snap.Endpoints, func(i, j int) bool { return snap.Endpoints[i].App < snap.Endpoints[j].App })
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].StartedAt.Before(snap.Sessions[j].StartedAt) })
	return snap, nil
}

// Counts returns row totals per table.
func (s Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{
		Owners:    len(s.Owners),
		Endpoints: len(s.Endpoints),
		Sessions:  len(s.Sessions),
	}
	for _, owner := range s.Owners {
		counts.Forwards += len(owner.Forwards)
		counts.StreamKeys += len(owner.StreamKeys)
	}
	for _, session := range s.Sessions {
		counts.Guests += len(session.Guests)
		counts.Recordings += len(session.Recordings)
	}
	return counts
}

// ImportSnapshotToPostgres copies snapshot into repo inside one
// transaction. Rows that already exist are left untouched.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot Snapshot) error {
	r, ok := repo.(*postgresRepository)
	if !ok || r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if err := importSnapshotOwners(ctx, tx, snapshot.Owners); err != nil {
		return err
	}
	if err := importSnapshotEndpoints(ctx, tx, snapshot.Endpoints); err != nil {
		return err
	}
	if err := importSnapshotSessions(ctx, tx, snapshot.Sessions); err != nil {
		return err
	}
	if err := importSnapshotStreamKeys(ctx, tx, snapshot.Owners); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}

func importSnapshotOwners(ctx context.Context, tx pgx.Tx, owners []models.Owner) error {
	for _, owner := range owners {
		if _, err := tx.Exec(ctx, `
INSERT INTO owners (pubkey, stream_key, balance, version, tos_accepted_at, defaults, is_admin, is_blocked, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (pubkey) DO NOTHING`,
			owner.PubKey, owner.StreamKey, int64(owner.Balance), owner.Version, owner.TosAcceptedAt,
			owner.Defaults, owner.IsAdmin, owner.IsBlocked, owner.CreatedAt); err != nil {
			return fmt.Errorf("import owner %s: %w", owner.PubKey, err)
		}
		for _, forward := range owner.Forwards {
			if _, err := tx.Exec(ctx, `
INSERT INTO owner_forwards (id, owner_key, name, target) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, forward.ID, owner.PubKey, forward.Name, forward.Target); err != nil {
				return fmt.Errorf("import forward %s: %w", forward.ID, err)
			}
		}
	}
	return nil
}

func importSnapshotEndpoints(ctx context.Context, tx pgx.Tx, endpoints []models.IngestEndpoint) error {
	for _, endpoint := range endpoints {
		capabilities := endpoint.Capabilities
		if capabilities == nil {
			capabilities = []string{}
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO ingest_endpoints (id, name, app, forward, cost_per_minute, capabilities)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT DO NOTHING`,
			endpoint.ID, endpoint.Name, endpoint.App, endpoint.Forward, int64(endpoint.CostPerMinute), capabilities); err != nil {
			return fmt.Errorf("import endpoint %s: %w", endpoint.App, err)
		}
	}
	return nil
}

func importSnapshotSessions(ctx context.Context, tx pgx.Tx, sessions []models.Session) error {
	for _, session := range sessions {
		var admission *int64
		if session.AdmissionCost != nil {
			cost := int64(*session.AdmissionCost)
			admission = &cost
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO sessions (id, owner_key, endpoint_id, state, started_at, ended_at, edge_addr, edge_client_id,
    last_segment, earned, length_seconds, admission_cost, metadata, event, stream_key_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`,
			session.ID, session.OwnerKey, session.EndpointID, int16(session.State), session.StartedAt, session.EndedAt,
			session.EdgeAddr, session.EdgeClientID, session.LastSegment, int64(session.EarnedMilliSats),
			session.LengthSeconds, admission, session.Metadata, session.Event, session.StreamKeyID); err != nil {
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
		for _, guest := range session.Guests {
			if _, err := tx.Exec(ctx, `
INSERT INTO session_guests (session_id, pubkey, relay, role, sig, zap_split)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT DO NOTHING`, session.ID, guest.PubKey, guest.Relay, guest.Role, guest.Sig, guest.ZapSplit); err != nil {
				return fmt.Errorf("import guest %s: %w", guest.PubKey, err)
			}
		}
		for _, rec := range session.Recordings {
			if _, err := tx.Exec(ctx, `
INSERT INTO session_recordings (id, session_id, url, recorded_at, duration_seconds)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, rec.ID, session.ID, rec.URL, rec.Timestamp, rec.DurationSeconds); err != nil {
				return fmt.Errorf("import recording %s: %w", rec.ID, err)
			}
		}
	}
	return nil
}

// importSnapshotStreamKeys runs after sessions so bound keys can reference
// them.
func importSnapshotStreamKeys(ctx context.Context, tx pgx.Tx, owners []models.Owner) error {
	for _, owner := range owners {
		for _, key := range owner.StreamKeys {
			var sessionID *string
			if key.SessionID != "" {
				id := key.SessionID
				sessionID = &id
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO stream_keys (id, owner_key, key, session_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, key.ID, owner.PubKey, key.Key, sessionID, key.CreatedAt, key.ExpiresAt); err != nil {
				return fmt.Errorf("import stream key %s: %w", key.ID, err)
			}
		}
	}
	return nil
}
