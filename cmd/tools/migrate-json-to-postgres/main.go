// Command migrate-json-to-postgres copies a JSON datastore into Postgres and
// verifies the row counts afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"paystream/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	bootstrap := flag.Bool("bootstrap", true, "apply the bundled schema before importing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	_ = godotenv.Load()

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PAYSTREAM_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, PAYSTREAM_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "owners", counts.Owners, "sessions", counts.Sessions)

	var opts []storage.Option
	if *bootstrap {
		opts = append(opts, storage.WithSchemaBootstrap())
	}
	repo, err := storage.NewPostgresRepository(dsn, append(opts, storage.WithPostgresApplicationName("paystream-migrate"))...)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close(context.Background())

	if err := storage.ImportSnapshotToPostgres(context.Background(), repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(context.Background(), dsn, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "owners", counts.Owners, "sessions", counts.Sessions, "recordings", counts.Recordings)
}

// verifyCounts checks that Postgres holds at least as many rows as the
// snapshot. Rows imported by an earlier run are skipped, so the target may
// hold more.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"owners", "SELECT COUNT(*) FROM owners", counts.Owners},
		{"owner_forwards", "SELECT COUNT(*) FROM owner_forwards", counts.Forwards},
		{"stream_keys", "SELECT COUNT(*) FROM stream_keys", counts.StreamKeys},
		{"ingest_endpoints", "SELECT COUNT(*) FROM ingest_endpoints", counts.Endpoints},
		{"sessions", "SELECT COUNT(*) FROM sessions", counts.Sessions},
		{"session_guests", "SELECT COUNT(*) FROM session_guests", counts.Guests},
		{"session_recordings", "SELECT COUNT(*) FROM session_recordings", counts.Recordings},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
