// Command bootstrap-owner seeds an owner account and, optionally, an ingest
// endpoint and a balance top-up in the datastore.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nbd-wtf/go-nostr/nip19"

	"paystream/internal/ledger"
	"paystream/internal/models"
	"paystream/internal/storage"
)

func main() {
	var (
		jsonPath     string
		postgresDSN  string
		pubkey       string
		acceptTos    bool
		credit       string
		app          string
		endpointName string
		forward      string
		cost         string
		capabilities string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&pubkey, "pubkey", "", "Owner public key (hex or npub)")
	flag.BoolVar(&acceptTos, "accept-tos", false, "Record terms acceptance for a newly created owner")
	flag.StringVar(&credit, "credit", "", "Sats to add to the owner balance")
	flag.StringVar(&app, "app", "", "Ingest app to create or update")
	flag.StringVar(&endpointName, "endpoint-name", "", "Display name of the ingest endpoint")
	flag.StringVar(&forward, "forward", "", "Forward vhost of the ingest endpoint")
	flag.StringVar(&cost, "cost", "", "Sats charged per streamed minute on the endpoint")
	flag.StringVar(&capabilities, "capabilities", "", "Comma separated endpoint capabilities")
	flag.Parse()
	_ = godotenv.Load()

	if postgresDSN == "" && jsonPath == "" {
		postgresDSN = strings.TrimSpace(os.Getenv("PAYSTREAM_POSTGRES_DSN"))
	}
	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(pubkey) == "" && app == "" {
		fatalf("--pubkey or --app is required")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)
	ctx := context.Background()

	if app != "" {
		endpoint, err := upsertEndpoint(ctx, repo, app, endpointName, forward, cost, capabilities)
		if err != nil {
			fatalf("endpoint: %v", err)
		}
		fmt.Printf("Endpoint %s (%s) charges %s per minute.\n", endpoint.App, endpoint.Name, endpoint.CostPerMinute)
	}

	if strings.TrimSpace(pubkey) == "" {
		return
	}
	ownerKey, err := normalizePubkey(pubkey)
	if err != nil {
		fatalf("pubkey: %v", err)
	}
	owner, created, err := bootstrapOwner(ctx, repo, ownerKey, acceptTos)
	if err != nil {
		fatalf("bootstrap owner: %v", err)
	}
	state := "already exists"
	if created {
		state = "created"
	}
	fmt.Printf("Owner %s %s with stream key %s.\n", owner.PubKey, state, owner.StreamKey)

	if credit != "" {
		amount, err := models.ParseSats(credit)
		if err != nil {
			fatalf("credit: %v", err)
		}
		owner, err = ledger.New(repo).Credit(ctx, owner.PubKey, amount)
		if err != nil {
			fatalf("credit: %v", err)
		}
		fmt.Printf("Balance is now %s.\n", owner.Balance)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

// normalizePubkey accepts a hex key or an npub and returns the hex form.
func normalizePubkey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "npub") {
		prefix, value, err := nip19.Decode(input)
		if err != nil {
			return "", err
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected %s", prefix)
		}
		input = value.(string)
	}
	if raw, err := hex.DecodeString(input); err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%q is not a 32 byte hex key", input)
	}
	return strings.ToLower(input), nil
}

func bootstrapOwner(ctx context.Context, repo storage.Repository, pubkey string, acceptTos bool) (models.Owner, bool, error) {
	existing, err := repo.GetOwner(ctx, pubkey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Owner{}, false, err
	}
	owner, err := storage.NewOwner(pubkey)
	if err != nil {
		return models.Owner{}, false, err
	}
	if acceptTos {
		now := time.Now().UTC()
		owner.TosAcceptedAt = &now
	}
	created, err := repo.CreateOwner(ctx, owner)
	if err != nil {
		return models.Owner{}, false, err
	}
	return created, true, nil
}

func upsertEndpoint(ctx context.Context, repo storage.Repository, app, name, forward, cost, capabilities string) (models.IngestEndpoint, error) {
	app = strings.TrimSpace(app)
	endpoint, err := repo.FindEndpointByApp(ctx, app)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return models.IngestEndpoint{}, err
	}
	endpoint.App = app
	if name = strings.TrimSpace(name); name != "" {
		endpoint.Name = name
	}
	if endpoint.Name == "" {
		endpoint.Name = app
	}
	if forward = strings.TrimSpace(forward); forward != "" {
		endpoint.Forward = forward
	}
	if cost != "" {
		perMinute, err := models.ParseSats(cost)
		if err != nil {
			return models.IngestEndpoint{}, fmt.Errorf("cost: %w", err)
		}
		if perMinute < 0 {
			return models.IngestEndpoint{}, fmt.Errorf("cost must not be negative")
		}
		endpoint.CostPerMinute = perMinute
	}
	if capabilities != "" {
		endpoint.Capabilities = nil
		for _, capability := range strings.Split(capabilities, ",") {
			if trimmed := strings.TrimSpace(capability); trimmed != "" {
				endpoint.Capabilities = append(endpoint.Capabilities, trimmed)
			}
		}
	}
	return repo.UpsertEndpoint(ctx, endpoint)
}
