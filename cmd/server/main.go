// Command server runs the stream-session engine: the SRS callback API, the
// reconciler and the presence decay loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"paystream/internal/api"
	"paystream/internal/dvr"
	"paystream/internal/events"
	"paystream/internal/ingest"
	"paystream/internal/ledger"
	"paystream/internal/notify"
	"paystream/internal/observability/logging"
	"paystream/internal/observability/metrics"
	"paystream/internal/presence"
	"paystream/internal/reconcile"
	"paystream/internal/relay"
	"paystream/internal/secrets"
	"paystream/internal/server"
	"paystream/internal/serverutil"
	"paystream/internal/session"
	"paystream/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	recorder := metrics.Default()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())
	logger.Info("datastore ready", "driver", cfg.StorageDriver)

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	var viewers presence.Tracker
	switch cfg.PresenceDriver {
	case "redis":
		counter, err := presence.NewRedisCounter(presence.RedisOptions{Client: redisClient})
		if err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		viewers = counter
	default:
		viewers = presence.NewCounter()
	}

	identity, err := serviceIdentity(cfg.ServiceKey, logger)
	if err != nil {
		return err
	}
	synth, err := events.NewSynthesizer(events.Config{
		Identity: identity,
		Relays:   cfg.Relays,
		APIBase:  cfg.APIBase,
		DataBase: cfg.DataBase,
	})
	if err != nil {
		return fmt.Errorf("event synthesizer: %w", err)
	}

	pool := relay.NewPool(relay.Options{
		URLs:    cfg.Relays,
		Logger:  logging.WithComponent(logger, "relay"),
		Metrics: recorder,
	})
	defer pool.Close()
	broadcasters := relay.Fanout{pool}
	if cfg.RelayMirror != "" {
		broadcasters = append(broadcasters, relay.NewRedisMirror(redisClient, cfg.RelayMirror, logging.WithComponent(logger, "relay-mirror")))
	}

	edgeCfg, err := ingest.LoadEdgeConfigFromEnv()
	if err != nil {
		return fmt.Errorf("edge config: %w", err)
	}
	edges := ingest.NewFactory(edgeCfg, logging.WithComponent(logger, "edge"))

	var recordings dvr.Store = dvr.Disabled{}
	s3Cfg := dvr.S3Config{
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		Endpoint:        cfg.S3Endpoint,
		PublicBaseURL:   cfg.S3PublicBaseURL,
		FFProbePath:     cfg.FFProbePath,
	}
	if s3Cfg.Enabled() {
		s3Store, err := dvr.NewS3Store(ctx, s3Cfg, logging.WithComponent(logger, "dvr"))
		if err != nil {
			return fmt.Errorf("dvr store: %w", err)
		}
		recordings = s3Store
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL, nil, logging.WithComponent(logger, "notify"))
	}

	deps := session.Deps{
		Store:     store,
		Ledger:    ledger.New(store, ledger.WithLogger(logging.WithComponent(logger, "ledger"))),
		Events:    synth,
		Relays:    broadcasters,
		Viewers:   viewers,
		Edges:     edges,
		DVR:       recordings,
		Notifier:  notifier,
		Metrics:   recorder,
		Logger:    logging.WithComponent(logger, "session"),
		TosDate:   cfg.TosDate,
		Origin:    cfg.Origin,
		WatchBase: cfg.WatchBase,
		TopupBase: cfg.TopupBase,
	}
	if cfg.ForwardSecret != "" {
		protector, err := secrets.NewProtector(cfg.ForwardSecret)
		if err != nil {
			return fmt.Errorf("forward secret: %w", err)
		}
		deps.Forwards = protector
	} else {
		logger.Warn("no forward secret configured, external forward targets are skipped")
	}
	resolver := session.NewResolver(deps)

	handler := api.NewHandler(resolver, store)
	handler.Segments = edges
	handler.Viewers = viewers
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")
	handler.HookToken = cfg.HookToken
	if redisClient != nil {
		handler.Probes = append(handler.Probes, api.Probe{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	reconciler := reconcile.New(store, resolver, reconcile.Config{
		Interval:   cfg.ReconcileEvery,
		StaleAfter: cfg.ReconcileStale,
		Logger:     logger,
		Metrics:    recorder,
	})

	httpServer := server.New(handler, server.Config{Addr: cfg.Addr, Logger: logging.WithComponent(logger, "http"), Metrics: recorder})
	return serverutil.Run(ctx, serverutil.Config{
		Server:          httpServer,
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Workers: []serverutil.Worker{
			{Name: "reconciler", Run: reconciler.Run},
			{Name: "presence-decay", Run: presenceDecayWorker(logging.WithComponent(logger, "presence"), viewers, cfg.DecayInterval)},
		},
	})
}

func openStore(cfg config) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case "postgres":
		opts := []storage.Option{storage.WithPostgresApplicationName(cfg.PostgresAppName)}
		if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)))
		}
		if cfg.PostgresBootstrap {
			opts = append(opts, storage.WithSchemaBootstrap())
		}
		store, err := storage.NewPostgresRepository(cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewStorage(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return store, nil
	}
}

func serviceIdentity(key string, logger *slog.Logger) (events.Identity, error) {
	if key != "" {
		identity, err := events.ParseIdentity(key)
		if err != nil {
			return events.Identity{}, fmt.Errorf("service key: %w", err)
		}
		return identity, nil
	}
	identity, err := events.GenerateIdentity()
	if err != nil {
		return events.Identity{}, fmt.Errorf("generate service key: %w", err)
	}
	logger.Warn("no service key configured, events are signed with an ephemeral key", "pubkey", identity.PubKey)
	return identity, nil
}
