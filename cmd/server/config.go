package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "PAYSTREAM_"

type config struct {
	Addr      string
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string

	StorageDriver     string
	DataPath          string
	PostgresDSN       string
	PostgresMaxConns  int
	PostgresMinConns  int
	PostgresAppName   string
	PostgresBootstrap bool

	PresenceDriver  string
	RedisAddr       string
	RedisPassword   string
	RelayMirror     string
	DecayInterval   time.Duration
	ReconcileEvery  time.Duration
	ReconcileStale  time.Duration
	ShutdownTimeout time.Duration

	Relays        []string
	ServiceKey    string
	APIBase       string
	DataBase      string
	WatchBase     string
	TopupBase     string
	Origin        string
	TosDate       time.Time
	ForwardSecret string
	HookToken     string
	WebhookURL    string

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string
	FFProbePath     string
}

// loadConfig parses args, falling back to PAYSTREAM_* variables looked up
// through getenv for every flag left unset.
func loadConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	storageDriver := fs.String("storage-driver", "", "datastore driver (json or postgres)")
	dataPath := fs.String("data", "", "path to JSON datastore")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	postgresBootstrap := fs.Bool("postgres-bootstrap", false, "apply the bundled schema on start")
	presenceDriver := fs.String("presence-driver", "", "viewer presence driver (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "Redis address for presence and the relay mirror")
	redisPassword := fs.String("redis-password", "", "Redis password")
	relayMirror := fs.String("relay-mirror-channel", "", "Redis channel mirroring every broadcast event")
	decayInterval := fs.Duration("presence-decay-interval", 0, "interval between presence decay passes")
	reconcileEvery := fs.Duration("reconcile-interval", 0, "pause between reconcile passes")
	reconcileStale := fs.Duration("reconcile-stale-after", 0, "heartbeat age after which live sessions are ended")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown bound")
	relays := fs.String("relays", "", "comma separated relay URLs")
	serviceKey := fs.String("service-key", "", "service signing key (hex or nsec)")
	apiBase := fs.String("api-base", "", "public base URL of this service")
	dataBase := fs.String("data-base", "", "public base URL for playlists and recordings")
	watchBase := fs.String("watch-base", "", "base URL of watch links in went-live notifications")
	topupBase := fs.String("topup-base", "", "base URL of the top-up link in balance warnings")
	origin := fs.String("origin", "", "RTMP origin forwarded streams are pushed to")
	tosDate := fs.String("tos-date", "", "date of the current terms of service (YYYY-MM-DD)")
	forwardSecret := fs.String("forward-secret", "", "secret protecting stored forward targets")
	hookToken := fs.String("hook-token", "", "token required on SRS callbacks")
	webhookURL := fs.String("went-live-webhook", "", "webhook notified when a stream goes live")
	s3Bucket := fs.String("dvr-bucket", "", "S3 bucket for recorded segments")
	s3Region := fs.String("dvr-region", "", "S3 region")
	s3Endpoint := fs.String("dvr-endpoint", "", "S3 compatible endpoint")
	s3AccessKey := fs.String("dvr-access-key", "", "S3 access key")
	s3SecretKey := fs.String("dvr-secret-key", "", "S3 secret key")
	s3Public := fs.String("dvr-public-base", "", "public base URL of recorded segments")
	ffprobe := fs.String("ffprobe", "", "path to the ffprobe binary")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	env := func(key string) string { return strings.TrimSpace(getenv(envPrefix + key)) }
	var err error
	cfg := config{
		Addr:            firstNonEmpty(*addr, env("ADDR"), ":8080"),
		TLSCert:         firstNonEmpty(*tlsCert, env("TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, env("TLS_KEY")),
		LogLevel:        firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, env("LOG_FORMAT"), "json"),
		StorageDriver:   strings.ToLower(firstNonEmpty(*storageDriver, env("STORAGE_DRIVER"))),
		DataPath:        firstNonEmpty(*dataPath, env("DATA"), "data/store.json"),
		PostgresDSN:     firstNonEmpty(*postgresDSN, env("POSTGRES_DSN"), getenv("DATABASE_URL")),
		PostgresAppName: firstNonEmpty(*postgresAppName, env("POSTGRES_APP_NAME"), "paystream"),
		PresenceDriver:  strings.ToLower(firstNonEmpty(*presenceDriver, env("PRESENCE_DRIVER"), "memory")),
		RedisAddr:       firstNonEmpty(*redisAddr, env("REDIS_ADDR")),
		RedisPassword:   firstNonEmpty(*redisPassword, env("REDIS_PASSWORD")),
		RelayMirror:     firstNonEmpty(*relayMirror, env("RELAY_MIRROR_CHANNEL")),
		Relays:          splitAndTrim(firstNonEmpty(*relays, env("RELAYS"))),
		ServiceKey:      firstNonEmpty(*serviceKey, env("SERVICE_KEY")),
		APIBase:         firstNonEmpty(*apiBase, env("API_BASE")),
		DataBase:        firstNonEmpty(*dataBase, env("DATA_BASE")),
		WatchBase:       firstNonEmpty(*watchBase, env("WATCH_BASE")),
		TopupBase:       firstNonEmpty(*topupBase, env("TOPUP_BASE")),
		Origin:          firstNonEmpty(*origin, env("ORIGIN")),
		ForwardSecret:   firstNonEmpty(*forwardSecret, env("FORWARD_SECRET")),
		HookToken:       firstNonEmpty(*hookToken, env("HOOK_TOKEN")),
		WebhookURL:      firstNonEmpty(*webhookURL, env("WENT_LIVE_WEBHOOK")),
		S3Bucket:        firstNonEmpty(*s3Bucket, env("DVR_BUCKET")),
		S3Region:        firstNonEmpty(*s3Region, env("DVR_REGION")),
		S3Endpoint:      firstNonEmpty(*s3Endpoint, env("DVR_ENDPOINT")),
		S3AccessKey:     firstNonEmpty(*s3AccessKey, env("DVR_ACCESS_KEY")),
		S3SecretKey:     firstNonEmpty(*s3SecretKey, env("DVR_SECRET_KEY")),
		S3PublicBaseURL: firstNonEmpty(*s3Public, env("DVR_PUBLIC_BASE")),
		FFProbePath:     firstNonEmpty(*ffprobe, env("FFPROBE")),
	}
	if cfg.PostgresMaxConns, err = resolveInt(*postgresMaxConns, env("POSTGRES_MAX_CONNS")); err != nil {
		return config{}, fmt.Errorf("postgres max conns: %w", err)
	}
	if cfg.PostgresMinConns, err = resolveInt(*postgresMinConns, env("POSTGRES_MIN_CONNS")); err != nil {
		return config{}, fmt.Errorf("postgres min conns: %w", err)
	}
	if cfg.PostgresBootstrap, err = resolveBool(*postgresBootstrap, env("POSTGRES_BOOTSTRAP")); err != nil {
		return config{}, fmt.Errorf("postgres bootstrap: %w", err)
	}
	if cfg.DecayInterval, err = resolveDuration(*decayInterval, env("PRESENCE_DECAY_INTERVAL"), 30*time.Second); err != nil {
		return config{}, fmt.Errorf("presence decay interval: %w", err)
	}
	if cfg.ReconcileEvery, err = resolveDuration(*reconcileEvery, env("RECONCILE_INTERVAL"), time.Minute); err != nil {
		return config{}, fmt.Errorf("reconcile interval: %w", err)
	}
	if cfg.ReconcileStale, err = resolveDuration(*reconcileStale, env("RECONCILE_STALE_AFTER"), 2*time.Minute); err != nil {
		return config{}, fmt.Errorf("reconcile stale after: %w", err)
	}
	if cfg.ShutdownTimeout, err = resolveDuration(*shutdownTimeout, env("SHUTDOWN_TIMEOUT"), 10*time.Second); err != nil {
		return config{}, fmt.Errorf("shutdown timeout: %w", err)
	}
	if raw := firstNonEmpty(*tosDate, env("TOS_DATE")); raw != "" {
		if cfg.TosDate, err = time.Parse(time.DateOnly, raw); err != nil {
			return config{}, fmt.Errorf("tos date: %w", err)
		}
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "json"
		if cfg.PostgresDSN != "" {
			cfg.StorageDriver = "postgres"
		}
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.StorageDriver {
	case "json":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres storage selected without DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	switch c.PresenceDriver {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis addr is required for redis presence")
		}
	default:
		return fmt.Errorf("unsupported presence driver %q", c.PresenceDriver)
	}
	if c.RelayMirror != "" && c.RedisAddr == "" {
		return fmt.Errorf("redis addr is required for the relay mirror")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("both TLS cert and key must be provided")
	}
	if c.PostgresMinConns > c.PostgresMaxConns && c.PostgresMaxConns > 0 {
		return fmt.Errorf("postgres min conns %d exceeds max conns %d", c.PostgresMinConns, c.PostgresMaxConns)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, env string) (int, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if env == "" {
		return 0, nil
	}
	return strconv.Atoi(env)
}

func resolveBool(flagValue bool, env string) (bool, error) {
	if flagValue {
		return true, nil
	}
	if env == "" {
		return false, nil
	}
	return strconv.ParseBool(env)
}

func resolveDuration(flagValue time.Duration, env string, fallback time.Duration) (time.Duration, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if env == "" {
		return fallback, nil
	}
	return time.ParseDuration(env)
}
