package main

import (
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, envMap(nil))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected listener defaults: %+v", cfg)
	}
	if cfg.StorageDriver != "json" || cfg.DataPath != "data/store.json" {
		t.Fatalf("expected json storage default, got %q at %q", cfg.StorageDriver, cfg.DataPath)
	}
	if cfg.PresenceDriver != "memory" {
		t.Fatalf("expected memory presence, got %q", cfg.PresenceDriver)
	}
	if cfg.DecayInterval != 30*time.Second || cfg.ReconcileEvery != time.Minute || cfg.ReconcileStale != 2*time.Minute {
		t.Fatalf("unexpected loop intervals: %+v", cfg)
	}
	if !cfg.TosDate.IsZero() {
		t.Fatalf("expected zero tos date, got %v", cfg.TosDate)
	}
}

func TestLoadConfigEnvFallback(t *testing.T) {
	cfg, err := loadConfig(nil, envMap(map[string]string{
		"PAYSTREAM_ADDR":               ":9000",
		"PAYSTREAM_RELAYS":             "wss://a.example.com, wss://b.example.com,,",
		"PAYSTREAM_TOS_DATE":           "2024-01-01",
		"PAYSTREAM_RECONCILE_INTERVAL": "15s",
		"PAYSTREAM_PRESENCE_DRIVER":    "REDIS",
		"PAYSTREAM_REDIS_ADDR":         "localhost:6379",
		"PAYSTREAM_POSTGRES_BOOTSTRAP": "true",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if len(cfg.Relays) != 2 || cfg.Relays[1] != "wss://b.example.com" {
		t.Fatalf("unexpected relays: %v", cfg.Relays)
	}
	if !cfg.TosDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected tos date: %v", cfg.TosDate)
	}
	if cfg.ReconcileEvery != 15*time.Second {
		t.Fatalf("expected 15s reconcile interval, got %v", cfg.ReconcileEvery)
	}
	if cfg.PresenceDriver != "redis" || !cfg.PostgresBootstrap {
		t.Fatalf("unexpected presence/bootstrap: %+v", cfg)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	cfg, err := loadConfig([]string{"-addr", ":7000", "-shutdown-timeout", "3s"}, envMap(map[string]string{"PAYSTREAM_ADDR": ":9000"}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Addr != ":7000" || cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("expected flag values, got %q %v", cfg.Addr, cfg.ShutdownTimeout)
	}
}

func TestLoadConfigInfersPostgres(t *testing.T) {
	cfg, err := loadConfig(nil, envMap(map[string]string{"DATABASE_URL": "postgres://localhost/paystream"}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StorageDriver != "postgres" || cfg.PostgresDSN != "postgres://localhost/paystream" {
		t.Fatalf("expected postgres from DATABASE_URL, got %q %q", cfg.StorageDriver, cfg.PostgresDSN)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"postgres without dsn", []string{"-storage-driver", "postgres"}, nil, "without DSN"},
		{"unknown driver", []string{"-storage-driver", "sqlite"}, nil, "unsupported storage driver"},
		{"redis presence without addr", []string{"-presence-driver", "redis"}, nil, "redis addr"},
		{"mirror without redis", []string{"-relay-mirror-channel", "events"}, nil, "relay mirror"},
		{"half tls", []string{"-tls-cert", "cert.pem"}, nil, "TLS"},
		{"pool bounds", []string{"-postgres-dsn", "postgres://x", "-postgres-max-conns", "2", "-postgres-min-conns", "5"}, nil, "exceeds"},
		{"bad tos date", nil, map[string]string{"PAYSTREAM_TOS_DATE": "yesterday"}, "tos date"},
		{"bad duration", nil, map[string]string{"PAYSTREAM_SHUTDOWN_TIMEOUT": "soon"}, "shutdown timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(tc.args, envMap(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
