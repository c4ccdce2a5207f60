package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultEdgeTimeout = 10 * time.Second

// EdgeConfig describes how to reach the HTTP API of the edge nodes. Every
// edge is assumed to expose the API on the same scheme and port.
type EdgeConfig struct {
	APIScheme         string
	APIPort           string
	SegmentPort       string
	Token             string
	HTTPClient        *http.Client
	HTTPTimeout       time.Duration
	HTTPMaxAttempts   int
	HTTPRetryInterval time.Duration
}

// DefaultEdgeConfig matches a stock SRS deployment.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		APIScheme:         "http",
		APIPort:           "1985",
		SegmentPort:       "8080",
		HTTPTimeout:       defaultEdgeTimeout,
		HTTPMaxAttempts:   3,
		HTTPRetryInterval: 500 * time.Millisecond,
	}
}

// LoadEdgeConfigFromEnv initialises an EdgeConfig from environment variables.
func LoadEdgeConfigFromEnv() (EdgeConfig, error) {
	cfg := DefaultEdgeConfig()

	if scheme := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_API_SCHEME")); scheme != "" {
		cfg.APIScheme = strings.ToLower(scheme)
	}
	if port := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_API_PORT")); port != "" {
		cfg.APIPort = port
	}
	if port := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_SEGMENT_PORT")); port != "" {
		cfg.SegmentPort = port
	}
	cfg.Token = strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_API_TOKEN"))

	if timeout := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_HTTP_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return EdgeConfig{}, fmt.Errorf("parse PAYSTREAM_EDGE_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = parsed
	}

	if attempts := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_HTTP_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return EdgeConfig{}, fmt.Errorf("parse PAYSTREAM_EDGE_HTTP_MAX_ATTEMPTS: %w", err)
		}
		cfg.HTTPMaxAttempts = parsed
	}

	if interval := strings.TrimSpace(os.Getenv("PAYSTREAM_EDGE_HTTP_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return EdgeConfig{}, fmt.Errorf("parse PAYSTREAM_EDGE_HTTP_RETRY_INTERVAL: %w", err)
		}
		cfg.HTTPRetryInterval = parsed
	}

	if err := cfg.Validate(); err != nil {
		return EdgeConfig{}, err
	}
	cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c EdgeConfig) Validate() error {
	if c.APIScheme != "http" && c.APIScheme != "https" {
		return fmt.Errorf("unsupported edge API scheme %q", c.APIScheme)
	}
	for name, port := range map[string]string{"API": c.APIPort, "segment": c.SegmentPort} {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("invalid edge %s port %q", name, port)
		}
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("edge HTTP timeout must be positive")
	}
	if c.HTTPMaxAttempts <= 0 {
		return errors.New("edge HTTP max attempts must be positive")
	}
	if c.HTTPRetryInterval < 0 {
		return errors.New("edge HTTP retry interval cannot be negative")
	}
	return nil
}
