package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrClientNotFound is returned when the edge no longer knows the client id.
var ErrClientNotFound = errors.New("edge client not found")

// srsCodeClientNotFound is the SRS API error code for an unknown client.
const srsCodeClientNotFound = 2049

// Controller issues control calls against the edge a session is bound to.
type Controller interface {
	KickClient(ctx context.Context, clientID string) error
}

// NoopController drops every call; used when a session has no edge binding.
type NoopController struct{}

func (NoopController) KickClient(context.Context, string) error { return nil }

// EdgeClient talks to the HTTP API of one SRS edge node.
type EdgeClient struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

type srsAPIResponse struct {
	Code int `json:"code"`
}

func newEdgeClient(baseURL, token string, client *http.Client, logger *slog.Logger, attempts int, interval time.Duration) *EdgeClient {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: defaultEdgeTimeout}
	}
	return &EdgeClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

// BaseURL returns the API root this client targets.
func (c *EdgeClient) BaseURL() string {
	return c.baseURL
}

// KickClient force-disconnects the publishing client.
func (c *EdgeClient) KickClient(ctx context.Context, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return fmt.Errorf("kick client: %w", ErrClientNotFound)
	}
	var response srsAPIResponse
	endpoint := fmt.Sprintf("%s/api/v1/clients/%s", c.baseURL, url.PathEscape(clientID))
	if err := doWithRetry(ctx, c.client, http.MethodDelete, endpoint, nil, func(req *http.Request) {
		setBearer(req, c.token)
	}, &response, c.logger, c.maxAttempts, c.retryInterval); err != nil {
		return fmt.Errorf("kick client %s: %w", clientID, err)
	}
	switch response.Code {
	case 0:
		return nil
	case srsCodeClientNotFound:
		return fmt.Errorf("kick client %s: %w", clientID, ErrClientNotFound)
	default:
		return fmt.Errorf("kick client %s: edge returned code %d", clientID, response.Code)
	}
}

// Factory builds controllers for the edge address stored on a session.
type Factory struct {
	cfg    EdgeConfig
	logger *slog.Logger
}

// NewFactory returns a Factory using cfg for every edge.
func NewFactory(cfg EdgeConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// ForEdge returns a controller for addr, or a NoopController when addr is
// empty.
func (f *Factory) ForEdge(addr string) Controller {
	host := strings.TrimSpace(addr)
	if host == "" {
		return NoopController{}
	}
	return newEdgeClient(f.apiBase(host), f.cfg.Token, f.cfg.HTTPClient, f.logger, f.cfg.HTTPMaxAttempts, f.cfg.HTTPRetryInterval)
}

func (f *Factory) apiBase(host string) string {
	return fmt.Sprintf("%s://%s", f.cfg.APIScheme, net.JoinHostPort(host, f.cfg.APIPort))
}

// SegmentURL resolves a segment reference reported by an edge against that
// edge's HTTP server. Absolute URLs are returned unchanged.
func (f *Factory) SegmentURL(addr, segment string) string {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return ""
	}
	if parsed, err := url.Parse(segment); err == nil && parsed.IsAbs() {
		return segment
	}
	host := strings.TrimSpace(addr)
	if host == "" {
		return segment
	}
	base := &url.URL{Scheme: f.cfg.APIScheme, Host: net.JoinHostPort(host, f.cfg.SegmentPort), Path: "/"}
	ref, err := url.Parse(strings.TrimPrefix(segment, "./"))
	if err != nil {
		return segment
	}
	return base.ResolveReference(ref).String()
}

func doWithRetry(ctx context.Context, client *http.Client, method, url string, payload []byte, mutate func(*http.Request), dest interface{}, logger *slog.Logger, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if interval < 0 {
		interval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if mutate != nil {
			mutate(req)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if dest == nil {
						lastErr = nil
						return
					}
					if err := json.NewDecoder(resp.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
						lastErr = err
					} else {
						lastErr = nil
					}
					return
				}
				data, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			logger.Warn("edge HTTP request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
			if interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
		}
	}
	return lastErr
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
