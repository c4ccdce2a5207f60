package edgestub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake edge should behave.
type Options struct {
	// Clients lists the client ids the edge knows. Kicking any other id
	// returns SRS code 2049.
	Clients []string

	// FailKicks causes the first N kick requests to return HTTP 503.
	FailKicks int

	// Token is the bearer token the API expects. Empty skips the check.
	Token string

	// Segments maps a path below /segments/ to the bytes served for it.
	Segments map[string][]byte
}

// Operation represents a recorded API interaction.
type Operation struct {
	Kind      string
	ClientID  string
	Path      string
	Status    int
	Code      int
	Timestamp time.Time
}

// Edge hosts a single httptest.Server that serves the API and segments.
type Edge struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	clients    map[string]bool
	kickErr    int
}

// Start spins up a new edge stub using the provided options.
func Start(opts Options) *Edge {
	e := &Edge{opts: opts, clients: make(map[string]bool)}
	for _, id := range opts.Clients {
		e.clients[id] = true
	}
	e.server = httptest.NewServer(http.HandlerFunc(e.handle))
	return e
}

// Close shuts down the underlying HTTP server.
func (e *Edge) Close() {
	if e.server != nil {
		e.server.Close()
	}
}

// BaseURL returns the HTTP base URL of the stub.
func (e *Edge) BaseURL() string {
	return e.server.URL
}

// Host returns the host part of the listen address.
func (e *Edge) Host() string {
	host, _, _ := net.SplitHostPort(e.server.Listener.Addr().String())
	return host
}

// Port returns the port part of the listen address.
func (e *Edge) Port() string {
	_, port, _ := net.SplitHostPort(e.server.Listener.Addr().String())
	return port
}

// Client returns an HTTP client wired to the stub.
func (e *Edge) Client() *http.Client {
	return e.server.Client()
}

// Operations returns a copy of all recorded operations in order.
func (e *Edge) Operations() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Operation, len(e.operations))
	copy(out, e.operations)
	return out
}

// Kicked returns the client ids that were disconnected successfully.
func (e *Edge) Kicked() []string {
	var out []string
	for _, op := range e.Operations() {
		if op.Kind == "kick" && op.Status == http.StatusOK && op.Code == 0 {
			out = append(out, op.ClientID)
		}
	}
	return out
}

func (e *Edge) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/v1/clients/"):
		e.handleKick(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/segments/"):
		e.handleSegment(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (e *Edge) handleKick(w http.ResponseWriter, r *http.Request) {
	if !e.expectBearer(w, r) {
		return
	}
	clientID := strings.TrimPrefix(r.URL.Path, "/api/v1/clients/")

	e.mu.Lock()
	if e.kickErr < e.opts.FailKicks {
		e.kickErr++
		e.mu.Unlock()
		e.record(Operation{Kind: "kick", ClientID: clientID, Status: http.StatusServiceUnavailable})
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	code := 0
	if e.clients[clientID] {
		delete(e.clients, clientID)
	} else {
		code = 2049
	}
	e.mu.Unlock()

	e.record(Operation{Kind: "kick", ClientID: clientID, Status: http.StatusOK, Code: code})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"code": code})
}

func (e *Edge) handleSegment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/segments/")
	data, ok := e.opts.Segments[name]
	if !ok {
		e.record(Operation{Kind: "segment", Path: name, Status: http.StatusNotFound})
		http.NotFound(w, r)
		return
	}
	e.record(Operation{Kind: "segment", Path: name, Status: http.StatusOK})
	w.Header().Set("Content-Type", "video/mp2t")
	_, _ = w.Write(data)
}

func (e *Edge) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operations = append(e.operations, op)
}

func (e *Edge) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	expected := strings.TrimSpace(e.opts.Token)
	if expected == "" {
		return true
	}
	if got := r.Header.Get("Authorization"); got != fmt.Sprintf("Bearer %s", expected) {
		e.record(Operation{Kind: "unauthorized", Path: r.URL.Path, Status: http.StatusUnauthorized})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
