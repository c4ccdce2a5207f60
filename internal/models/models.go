package models

import (
	"strings"
	"time"
)

// SessionState is the lifecycle position of a broadcast session.
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionPlanned
	SessionLive
	SessionEnded
)

// String returns the value used in the status tag of the session event.
func (s SessionState) String() string {
	switch s {
	case SessionPlanned:
		return "planned"
	case SessionLive:
		return "live"
	case SessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Self transitions on Live and Ended are allowed so repeated edge
// callbacks stay idempotent.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionPlanned:
		return next == SessionLive || next == SessionEnded
	case SessionLive:
		return next == SessionLive || next == SessionEnded
	case SessionEnded:
		return next == SessionEnded
	default:
		return false
	}
}

// DefaultCostPerMinute is applied to endpoints created without an explicit
// price.
const DefaultCostPerMinute MilliSats = 10_000

// NewAccountCredit is granted to owners on first sign-in.
const NewAccountCredit MilliSats = 1_000_000

const (
	CapabilityDVRSource = "dvr:source"
	capabilityVariant   = "variant:"
)

// Metadata holds the display fields copied into each status event.
type Metadata struct {
	Title          string `json:"title,omitempty"`
	Summary        string `json:"summary,omitempty"`
	Image          string `json:"image,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	Tags           string `json:"tags,omitempty"`
	ContentWarning string `json:"contentWarning,omitempty"`
	Goal           string `json:"goal,omitempty"`
}

// Owner is an account identified by its public key.
type Owner struct {
	PubKey        string      `json:"pubkey"`
	StreamKey     string      `json:"streamKey"`
	Balance       MilliSats   `json:"balance"`
	Version       int64       `json:"version"`
	TosAcceptedAt *time.Time  `json:"tosAcceptedAt,omitempty"`
	Defaults      Metadata    `json:"defaults"`
	IsAdmin       bool        `json:"isAdmin"`
	IsBlocked     bool        `json:"isBlocked"`
	Forwards      []Forward   `json:"forwards,omitempty"`
	StreamKeys    []StreamKey `json:"streamKeys,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Forward is an external restream target. Target holds protected ciphertext.
type Forward struct {
	ID       string `json:"id"`
	OwnerKey string `json:"ownerKey"`
	Name     string `json:"name"`
	Target   string `json:"target"`
}

// StreamKey is a single-use credential bound to exactly one session.
type StreamKey struct {
	ID        string     `json:"id"`
	OwnerKey  string     `json:"ownerKey"`
	Key       string     `json:"key"`
	SessionID string     `json:"sessionId"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the credential can no longer be used at now.
func (k StreamKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IngestEndpoint is a named ingress route with its own price and features.
type IngestEndpoint struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	App           string    `json:"app"`
	Forward       string    `json:"forward"`
	CostPerMinute MilliSats `json:"costPerMinute"`
	Capabilities  []string  `json:"capabilities,omitempty"`
}

// HasCapability reports whether the endpoint advertises the capability tag.
func (e IngestEndpoint) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), capability) {
			return true
		}
	}
	return false
}

// SupportsDVR reports whether source segments are archived for this route.
func (e IngestEndpoint) SupportsDVR() bool {
	return e.HasCapability(CapabilityDVRSource)
}

// Variants lists the transcode variants advertised as "variant:<name>:..."
// capability tags.
func (e IngestEndpoint) Variants() []string {
	var out []string
	for _, c := range e.Capabilities {
		if !strings.HasPrefix(c, capabilityVariant) {
			continue
		}
		rest := strings.TrimPrefix(c, capabilityVariant)
		name, _, _ := strings.Cut(rest, ":")
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Guest is a co-host attached to one session.
type Guest struct {
	SessionID string  `json:"sessionId"`
	PubKey    string  `json:"pubkey"`
	Relay     string  `json:"relay,omitempty"`
	Role      string  `json:"role"`
	Sig       string  `json:"sig,omitempty"`
	ZapSplit  float64 `json:"zapSplit"`
}

// Recording is an archived segment of a session.
type Recording struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	URL             string    `json:"url"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds float64   `json:"durationSeconds"`
}

// Session is one broadcast attempt.
type Session struct {
	ID              string       `json:"id"`
	OwnerKey        string       `json:"ownerKey"`
	EndpointID      string       `json:"endpointId"`
	State           SessionState `json:"state"`
	StartedAt       time.Time    `json:"startedAt"`
	EndedAt         *time.Time   `json:"endedAt,omitempty"`
	EdgeAddr        string       `json:"edgeAddr"`
	EdgeClientID    string       `json:"edgeClientId"`
	LastSegment     *time.Time   `json:"lastSegment,omitempty"`
	EarnedMilliSats MilliSats    `json:"earnedMilliSats"`
	LengthSeconds   float64      `json:"lengthSeconds"`
	AdmissionCost   *MilliSats   `json:"admissionCost,omitempty"`
	Metadata        Metadata     `json:"metadata"`
	Event           string       `json:"event,omitempty"`
	StreamKeyID     *string      `json:"streamKeyId,omitempty"`
	Guests          []Guest      `json:"guests,omitempty"`
	Recordings      []Recording  `json:"recordings,omitempty"`
}

// Heartbeat is the last time the edge proved the session alive: the most
// recent segment, or the start time before any segment arrived.
func (s Session) Heartbeat() time.Time {
	if s.LastSegment != nil {
		return *s.LastSegment
	}
	return s.StartedAt
}

// Clone returns a deep copy safe to hand out of a store.
func (s Session) Clone() Session {
	out := s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.LastSegment != nil {
		t := *s.LastSegment
		out.LastSegment = &t
	}
	if s.AdmissionCost != nil {
		c := *s.AdmissionCost
		out.AdmissionCost = &c
	}
	if s.StreamKeyID != nil {
		k := *s.StreamKeyID
		out.StreamKeyID = &k
	}
	out.Guests = append([]Guest(nil), s.Guests...)
	out.Recordings = append([]Recording(nil), s.Recordings...)
	return out
}

// Clone returns a deep copy of the owner.
func (o Owner) Clone() Owner {
	out := o
	if o.TosAcceptedAt != nil {
		t := *o.TosAcceptedAt
		out.TosAcceptedAt = &t
	}
	out.Forwards = append([]Forward(nil), o.Forwards...)
	if o.StreamKeys != nil {
		out.StreamKeys = make([]StreamKey, len(o.StreamKeys))
		for i, k := range o.StreamKeys {
			if k.ExpiresAt != nil {
				t := *k.ExpiresAt
				k.ExpiresAt = &t
			}
			out.StreamKeys[i] = k
		}
	}
	return out
}
