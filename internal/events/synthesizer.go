// Package events builds the signed Nostr events the service publishes: the
// replaceable live-activity status event for each session, session chat
// messages, and encrypted direct messages to owners.
package events

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"paystream/internal/models"
)

const (
	KindDirectMessage = 4
	KindLiveChat      = 1311
	KindLiveEvent     = 30311
)

const participantsTag = "current_participants"

// Config holds the fixed inputs of every status event.
type Config struct {
	Identity Identity
	Relays   []string
	// APIBase is the public base URL of this service.
	APIBase string
	// DataBase is the public base URL serving playlists and recordings.
	DataBase string
	Clock    func() time.Time
}

// Snapshot is everything the status event depends on besides configuration.
type Snapshot struct {
	Session  models.Session
	Endpoint models.IngestEndpoint
	Viewers  int
	// DefaultImage is the owner's default image, used when the session has
	// neither an image nor a thumbnail.
	DefaultImage string
}

// Synthesizer turns session snapshots into signed events. It holds no mutable
// state and is safe for concurrent use.
type Synthesizer struct {
	identity Identity
	relays   []string
	apiBase  string
	dataBase string
	now      func() time.Time
}

// NewSynthesizer validates cfg and returns a Synthesizer.
func NewSynthesizer(cfg Config) (*Synthesizer, error) {
	if cfg.Identity.PubKey == "" {
		return nil, fmt.Errorf("%w: identity required", ErrInvalidKey)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{
		identity: cfg.Identity,
		relays:   append([]string(nil), cfg.Relays...),
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		dataBase: strings.TrimRight(cfg.DataBase, "/"),
		now:      now,
	}, nil
}

// PubKey returns the service public key events are signed with.
func (s *Synthesizer) PubKey() string {
	return s.identity.PubKey
}

// StatusEvent builds and signs the live-activity event for a session.
func (s *Synthesizer) StatusEvent(snap Snapshot) (*nostr.Event, error) {
	session := snap.Session
	meta := session.Metadata

	image := meta.Image
	if image == "" {
		image = meta.Thumbnail
	}
	if image == "" {
		image = snap.DefaultImage
	}

	tags := nostr.Tags{
		{"d", session.ID},
		{"title", meta.Title},
		{"summary", meta.Summary},
		{"image", image},
		{"status", session.State.String()},
		{"p", session.OwnerKey, "", "host"},
		append(nostr.Tag{"relays"}, s.relays...),
		{"starts", unix(session.StartedAt)},
		{"service", s.apiBase + "/api/nostr"},
	}

	for _, guest := range session.Guests {
		tag := nostr.Tag{"p", guest.PubKey, guest.Relay, guest.Role}
		if guest.Sig != "" {
			tag = append(tag, guest.Sig)
		}
		tags = append(tags, tag)
	}

	switch session.State {
	case models.SessionLive:
		tags = append(tags,
			nostr.Tag{"streaming", s.dataURL("stream", session.ID+".m3u8")},
			nostr.Tag{participantsTag, strconv.Itoa(snap.Viewers)},
		)
		if meta.ContentWarning != "" {
			tags = append(tags, nostr.Tag{"content-warning", meta.ContentWarning})
		}
	case models.SessionEnded:
		if snap.Endpoint.SupportsDVR() {
			tags = append(tags, nostr.Tag{"recording", s.dataURL("recording", session.ID+".m3u8")})
		}
		if session.EndedAt != nil {
			tags = append(tags, nostr.Tag{"ends", unix(*session.EndedAt)})
		}
	}

	for _, topic := range SplitTopics(meta.Tags) {
		tags = append(tags, nostr.Tag{"t", topic})
	}
	if meta.Goal != "" {
		tags = append(tags, nostr.Tag{"goal", meta.Goal})
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(s.now().Unix()),
		Kind:      KindLiveEvent,
		Tags:      tags,
		Content:   "",
	}
	if err := s.identity.sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Address returns the replaceable event address of a session.
func (s *Synthesizer) Address(sessionID string) string {
	return fmt.Sprintf("%d:%s:%s", KindLiveEvent, s.identity.PubKey, sessionID)
}

// Naddr returns the bech32 address of a session's status event, suitable for
// share links.
func (s *Synthesizer) Naddr(sessionID string) (string, error) {
	return nip19.EncodeEntity(s.identity.PubKey, KindLiveEvent, sessionID, s.relays)
}

// Npub renders a hex public key in bech32 form, falling back to the hex
// value when it cannot be encoded.
func Npub(pubkey string) string {
	encoded, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return pubkey
	}
	return encoded
}

// ChatMessage builds a chat message posted into the session's live chat.
func (s *Synthesizer) ChatMessage(sessionID, text string) (*nostr.Event, error) {
	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(s.now().Unix()),
		Kind:      KindLiveChat,
		Tags:      nostr.Tags{{"a", s.Address(sessionID)}},
		Content:   text,
	}
	if err := s.identity.sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// DirectMessage builds a NIP-04 encrypted message to recipient.
func (s *Synthesizer) DirectMessage(recipient, text string) (*nostr.Event, error) {
	shared, err := nip04.ComputeSharedSecret(recipient, s.identity.secret)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	content, err := nip04.Encrypt(text, shared)
	if err != nil {
		return nil, fmt.Errorf("encrypt direct message: %w", err)
	}
	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(s.now().Unix()),
		Kind:      KindDirectMessage,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   content,
	}
	if err := s.identity.sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Synthesizer) dataURL(elem ...string) string {
	joined, err := url.JoinPath(s.dataBase, elem...)
	if err != nil {
		return s.dataBase + "/" + strings.Join(elem, "/")
	}
	return joined
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Encode serializes an event for storage on the session row.
func Encode(ev *nostr.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}

// Decode parses a stored event.
func Decode(raw string) (*nostr.Event, error) {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// ViewerCount returns the current_participants value carried by a stored
// event. ok is false when the event is missing, unparsable, or has no count.
func ViewerCount(raw string) (count string, ok bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	ev, err := Decode(raw)
	if err != nil {
		return "", false
	}
	return TagValue(ev, participantsTag)
}

// TagValue returns the first value of the named tag.
func TagValue(ev *nostr.Event, name string) (string, bool) {
	if ev == nil {
		return "", false
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}
