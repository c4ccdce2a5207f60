package events

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidKey is returned when the service secret key cannot be parsed.
var ErrInvalidKey = errors.New("invalid service key")

// Identity is the service signing key pair.
type Identity struct {
	secret string
	PubKey string
}

// ParseIdentity accepts a 64 character hex secret key or an nsec bech32 key.
func ParseIdentity(secret string) (Identity, error) {
	trimmed := strings.TrimSpace(secret)
	if strings.HasPrefix(trimmed, "nsec") {
		prefix, value, err := nip19.Decode(trimmed)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		decoded, ok := value.(string)
		if prefix != "nsec" || !ok {
			return Identity{}, fmt.Errorf("%w: unexpected %s entity", ErrInvalidKey, prefix)
		}
		trimmed = decoded
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 32 {
		return Identity{}, fmt.Errorf("%w: expected 32 byte hex key", ErrInvalidKey)
	}
	pub, err := nostr.GetPublicKey(trimmed)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Identity{secret: trimmed, PubKey: pub}, nil
}

// GenerateIdentity creates a fresh random key pair.
func GenerateIdentity() (Identity, error) {
	return ParseIdentity(nostr.GeneratePrivateKey())
}

func (id Identity) sign(ev *nostr.Event) error {
	if id.secret == "" {
		return fmt.Errorf("%w: identity not initialised", ErrInvalidKey)
	}
	ev.PubKey = id.PubKey
	if err := ev.Sign(id.secret); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}
