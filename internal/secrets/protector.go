// Package secrets protects values stored at rest, such as external forward
// targets that embed third-party stream keys.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUndecryptable is returned when ciphertext is malformed or was not
// produced with this key.
var ErrUndecryptable = errors.New("ciphertext cannot be decrypted")

// Protector seals and opens values with XChaCha20-Poly1305.
type Protector struct {
	aead cipher.AEAD
}

// NewProtector derives a 256-bit key from secret. Any non-empty secret is
// accepted; operators usually configure 32 random bytes in hex or base64.
func NewProtector(secret string) (*Protector, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("protector secret required")
	}
	key := sha256.Sum256([]byte(trimmed))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Protector{aead: aead}, nil
}

// Protect returns base64(nonce || ciphertext).
func (p *Protector) Protect(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize(), p.aead.NonceSize()+len(plaintext)+p.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unprotect reverses Protect.
func (p *Protector) Unprotect(protected string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(protected))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if len(raw) < p.aead.NonceSize()+p.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrUndecryptable)
	}
	nonce, sealed := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	plain, err := p.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return string(plain), nil
}
