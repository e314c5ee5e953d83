package sqlstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

// TokenSealer encrypts credential tokens at rest with NaCl secretbox.
type TokenSealer struct {
	key [32]byte
}

// NewTokenSealer parses a 32-byte key given as hex or base64. An empty key
// returns a nil sealer, which stores tokens in plain text.
func NewTokenSealer(encoded string) (*TokenSealer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}

	raw, err := hex.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes, hex or base64 encoded")
	}

	ts := &TokenSealer{}
	copy(ts.key[:], raw)
	return ts, nil
}

// Seal encrypts plain. A nil sealer returns plain unchanged.
func (ts *TokenSealer) Seal(plain string) (string, error) {
	if ts == nil {
		return plain, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &ts.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Values stored before a key was configured are
// returned as they are.
func (ts *TokenSealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if ts == nil {
		return "", fmt.Errorf("token is encrypted but no TOKEN_ENCRYPTION_KEY is configured")
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(box) < 24 {
		return "", fmt.Errorf("malformed sealed token")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &ts.key)
	if !ok {
		return "", fmt.Errorf("cannot decrypt token: wrong TOKEN_ENCRYPTION_KEY")
	}
	return string(plain), nil
}
