package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// EmbeddedPublicKey is the base64 Ed25519 verification key compiled into
// release builds:
//
//	go build -ldflags "-X github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license.EmbeddedPublicKey=<base64>"
var EmbeddedPublicKey = ""

// GenerateKeyPair creates a new issuing key pair
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return pub, priv, nil
}

// EncodePublicKey returns the standard base64 form used in configuration
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// EncodePrivateKey encodes the 64-byte private key (seed plus public half)
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

// DecodePublicKey parses a base64 public key
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodePrivateKey parses a base64 private key. Both the 32-byte seed and
// the 64-byte expanded form are accepted.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// PublicKeyFingerprint is a short, loggable identifier for a public key
func PublicKeyFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// ResolvePublicKey picks the configured override, falling back to the
// embedded key.
func ResolvePublicKey(override string) (ed25519.PublicKey, error) {
	key := strings.TrimSpace(override)
	if key == "" {
		key = EmbeddedPublicKey
	}
	if key == "" {
		return nil, fmt.Errorf("no license verification key configured")
	}
	return DecodePublicKey(key)
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
