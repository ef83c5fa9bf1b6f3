package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// IntegritySecret is the compiled-in input keying material for state file
// checksums. Release builds replace it via -ldflags -X.
var IntegritySecret = "aichemist-transmutations/state-integrity/dev"

const (
	integrityKeySize = 32
	integrityInfo    = "aichemist activation state v1"
)

// DeriveIntegrityKey derives the per-machine HMAC key for the activation
// state file. The fingerprint is the HKDF salt, so a file copied to another
// machine no longer verifies.
func DeriveIntegrityKey(secret []byte, fingerprint string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("integrity secret is empty")
	}
	if fingerprint == "" {
		return nil, fmt.Errorf("fingerprint is required for key derivation")
	}

	reader := hkdf.New(sha256.New, secret, []byte(fingerprint), []byte(integrityInfo))
	key := make([]byte, integrityKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive integrity key: %w", err)
	}
	return key, nil
}

// Checksum returns the hex HMAC-SHA256 of data under key
func Checksum(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChecksum compares in constant time
func VerifyChecksum(key, data []byte, checksum string) bool {
	expected, err := hex.DecodeString(checksum)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}
