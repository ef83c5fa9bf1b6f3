package license

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

const (
	// ClockSkewTolerance allows a license issued slightly in the future of
	// the local clock.
	ClockSkewTolerance = 5 * time.Minute

	// TrialDuration bounds trial licenses that carry no explicit expiry
	TrialDuration = 14 * 24 * time.Hour
)

// Validity is the result of the temporal check
type Validity int

const (
	Valid Validity = iota
	Expired
	NotYetIssued
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case NotYetIssued:
		return "not_yet_issued"
	default:
		return "unknown"
	}
}

// OfflineVerdict is the result of validating a record without the network
type OfflineVerdict int

const (
	Trusted OfflineVerdict = iota
	Forged
	OfflineExpired
)

func (v OfflineVerdict) String() string {
	switch v {
	case Trusted:
		return "trusted"
	case Forged:
		return "forged"
	case OfflineExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Verifier checks license signatures against one public key. It performs no
// I/O and is safe for concurrent use.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier returns a verifier for pub
func NewVerifier(pub ed25519.PublicKey) (*Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	key := make(ed25519.PublicKey, len(pub))
	copy(key, pub)
	return &Verifier{publicKey: key}, nil
}

// PublicKeyFingerprint identifies the key in logs
func (v *Verifier) PublicKeyFingerprint() string {
	return PublicKeyFingerprint(v.publicKey)
}

// VerifySignature reports whether the record's signature covers its payload
func (v *Verifier) VerifySignature(r LicenseRecord) bool {
	if len(r.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.publicKey, SignedPayload(r), r.Signature)
}

// ValidateOffline combines the signature and temporal checks. The signature
// is checked first so a forged record is never reported as merely expired.
func (v *Verifier) ValidateOffline(r LicenseRecord, now time.Time) OfflineVerdict {
	if !v.VerifySignature(r) {
		return Forged
	}
	if CheckTemporalValidity(r, now) != Valid {
		return OfflineExpired
	}
	return Trusted
}

// EffectiveExpiry returns the instant after which the record is expired,
// applying the trial cap. The second value is false for perpetual licenses.
func EffectiveExpiry(r LicenseRecord) (time.Time, bool) {
	if r.ExpiresAt != nil {
		return *r.ExpiresAt, true
	}
	if r.Tier == TierTrial {
		return r.IssuedAt.Add(TrialDuration), true
	}
	return time.Time{}, false
}

// CheckTemporalValidity evaluates the validity window at now
func CheckTemporalValidity(r LicenseRecord, now time.Time) Validity {
	if now.Before(r.IssuedAt.Add(-ClockSkewTolerance)) {
		return NotYetIssued
	}
	if expiry, ok := EffectiveExpiry(r); ok && now.After(expiry) {
		return Expired
	}
	return Valid
}
