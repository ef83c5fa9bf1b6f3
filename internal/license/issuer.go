package license

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IssueRequest describes a license to mint. A zero IssuedAt means now; a
// zero Duration means perpetual (trials are still capped by TrialDuration).
type IssueRequest struct {
	LicenseID      string
	Tier           Tier
	IssuedAt       time.Time
	Duration       time.Duration
	MaxActivations int
	Extensions     []string
}

// Issuer signs license records. It is only used by operator tooling and
// tests; the desktop client never holds a private key.
type Issuer struct {
	privateKey ed25519.PrivateKey
	now        func() time.Time
}

// NewIssuer returns an issuer for priv
func NewIssuer(priv ed25519.PrivateKey) (*Issuer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Issuer{privateKey: priv, now: time.Now}, nil
}

// PublicKey returns the verification half of the issuing key
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.privateKey.Public().(ed25519.PublicKey)
}

// Issue builds, validates and signs a record
func (i *Issuer) Issue(req IssueRequest) (LicenseRecord, error) {
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = i.now()
	}
	issuedAt = issuedAt.Truncate(time.Second).UTC()

	id := req.LicenseID
	if id == "" {
		id = NewLicenseID()
	}

	record := LicenseRecord{
		LicenseID:      id,
		Tier:           req.Tier,
		IssuedAt:       time.Unix(issuedAt.Unix(), 0).UTC(),
		MaxActivations: req.MaxActivations,
	}
	if len(req.Extensions) > 0 {
		record.Extensions = append([]string(nil), req.Extensions...)
	}
	if req.Duration > 0 {
		exp := time.Unix(issuedAt.Add(req.Duration).Unix(), 0).UTC()
		record.ExpiresAt = &exp
	}

	if err := record.Validate(); err != nil {
		return LicenseRecord{}, err
	}
	return i.Sign(record), nil
}

// Sign returns a copy of r with its signature set
func (i *Issuer) Sign(r LicenseRecord) LicenseRecord {
	r.Signature = ed25519.Sign(i.privateKey, SignedPayload(r))
	return r
}

// NewLicenseID returns a random id that satisfies the license id alphabet
func NewLicenseID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
