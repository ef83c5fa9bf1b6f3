package testutil

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

// LicenseTestFixtures mints real signed keys against a throwaway key pair
type LicenseTestFixtures struct {
	Issuer    *license.Issuer
	Verifier  *license.Verifier
	PublicKey ed25519.PublicKey

	// forger signs with a different key, producing well-formed forgeries
	forger *license.Issuer
}

// NewLicenseTestFixtures creates a fixture with a fresh issuing key
func NewLicenseTestFixtures(t testing.TB) *LicenseTestFixtures {
	t.Helper()

	pub, priv, err := license.GenerateKeyPair()
	require.NoError(t, err)
	issuer, err := license.NewIssuer(priv)
	require.NoError(t, err)
	verifier, err := license.NewVerifier(pub)
	require.NoError(t, err)

	_, forgerKey, err := license.GenerateKeyPair()
	require.NoError(t, err)
	forger, err := license.NewIssuer(forgerKey)
	require.NoError(t, err)

	return &LicenseTestFixtures{
		Issuer:    issuer,
		Verifier:  verifier,
		PublicKey: pub,
		forger:    forger,
	}
}

// PublicKeyBase64 is the verification key in configuration form
func (f *LicenseTestFixtures) PublicKeyBase64() string {
	return license.EncodePublicKey(f.PublicKey)
}

// Issue mints a record
func (f *LicenseTestFixtures) Issue(t testing.TB, req license.IssueRequest) license.LicenseRecord {
	t.Helper()
	record, err := f.Issuer.Issue(req)
	require.NoError(t, err)
	return record
}

// Key returns a serialized key valid from an hour ago
func (f *LicenseTestFixtures) Key(t testing.TB, id string, tier license.Tier, maxActivations int) string {
	t.Helper()
	return license.Serialize(f.Issue(t, license.IssueRequest{
		LicenseID:      id,
		Tier:           tier,
		IssuedAt:       time.Now().Add(-time.Hour),
		Duration:       365 * 24 * time.Hour,
		MaxActivations: maxActivations,
	}))
}

// ExpiredKey returns a correctly signed key that expired yesterday
func (f *LicenseTestFixtures) ExpiredKey(t testing.TB, id string) string {
	t.Helper()
	return license.Serialize(f.Issue(t, license.IssueRequest{
		LicenseID:      id,
		Tier:           license.TierPro,
		IssuedAt:       time.Now().Add(-31 * 24 * time.Hour),
		Duration:       30 * 24 * time.Hour,
		MaxActivations: 1,
	}))
}

// ForgedKey returns a well-formed key signed by an unknown key
func (f *LicenseTestFixtures) ForgedKey(t testing.TB, id string) string {
	t.Helper()
	record, err := f.forger.Issue(license.IssueRequest{
		LicenseID:      id,
		Tier:           license.TierEnterprise,
		IssuedAt:       time.Now().Add(-time.Hour),
		MaxActivations: 100,
	})
	require.NoError(t, err)
	return license.Serialize(record)
}

// CreateCorruptedFile writes one of several kinds of damaged file to path
func CreateCorruptedFile(path, corruptionType string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var data []byte
	switch corruptionType {
	case "empty":
		data = []byte{}
	case "invalid_json":
		data = []byte("{invalid json content}")
	case "wrong_structure":
		data = []byte(`{"wrong": "structure", "missing": "fields"}`)
	case "binary_data":
		data = make([]byte, 256)
		for i := range data {
			data[i] = byte(i)
		}
	case "partial_json":
		data = []byte(`{"version":1,"state":{"license":"ACT1.PRO`)
	case "null_bytes":
		data = []byte("{\x00\"version\x00\": 1\x00}")
	default:
		return fmt.Errorf("unknown corruption type: %s", corruptionType)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write corrupted file: %w", err)
	}
	return nil
}

// CorruptionTypes lists the kinds accepted by CreateCorruptedFile
var CorruptionTypes = []string{"empty", "invalid_json", "wrong_structure", "binary_data", "partial_json", "null_bytes"}
