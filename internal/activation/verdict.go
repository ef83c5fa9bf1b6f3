package activation

import (
	"fmt"
	"time"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/security"
)

// State is a node of the reconciliation state machine
type State string

const (
	StateNotActivated       State = "NotActivated"
	StatePendingRemote      State = "PendingRemote"
	StateActiveOnline       State = "ActiveOnline"
	StateActiveOfflineGrace State = "ActiveOfflineGrace"
	StateDenied             State = "Denied"
)

// Reason explains a verdict. Allowed verdicts carry active or offline_grace.
type Reason string

const (
	ReasonActive                 Reason = "active"
	ReasonOfflineGrace           Reason = "offline_grace"
	ReasonValidationPending      Reason = "validation_pending"
	ReasonNotActivated           Reason = "not_activated"
	ReasonMalformedLicense       Reason = "malformed_license"
	ReasonForgedOrTampered       Reason = "forged_or_tampered"
	ReasonLicenseExpired         Reason = "license_expired"
	ReasonLimitExceeded          Reason = "limit_exceeded"
	ReasonRevoked                Reason = "license_revoked"
	ReasonNetworkUnreachable     Reason = "network_unreachable"
	ReasonGraceExpired           Reason = "grace_expired"
	ReasonFingerprintUnavailable Reason = "fingerprint_unavailable"
)

// Verdict is the single answer the rest of the application consumes. Tier
// is resolved once here; feature gates read it instead of re-deriving it.
type Verdict struct {
	Allowed       bool         `json:"allowed"`
	Tier          license.Tier `json:"tier,omitempty"`
	Reason        Reason       `json:"reason"`
	State         State        `json:"state"`
	LicenseID     string       `json:"license_id,omitempty"`
	GraceDeadline *time.Time   `json:"grace_deadline,omitempty"`
	// ExpiresAt is the license's own end of validity, trial cap included
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Remaining is the authority's free slot count after the last online
	// answer, or -1 when unknown.
	Remaining int       `json:"remaining"`
	CheckedAt time.Time `json:"checked_at"`
}

// Err returns the sentinel error behind a denial, or nil when allowed
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	switch v.Reason {
	case ReasonMalformedLicense:
		return licenseErrors.ErrMalformedLicense
	case ReasonForgedOrTampered:
		return licenseErrors.ErrForgedOrTampered
	case ReasonLicenseExpired:
		return licenseErrors.ErrLicenseExpired
	case ReasonLimitExceeded:
		return licenseErrors.ErrLimitExceeded
	case ReasonRevoked:
		return licenseErrors.ErrRevoked
	case ReasonNetworkUnreachable:
		return licenseErrors.ErrNetworkUnreachable
	case ReasonGraceExpired:
		return licenseErrors.ErrGraceExpired
	case ReasonValidationPending:
		return licenseErrors.ErrValidationPending
	case ReasonFingerprintUnavailable:
		return fmt.Errorf("%w: %w", licenseErrors.ErrNotActivated, security.ErrFingerprintUnavailable)
	default:
		return licenseErrors.ErrNotActivated
	}
}

// Entitlements resolves the feature set granted by this verdict. Denied
// verdicts grant nothing.
func (v Verdict) Entitlements() (license.Entitlements, bool) {
	if !v.Allowed || !v.Tier.Valid() {
		return license.Entitlements{}, false
	}
	return license.EntitlementsFor(v.Tier), true
}

// lapsed returns the verdict an allowed v decays to at now without a new
// check: denied license_expired past ExpiresAt, denied grace_expired past
// GraceDeadline. ok is false while v still holds.
func (v Verdict) lapsed(now time.Time) (Verdict, bool) {
	if !v.Allowed {
		return v, false
	}
	if v.ExpiresAt != nil && now.After(*v.ExpiresAt) {
		out := denied(nil, ReasonLicenseExpired, now)
		out.Tier, out.LicenseID, out.ExpiresAt = v.Tier, v.LicenseID, v.ExpiresAt
		return out, true
	}
	if v.GraceDeadline != nil && now.After(*v.GraceDeadline) {
		out := denied(nil, ReasonGraceExpired, now)
		out.Tier, out.LicenseID, out.GraceDeadline = v.Tier, v.LicenseID, v.GraceDeadline
		return out, true
	}
	return v, false
}

func expiryOf(record license.LicenseRecord) *time.Time {
	if at, ok := license.EffectiveExpiry(record); ok {
		return &at
	}
	return nil
}

func pending(now time.Time) Verdict {
	return Verdict{
		State:     StatePendingRemote,
		Reason:    ReasonValidationPending,
		Remaining: -1,
		CheckedAt: now,
	}
}

func notActivated(now time.Time) Verdict {
	return Verdict{
		State:     StateNotActivated,
		Reason:    ReasonNotActivated,
		Remaining: -1,
		CheckedAt: now,
	}
}

func denied(record *license.LicenseRecord, reason Reason, now time.Time) Verdict {
	v := Verdict{
		State:     StateDenied,
		Reason:    reason,
		Remaining: -1,
		CheckedAt: now,
	}
	if record != nil {
		v.Tier = record.Tier
		v.LicenseID = record.LicenseID
	}
	return v
}

func activeOnline(record license.LicenseRecord, remaining int, deadline time.Time, now time.Time) Verdict {
	return Verdict{
		Allowed:       true,
		Tier:          record.Tier,
		Reason:        ReasonActive,
		State:         StateActiveOnline,
		LicenseID:     record.LicenseID,
		GraceDeadline: &deadline,
		ExpiresAt:     expiryOf(record),
		Remaining:     remaining,
		CheckedAt:     now,
	}
}

func offlineGrace(record license.LicenseRecord, deadline time.Time, now time.Time) Verdict {
	return Verdict{
		Allowed:       true,
		Tier:          record.Tier,
		Reason:        ReasonOfflineGrace,
		State:         StateActiveOfflineGrace,
		LicenseID:     record.LicenseID,
		GraceDeadline: &deadline,
		ExpiresAt:     expiryOf(record),
		Remaining:     -1,
		CheckedAt:     now,
	}
}

func offlineReason(v license.OfflineVerdict) Reason {
	if v == license.Forged {
		return ReasonForgedOrTampered
	}
	return ReasonLicenseExpired
}
