package store

import (
	"encoding/json"
	"time"
)

// CachedStatus is the authority's last known answer for this activation
type CachedStatus string

const (
	StatusActive  CachedStatus = "active"
	StatusRevoked CachedStatus = "revoked"
	StatusExpired CachedStatus = "expired"
	StatusUnknown CachedStatus = "unknown"
)

// ActivationState is the locally persisted result of the last successful
// activation or confirmation. Only the reconciliation controller writes it.
type ActivationState struct {
	// License is the serialized key exactly as it was validated
	License         string       `json:"license"`
	LicenseID       string       `json:"license_id"`
	Fingerprint     string       `json:"fingerprint"`
	LastOnlineCheck *time.Time   `json:"last_online_check,omitempty"`
	CachedStatus    CachedStatus `json:"cached_status"`
	GraceDeadline   *time.Time   `json:"grace_deadline,omitempty"`
	ActivatedAt     time.Time    `json:"activated_at"`
}

// envelope is the on-disk wrapper. State is kept raw so the checksum covers
// exactly the bytes that were written.
type envelope struct {
	Version   int             `json:"version"`
	WrittenAt time.Time       `json:"written_at"`
	State     json.RawMessage `json:"state"`
	Checksum  string          `json:"checksum"`
}
