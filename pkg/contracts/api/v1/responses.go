package api

import (
	"time"
)

// LicenseStatusResponse is the current verdict as seen by the UI
type LicenseStatusResponse struct {
	Allowed       bool       `json:"allowed"`
	State         string     `json:"state"`
	Reason        string     `json:"reason"`
	Tier          string     `json:"tier,omitempty"`
	TierName      string     `json:"tier_name,omitempty"`
	LicenseID     string     `json:"license_id,omitempty"`
	GraceDeadline *time.Time `json:"grace_deadline,omitempty"`
	DaysOfGrace   *int       `json:"days_of_grace,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Remaining     *int       `json:"remaining_activations,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
	UserAction    string     `json:"user_action,omitempty"`
	TraceID       string     `json:"trace_id,omitempty"`
}

// EntitlementsResponse lists what the active tier unlocks
type EntitlementsResponse struct {
	Tier          string   `json:"tier"`
	Features      []string `json:"features"`
	MaxFileSizeMB int      `json:"max_file_size_mb"`
	MaxBatchFiles int      `json:"max_batch_files"`
	Watermark     bool     `json:"watermark"`
}

// DeactivateResponse confirms local deactivation
type DeactivateResponse struct {
	Deactivated bool   `json:"deactivated"`
	State       string `json:"state"`
	TraceID     string `json:"trace_id,omitempty"`
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	License   string            `json:"license"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
