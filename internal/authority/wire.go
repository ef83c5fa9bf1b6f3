package authority

import (
	"time"
)

// Endpoint paths relative to the authority base URL
const (
	PathRegister   = "/v1/activations/register"
	PathConfirm    = "/v1/activations/confirm"
	PathDeactivate = "/v1/activations/deactivate"
)

// Wire status values
const (
	StatusAccepted      = "accepted"
	StatusLimitExceeded = "limit_exceeded"
	StatusRevoked       = "revoked"
)

// ActivationRequest is the body of every activation call. LicenseKey is
// only sent on register.
type ActivationRequest struct {
	LicenseID   string    `json:"license_id" validate:"required,max=64"`
	LicenseKey  string    `json:"license_key,omitempty" validate:"omitempty,max=2048"`
	Fingerprint string    `json:"fingerprint" validate:"required,max=128"`
	RequestID   string    `json:"request_id" validate:"required,max=64"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
}

// ActivationResponse is returned with HTTP 200 for every decision,
// including rejections.
type ActivationResponse struct {
	Status    string `json:"status"`
	Remaining int    `json:"remaining"`
	LicenseID string `json:"license_id"`
	RequestID string `json:"request_id"`
}

// Result is the client's interpretation of a call
type Result int

const (
	Accepted Result = iota
	RejectedLimitExceeded
	RejectedRevoked
	Unreachable
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedLimitExceeded:
		return "limit_exceeded"
	case RejectedRevoked:
		return "revoked"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Response is the outcome of one logical call, retries included. Err is
// diagnostic and only set for Unreachable.
type Response struct {
	Result    Result
	Remaining int
	LicenseID string
	Err       error
}

func resultFromStatus(status string) (Result, bool) {
	switch status {
	case StatusAccepted:
		return Accepted, true
	case StatusLimitExceeded:
		return RejectedLimitExceeded, true
	case StatusRevoked:
		return RejectedRevoked, true
	default:
		return Unreachable, false
	}
}
