package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License activation error taxonomy. Callers compare with errors.Is.
var (
	ErrMalformedLicense    = errors.New("malformed license key")
	ErrForgedOrTampered    = errors.New("license signature invalid")
	ErrLicenseExpired      = errors.New("license expired")
	ErrLimitExceeded       = errors.New("activation limit exceeded")
	ErrRevoked             = errors.New("license revoked")
	ErrNetworkUnreachable  = errors.New("license authority unreachable")
	ErrLocalStorageCorrupt = errors.New("activation state corrupt")
	ErrNotActivated        = errors.New("license not activated")
	ErrGraceExpired        = errors.New("offline grace period expired")
	ErrValidationPending   = errors.New("license validation pending")
	ErrRateLimited         = errors.New("rate limited")
)

// IsUserCorrectable reports whether the user can fix the problem by entering
// a different key.
func IsUserCorrectable(err error) bool {
	return errors.Is(err, ErrMalformedLicense) || errors.Is(err, ErrNotActivated)
}

// IsTerminal reports whether the failure can only change through reissue or
// a remote state change.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrForgedOrTampered) ||
		errors.Is(err, ErrLicenseExpired) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrRevoked)
}

// IsTransient reports whether a later check may succeed without user action.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable) ||
		errors.Is(err, ErrGraceExpired) ||
		errors.Is(err, ErrValidationPending) ||
		errors.Is(err, ErrRateLimited)
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type licenseProblem struct {
	status     int
	slug       string
	title      string
	detail     string
	code       string
	userAction string
}

var licenseProblems = []struct {
	target  error
	problem licenseProblem
}{
	{ErrMalformedLicense, licenseProblem{
		http.StatusBadRequest, "malformed-license", "Malformed License Key",
		"The license key could not be read. Check that it was copied completely.",
		"MALFORMED_LICENSE", "re_enter_key",
	}},
	{ErrForgedOrTampered, licenseProblem{
		http.StatusForbidden, "forged-license", "Invalid License Signature",
		"The license key is not a genuine key for this product.",
		"FORGED_OR_TAMPERED", "contact_support",
	}},
	{ErrLicenseExpired, licenseProblem{
		http.StatusForbidden, "license-expired", "License Expired",
		"Your license has expired. Please renew to continue.",
		"LICENSE_EXPIRED", "renew",
	}},
	{ErrLimitExceeded, licenseProblem{
		http.StatusConflict, "activation-limit-exceeded", "Activation Limit Reached",
		"This license is already active on the maximum number of devices. Deactivate another device first.",
		"LIMIT_EXCEEDED", "deactivate_other_device",
	}},
	{ErrRevoked, licenseProblem{
		http.StatusForbidden, "license-revoked", "License Revoked",
		"This license has been revoked by the issuer.",
		"LICENSE_REVOKED", "contact_support",
	}},
	{ErrGraceExpired, licenseProblem{
		http.StatusForbidden, "grace-expired", "Online Check Required",
		"The license could not be confirmed online for too long. Connect to the internet to continue.",
		"GRACE_EXPIRED", "connect_network",
	}},
	{ErrNetworkUnreachable, licenseProblem{
		http.StatusServiceUnavailable, "network-unreachable", "License Server Unreachable",
		"Unable to reach the license server. Please check your connection and try again.",
		"NETWORK_UNREACHABLE", "retry_later",
	}},
	{ErrValidationPending, licenseProblem{
		http.StatusServiceUnavailable, "validation-pending", "License Check In Progress",
		"The license is still being checked. Please try again in a moment.",
		"VALIDATION_PENDING", "retry_later",
	}},
	{ErrNotActivated, licenseProblem{
		http.StatusPreconditionRequired, "license-not-activated", "License Not Activated",
		"No license has been activated. Please activate a license to continue.",
		"NOT_ACTIVATED", "activate",
	}},
	{ErrLocalStorageCorrupt, licenseProblem{
		http.StatusPreconditionRequired, "license-not-activated", "License Not Activated",
		"The saved activation could not be read. Please activate your license again.",
		"NOT_ACTIVATED", "activate",
	}},
	{ErrRateLimited, licenseProblem{
		http.StatusTooManyRequests, "rate-limited", "Too Many Requests",
		"Too many activation attempts. Please try again later.",
		"RATE_LIMITED", "retry_later",
	}},
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID, instance string) *ProblemDetails {
	if instance == "" {
		instance = "/api/license"
	}
	instance = fmt.Sprintf("%s#trace-%s", instance, traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return NewProblemDetails(apiErr.StatusCode, "/errors/"+apiErr.slug(), http.StatusText(apiErr.StatusCode), apiErr.Message, instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
	}

	for _, candidate := range licenseProblems {
		if errors.Is(err, candidate.target) {
			p := candidate.problem
			return NewProblemDetails(p.status, "/errors/"+p.slug, p.title, p.detail, instance).
				WithExtension("trace_id", traceID).
				WithExtension("error_code", p.code).
				WithExtension("user_action", p.userAction)
		}
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/internal-error",
		"Internal Server Error",
		"An unexpected error occurred while processing your request.",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "INTERNAL_ERROR")
}

// UserAction returns the suggested next step for a license error, or ""
// when err is not a license error.
func UserAction(err error) string {
	for _, candidate := range licenseProblems {
		if errors.Is(err, candidate.target) {
			return candidate.problem.userAction
		}
	}
	return ""
}
