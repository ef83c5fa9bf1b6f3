// Package api contains the local license API contract. Version v1 is the
// only version.
package api

// LicenseActivateRequest is the body of POST /api/license/activate
type LicenseActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=16,max=2048,startswith=ACT1."`
}

// LicenseValidateRequest is the optional body of POST /api/license/validate
type LicenseValidateRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=128"`
}
