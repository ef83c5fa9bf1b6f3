package authority

import (
	"sort"
	"sync"
	"time"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

// RemoteStatus is the authority-side state of a license
type RemoteStatus string

const (
	RemoteActive  RemoteStatus = "active"
	RemoteRevoked RemoteStatus = "revoked"
)

// RemoteActivation is the authority's record of which machines count
// against a license.
type RemoteActivation struct {
	LicenseID      string               `json:"license_id"`
	Tier           license.Tier         `json:"tier"`
	MaxActivations int                  `json:"max_activations"`
	Status         RemoteStatus         `json:"status"`
	Fingerprints   map[string]time.Time `json:"fingerprints"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Remaining is the number of unused activation slots
func (a *RemoteActivation) Remaining() int {
	if n := a.MaxActivations - len(a.Fingerprints); n > 0 {
		return n
	}
	return 0
}

// RemoteActivationView is a copy safe to hand out of the registry
type RemoteActivationView struct {
	LicenseID      string       `json:"license_id"`
	Tier           license.Tier `json:"tier"`
	MaxActivations int          `json:"max_activations"`
	Remaining      int          `json:"remaining"`
	Status         RemoteStatus `json:"status"`
	Fingerprints   []string     `json:"fingerprints"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Decision is the registry's answer to an activation call
type Decision struct {
	Status    string
	Remaining int
}

// Registry is an in-memory store of RemoteActivation records. All methods
// are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[string]*RemoteActivation
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*RemoteActivation),
		now:     time.Now,
	}
}

// Register counts fingerprint against the license, provisioning the record
// from the signed license on first sight. Re-registering a counted
// fingerprint is idempotent.
func (r *Registry) Register(record license.LicenseRecord, fingerprint string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	act, ok := r.records[record.LicenseID]
	if !ok {
		act = &RemoteActivation{
			LicenseID:      record.LicenseID,
			Tier:           record.Tier,
			MaxActivations: record.MaxActivations,
			Status:         RemoteActive,
			Fingerprints:   make(map[string]time.Time),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.records[record.LicenseID] = act
	}

	return r.admit(act, fingerprint, now)
}

// Confirm accepts a counted fingerprint and admits a new one only while
// slots remain. The second value is false for unknown licenses.
func (r *Registry) Confirm(licenseID, fingerprint string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	act, ok := r.records[licenseID]
	if !ok {
		return Decision{}, false
	}
	return r.admit(act, fingerprint, r.now()), true
}

func (r *Registry) admit(act *RemoteActivation, fingerprint string, now time.Time) Decision {
	if act.Status == RemoteRevoked {
		return Decision{Status: StatusRevoked, Remaining: 0}
	}
	if _, counted := act.Fingerprints[fingerprint]; counted {
		act.Fingerprints[fingerprint] = now
		return Decision{Status: StatusAccepted, Remaining: act.Remaining()}
	}
	if len(act.Fingerprints) >= act.MaxActivations {
		return Decision{Status: StatusLimitExceeded, Remaining: 0}
	}
	act.Fingerprints[fingerprint] = now
	act.UpdatedAt = now
	return Decision{Status: StatusAccepted, Remaining: act.Remaining()}
}

// Deactivate frees the fingerprint's slot. Releasing an uncounted
// fingerprint is accepted.
func (r *Registry) Deactivate(licenseID, fingerprint string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	act, ok := r.records[licenseID]
	if !ok {
		return Decision{}, false
	}
	if _, counted := act.Fingerprints[fingerprint]; counted {
		delete(act.Fingerprints, fingerprint)
		act.UpdatedAt = r.now()
	}
	return Decision{Status: StatusAccepted, Remaining: act.Remaining()}, true
}

// Get returns a snapshot of a license record
func (r *Registry) Get(licenseID string) (RemoteActivationView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	act, ok := r.records[licenseID]
	if !ok {
		return RemoteActivationView{}, false
	}
	return view(act), true
}

// SetStatus revokes or reinstates a license
func (r *Registry) SetStatus(licenseID string, status RemoteStatus) (RemoteActivationView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	act, ok := r.records[licenseID]
	if !ok {
		return RemoteActivationView{}, false
	}
	act.Status = status
	act.UpdatedAt = r.now()
	return view(act), true
}

// Release removes a fingerprint on an operator's behalf. It reports
// whether the fingerprint was counted.
func (r *Registry) Release(licenseID, fingerprint string) (RemoteActivationView, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	act, ok := r.records[licenseID]
	if !ok {
		return RemoteActivationView{}, false, false
	}
	_, counted := act.Fingerprints[fingerprint]
	if counted {
		delete(act.Fingerprints, fingerprint)
		act.UpdatedAt = r.now()
	}
	return view(act), true, counted
}

func view(act *RemoteActivation) RemoteActivationView {
	fps := make([]string, 0, len(act.Fingerprints))
	for fp := range act.Fingerprints {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	return RemoteActivationView{
		LicenseID:      act.LicenseID,
		Tier:           act.Tier,
		MaxActivations: act.MaxActivations,
		Remaining:      act.Remaining(),
		Status:         act.Status,
		Fingerprints:   fps,
		CreatedAt:      act.CreatedAt,
		UpdatedAt:      act.UpdatedAt,
	}
}
