package license

import (
	"fmt"
	"strings"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
)

// Tier is the commercial plan a license grants
type Tier string

const (
	TierTrial      Tier = "TRIAL"
	TierBasic      Tier = "BASIC"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Tiers lists every known tier from lowest to highest
var Tiers = []Tier{TierTrial, TierBasic, TierPro, TierEnterprise}

// ParseTier accepts the canonical upper-case tier names only.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", licenseErrors.ErrMalformedLicense, s)
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierBasic, TierPro, TierEnterprise:
		return true
	}
	return false
}

func (t Tier) String() string {
	return string(t)
}

// DisplayName is the title-cased form shown to users
func (t Tier) DisplayName() string {
	if t == "" {
		return ""
	}
	s := strings.ToLower(string(t))
	return strings.ToUpper(s[:1]) + s[1:]
}
