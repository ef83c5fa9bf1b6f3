package license

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
)

const (
	// FormatTag prefixes every license key
	FormatTag = "ACT1"

	fieldSeparator = "."
	minFields      = 7
	maxIDLength    = 64
)

var licenseIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var signatureEncoding = base64.RawURLEncoding

// LicenseRecord is the decoded, immutable content of a license key.
// ExpiresAt is nil for perpetual licenses.
type LicenseRecord struct {
	LicenseID      string
	Tier           Tier
	IssuedAt       time.Time
	ExpiresAt      *time.Time
	MaxActivations int
	// Extensions are signed fields appended by newer issuers. They are
	// preserved on re-serialization and otherwise ignored.
	Extensions []string
	Signature  []byte
}

// Perpetual reports whether the record carries no explicit expiry
func (r LicenseRecord) Perpetual() bool {
	return r.ExpiresAt == nil
}

// Parse decodes a license key. It checks structure only; signature and
// validity window are the verifier's job.
func Parse(input string) (LicenseRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return LicenseRecord{}, malformed("empty license key")
	}

	fields := strings.Split(input, fieldSeparator)
	if len(fields) < minFields {
		return LicenseRecord{}, malformed("expected at least %d fields, got %d", minFields, len(fields))
	}
	if fields[0] != FormatTag {
		return LicenseRecord{}, malformed("unknown format tag %q", fields[0])
	}

	tier, err := ParseTier(fields[1])
	if err != nil {
		return LicenseRecord{}, err
	}

	id := fields[2]
	if !licenseIDPattern.MatchString(id) {
		return LicenseRecord{}, malformed("invalid license id")
	}

	issued, err := strconv.ParseUint(fields[3], 10, 63)
	if err != nil {
		return LicenseRecord{}, malformed("invalid issued timestamp %q", fields[3])
	}
	expires, err := strconv.ParseUint(fields[4], 10, 63)
	if err != nil {
		return LicenseRecord{}, malformed("invalid expiry timestamp %q", fields[4])
	}
	maxActivations, err := strconv.ParseUint(fields[5], 10, 31)
	if err != nil || maxActivations == 0 {
		return LicenseRecord{}, malformed("invalid activation limit %q", fields[5])
	}

	var extensions []string
	for _, ext := range fields[6 : len(fields)-1] {
		if !validExtension(ext) {
			return LicenseRecord{}, malformed("invalid extension field")
		}
		extensions = append(extensions, ext)
	}

	sigField := fields[len(fields)-1]
	if sigField == "" {
		return LicenseRecord{}, malformed("missing signature")
	}
	signature, err := signatureEncoding.DecodeString(sigField)
	if err != nil {
		return LicenseRecord{}, malformed("signature is not base64url: %v", err)
	}

	record := LicenseRecord{
		LicenseID:      id,
		Tier:           tier,
		IssuedAt:       time.Unix(int64(issued), 0).UTC(),
		MaxActivations: int(maxActivations),
		Extensions:     extensions,
		Signature:      signature,
	}
	if expires != 0 {
		exp := time.Unix(int64(expires), 0).UTC()
		record.ExpiresAt = &exp
	}
	return record, nil
}

// Serialize encodes a record into its license key form. It is the inverse
// of Parse for every record that passes Validate.
func Serialize(r LicenseRecord) string {
	return string(SignedPayload(r)) + fieldSeparator + signatureEncoding.EncodeToString(r.Signature)
}

// SignedPayload returns the canonical bytes covered by the signature:
// every field of the key before the signature, dot-joined.
func SignedPayload(r LicenseRecord) []byte {
	var expires int64
	if r.ExpiresAt != nil {
		expires = r.ExpiresAt.Unix()
	}

	fields := make([]string, 0, 6+len(r.Extensions))
	fields = append(fields,
		FormatTag,
		string(r.Tier),
		r.LicenseID,
		strconv.FormatInt(r.IssuedAt.Unix(), 10),
		strconv.FormatInt(expires, 10),
		strconv.Itoa(r.MaxActivations),
	)
	fields = append(fields, r.Extensions...)
	return []byte(strings.Join(fields, fieldSeparator))
}

// Validate checks that the record can be serialized losslessly. It does not
// look at the signature.
func (r LicenseRecord) Validate() error {
	if !licenseIDPattern.MatchString(r.LicenseID) {
		return malformed("license id must be 1-%d characters of [A-Za-z0-9_-]", maxIDLength)
	}
	if !r.Tier.Valid() {
		return malformed("unknown tier %q", r.Tier)
	}
	if r.IssuedAt.Unix() < 0 {
		return malformed("issued time before epoch")
	}
	if r.ExpiresAt != nil {
		if r.ExpiresAt.Unix() <= 0 {
			return malformed("expiry must be after epoch")
		}
		if !r.ExpiresAt.After(r.IssuedAt) {
			return malformed("expiry must be after issue time")
		}
	}
	if r.MaxActivations <= 0 || r.MaxActivations > 1<<31-1 {
		return malformed("activation limit must be positive")
	}
	for _, ext := range r.Extensions {
		if !validExtension(ext) {
			return malformed("invalid extension field %q", ext)
		}
	}
	return nil
}

func validExtension(ext string) bool {
	if ext == "" || !utf8.ValidString(ext) {
		return false
	}
	for _, c := range ext {
		if c == '.' || unicode.IsSpace(c) || !unicode.IsPrint(c) {
			return false
		}
	}
	return true
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", licenseErrors.ErrMalformedLicense, fmt.Sprintf(format, args...))
}
