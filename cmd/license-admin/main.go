// Command license-admin is operator tooling for the license authority:
// generating issuing keys, minting license keys, inspecting keys and
// signing admin bearer tokens.
//
// The private key and admin secret are read from flags or, when those are
// empty, from LICENSE_SIGNING_KEY and AUTHORITY_ADMIN_SECRET.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/authority"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

const (
	envSigningKey  = "LICENSE_SIGNING_KEY"
	envAdminSecret = "AUTHORITY_ADMIN_SECRET"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	if len(args) == 0 {
		printUsage(out)
		return errUsage
	}

	switch args[0] {
	case "keygen":
		return keygen(out)
	case "issue":
		return issue(args[1:], out, getenv)
	case "inspect":
		return inspect(args[1:], out)
	case "token":
		return token(args[1:], out, getenv)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `usage: license-admin <command> [flags]

commands:
  keygen    generate an Ed25519 issuing key pair
  issue     mint a signed license key
  inspect   decode a license key and optionally verify it
  token     sign an admin bearer token for the authority
`)
}

func keygen(out io.Writer) error {
	pub, priv, err := license.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "public_key:  %s\n", license.EncodePublicKey(pub))
	fmt.Fprintf(out, "private_key: %s\n", license.EncodePrivateKey(priv))
	fmt.Fprintf(out, "fingerprint: %s\n", license.PublicKeyFingerprint(pub))
	return nil
}

func issue(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(out)
	keyFlag := fs.String("key", "", "base64 private key (defaults to $"+envSigningKey+")")
	tierFlag := fs.String("tier", string(license.TierBasic), "TRIAL | BASIC | PRO | ENTERPRISE")
	id := fs.String("id", "", "license id (random when empty)")
	days := fs.Int("days", 0, "validity in days; 0 is perpetual")
	maxActivations := fs.Int("max", 1, "maximum concurrent activations")
	ext := fs.String("ext", "", "comma separated extension fields")
	if err := fs.Parse(args); err != nil {
		return err
	}

	priv, err := license.DecodePrivateKey(firstNonEmpty(*keyFlag, getenv(envSigningKey)))
	if err != nil {
		return err
	}
	issuer, err := license.NewIssuer(priv)
	if err != nil {
		return err
	}
	tier, err := license.ParseTier(strings.ToUpper(*tierFlag))
	if err != nil {
		return err
	}
	if *days < 0 {
		return fmt.Errorf("days must not be negative")
	}

	req := license.IssueRequest{
		LicenseID:      *id,
		Tier:           tier,
		Duration:       time.Duration(*days) * 24 * time.Hour,
		MaxActivations: *maxActivations,
	}
	if *ext != "" {
		req.Extensions = strings.Split(*ext, ",")
	}

	record, err := issuer.Issue(req)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, license.Serialize(record))
	return nil
}

type inspection struct {
	LicenseID      string     `json:"license_id"`
	Tier           string     `json:"tier"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	MaxActivations int        `json:"max_activations"`
	Extensions     []string   `json:"extensions,omitempty"`
	Signature      string     `json:"signature,omitempty"`
	Validity       string     `json:"validity"`
}

func inspect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(out)
	pubFlag := fs.String("pubkey", "", "base64 public key; when set the signature is checked")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect takes exactly one license key")
	}

	record, err := license.Parse(fs.Arg(0))
	if err != nil {
		return err
	}

	now := time.Now()
	report := inspection{
		LicenseID:      record.LicenseID,
		Tier:           record.Tier.String(),
		IssuedAt:       record.IssuedAt,
		ExpiresAt:      record.ExpiresAt,
		MaxActivations: record.MaxActivations,
		Extensions:     record.Extensions,
		Validity:       license.CheckTemporalValidity(record, now).String(),
	}
	if until, ok := license.EffectiveExpiry(record); ok {
		report.EffectiveUntil = &until
	}

	if *pubFlag != "" {
		pub, err := license.DecodePublicKey(*pubFlag)
		if err != nil {
			return err
		}
		verifier, err := license.NewVerifier(pub)
		if err != nil {
			return err
		}
		report.Signature = "invalid"
		if verifier.VerifySignature(record) {
			report.Signature = "valid"
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func token(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	secret := fs.String("secret", "", "shared admin secret (defaults to $"+envAdminSecret+")")
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signed, err := authority.IssueAdminToken([]byte(firstNonEmpty(*secret, getenv(envAdminSecret))), *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signed)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
