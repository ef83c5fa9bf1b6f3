// Package license defines the signed license record and everything that can
// be decided about it without the network.
//
// # Key format
//
// A license key is a dot-delimited string:
//
//	ACT1.<TIER>.<licenseId>.<issuedUnix>.<expiresUnix|0>.<maxActivations>[.<ext>...].<signature>
//
// The signature is an unpadded base64url Ed25519 signature over every field
// that precedes it. Extension fields are signed but not interpreted, so keys
// minted by a newer issuer still verify here.
//
// # Offline validation
//
// Verifier.ValidateOffline checks the signature first and the validity
// window second:
//
//	Forged   - the signature does not cover the payload (terminal)
//	Expired  - past expiry, or issued more than ClockSkewTolerance in the future
//	Trusted  - safe to present to the activation authority
//
// Trial licenses without an explicit expiry expire TrialDuration after issue.
//
// # Key material
//
// Release builds embed the verification key through EmbeddedPublicKey.
// Private keys only ever exist in operator tooling (cmd/license-admin),
// which mints keys through Issuer.
package license
