// Package shared holds helpers used across packages that carry no domain
// logic of their own.
//
// The testutil subpackage provides:
//
//	- LicenseTestFixtures: signed, expired and forged keys from a throwaway key pair
//	- CreateCorruptedFile: damaged activation files for store tests
//	- BufferedSlogHandler: captured slog records with assertions
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    fixtures := testutil.NewLicenseTestFixtures(t)
//	    key := fixtures.Key(t, "lic-1", license.TierPro, 3)
//	    logger, logs := testutil.NewTestLogger(t)
//	    ...
//	}
package shared
