// Package security binds activation state to the local machine: it derives
// the machine fingerprint and the integrity key for the activation file.
package security
