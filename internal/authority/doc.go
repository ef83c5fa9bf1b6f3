// Package authority implements both sides of the remote activation
// contract: the Client used by the desktop app and an in-memory reference
// Server used for local development and end-to-end tests.
//
// Every decision is an HTTP 200 with a status of accepted, limit_exceeded
// or revoked. The client maps anything else, including timeouts and
// malformed bodies, to Unreachable.
package authority
