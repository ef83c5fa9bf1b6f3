// Package telemetry ships anonymous usage events on a best-effort basis.
// Recording never blocks the caller and a failed upload never affects a
// license decision.
package telemetry
