// Package activation owns the license state machine.
//
// The Controller combines three inputs into one Verdict:
//
//	offline  - the signature and validity window of the license record
//	local    - the persisted ActivationState, written only by the controller
//	remote   - the activation authority's answer, or Unreachable
//
// States move between NotActivated, PendingRemote, ActiveOnline,
// ActiveOfflineGrace and Denied. A forged record is always denied. A
// network failure is only forgiven for a license this machine already
// confirmed online, and only until the grace deadline.
package activation
