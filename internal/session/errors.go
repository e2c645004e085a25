// ABOUTME: Typed errors returned by session pool operations
// ABOUTME: Sentinels for errors.Is plus structured errors carrying the observed state

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBranch indicates the branch ID does not resolve to a known branch.
	ErrUnknownBranch = errors.New("unknown branch")

	// ErrChannelNotReady indicates a send was attempted outside READY.
	ErrChannelNotReady = errors.New("channel not ready")

	// ErrDeliveryFailed indicates the driver rejected a send made in READY.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrPairingUnavailable indicates no valid pairing artifact exists.
	ErrPairingUnavailable = errors.New("pairing artifact unavailable")

	// ErrAuthenticationFailed indicates the session is in AUTH_FAILED and
	// needs an operator-triggered start.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTimedOut indicates a driver call exceeded its configured bound.
	ErrTimedOut = errors.New("timed out")

	// ErrPoolClosed indicates the pool is shutting down.
	ErrPoolClosed = errors.New("session pool closed")
)

// StateError reports an operation refused because of the session state.
// It matches ErrAuthenticationFailed in addition to Err when the session is
// in AUTH_FAILED, so callers can tell "reconnecting" from "needs an operator".
type StateError struct {
	Op       string
	BranchID string
	State    State
	// Expired is set when a pairing token existed but its window lapsed.
	Expired bool
	Err     error
}

func (e *StateError) Error() string {
	if e.Expired {
		return fmt.Sprintf("%s %s: %v (token expired, state %s)", e.Op, e.BranchID, e.Err, e.State)
	}
	return fmt.Sprintf("%s %s: %v (state %s)", e.Op, e.BranchID, e.Err, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

func (e *StateError) Is(target error) bool {
	return target == ErrAuthenticationFailed && e.State == StateAuthFailed
}

// DeliveryError wraps a driver send failure. It always matches ErrDeliveryFailed.
type DeliveryError struct {
	BranchID string
	To       string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s via %s: %v", e.To, e.BranchID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// StateOf extracts the session state carried by err, if any.
func StateOf(err error) (State, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.State, true
	}
	return StateUninitialized, false
}
