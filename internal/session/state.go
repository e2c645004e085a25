// ABOUTME: Session lifecycle states and the transition table driven by driver events
// ABOUTME: Every event is validated against the current state; unknown transitions are rejected

package session

import "github.com/2389/branchline/internal/driver"

// State is the lifecycle state of one branch's channel session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StatePairing
	StateAuthenticated
	StateReady
	StateDisconnected
	StateAuthFailed
	StateDestroyed
)

var stateNames = [...]string{
	StateUninitialized: "UNINITIALIZED",
	StateInitializing:  "INITIALIZING",
	StatePairing:       "PAIRING",
	StateAuthenticated: "AUTHENTICATED",
	StateReady:         "READY",
	StateDisconnected:  "DISCONNECTED",
	StateAuthFailed:    "AUTH_FAILED",
	StateDestroyed:     "DESTROYED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ParseState is the inverse of String. Unknown names map to StateUninitialized.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return StateUninitialized, false
}

// Terminal reports whether no driver handle may exist in this state.
func (s State) Terminal() bool {
	return s == StateUninitialized || s == StateDestroyed
}

// Live reports whether the session is connecting or connected, i.e. a driver
// failure from this state is an unexpected loss.
func (s State) Live() bool {
	switch s {
	case StateInitializing, StatePairing, StateAuthenticated, StateReady:
		return true
	}
	return false
}

type transitionKey struct {
	from  State
	event driver.EventKind
}

// transitions is the complete set of event-driven moves. Operator actions
// (start, disconnect, logout) are not events and bypass this table.
var transitions = map[transitionKey]State{
	{StateInitializing, driver.EventPairing}: StatePairing,
	// The driver re-issues a code when the previous one lapses.
	{StatePairing, driver.EventPairing}: StatePairing,
	{StatePairing, driver.EventAuthenticated}: StateAuthenticated,
	// Restored credentials skip pairing entirely.
	{StateInitializing, driver.EventAuthenticated}: StateAuthenticated,
	{StateAuthenticated, driver.EventReady}:        StateReady,
	// Some drivers report readiness without a separate authenticated event.
	{StateInitializing, driver.EventReady}: StateReady,
	{StatePairing, driver.EventReady}:      StateReady,
}

func init() {
	for _, from := range []State{StateInitializing, StatePairing, StateAuthenticated, StateReady} {
		transitions[transitionKey{from, driver.EventDisconnected}] = StateDisconnected
		transitions[transitionKey{from, driver.EventAuthFailed}] = StateAuthFailed
	}
}

// nextState returns the target state for ev in from, or false if the
// transition is not allowed.
func nextState(from State, ev driver.EventKind) (State, bool) {
	to, ok := transitions[transitionKey{from, ev}]
	return to, ok
}
