// Package session owns the per-branch channel sessions.
//
// A Pool keeps exactly one Record per branch and at most one live
// driver.Handle. Driver events are funnelled through a single dispatch
// function that checks each one against an explicit transition table:
//
//	INITIALIZING  --pairing-->        PAIRING
//	PAIRING       --pairing-->        PAIRING        (code refreshed)
//	PAIRING       --authenticated-->  AUTHENTICATED
//	INITIALIZING  --authenticated-->  AUTHENTICATED  (restored credentials)
//	AUTHENTICATED --ready-->          READY
//	INITIALIZING or PAIRING --ready--> READY     (drivers without a separate auth step)
//	live state    --disconnected-->   DISCONNECTED   (retry scheduled)
//	live state    --auth_failed-->    AUTH_FAILED    (never retried)
//
// Start, Disconnect and Logout are operator actions and bypass the table.
// Logout leads to DESTROYED, after which the next Start begins a fresh
// history and needs a new pairing.
//
// Every handle is tagged with a generation number. Events from a superseded
// handle are dropped, so a late callback can never resurrect an old session.
//
// # Reconnection
//
// ReconnectPolicy is a pure function from the retry count to a delay. The
// pool schedules attempts through a Scheduler so tests can fire timers by
// hand. Retries stop after MaxRetries attempts and the branch reports
// ReconnectExhausted in PoolHealth.
//
// # Timeouts
//
// Driver Send, Logout and Destroy calls are bounded; a call that outlives its
// bound fails with ErrTimedOut even if the driver ignores its context. A
// session stuck in INITIALIZING or AUTHENTICATED past the init timeout is
// treated as an unexpected disconnect. PAIRING waits indefinitely for a human.
package session
