// ABOUTME: Reconnection policy as a pure function of the retry count
// ABOUTME: Scheduling is abstracted behind Scheduler so tests never wait on real time

package session

import "time"

// ReconnectPolicy decides whether and when to retry after an unexpected disconnect.
type ReconnectPolicy struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// DefaultPolicy waits 5s, 10s, 15s, 20s, 25s and then gives up.
var DefaultPolicy = ReconnectPolicy{BaseDelay: 5 * time.Second, MaxRetries: 5}

// Next returns the delay before the next attempt given how many attempts have
// already been made since the last READY. ok is false once retries are exhausted.
func (p ReconnectPolicy) Next(retryCount int) (delay time.Duration, ok bool) {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= p.MaxRetries {
		return 0, false
	}
	return p.BaseDelay * time.Duration(retryCount+1), true
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The real implementation is time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler schedules on the wall clock.
var RealScheduler Scheduler = realScheduler{}
