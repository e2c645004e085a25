// ABOUTME: In-memory fan-out of session state changes
// ABOUTME: Subscribers watch one branch or all branches; slow subscribers lose events rather than block the pool

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AllBranches subscribes to changes on every branch.
const AllBranches = ""

const defaultWatchBuffer = 64

// StateChange describes one committed transition.
type StateChange struct {
	BranchID string
	From     State
	To       State
	// Cause is the driver event or operator action that triggered the change.
	Cause  string
	Record Record
	At     time.Time
}

// watchers provides pub/sub for StateChanges. Publish never blocks: it runs
// while the publishing record is locked, which keeps per-branch delivery in
// commit order.
type watchers struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan StateChange // branchID (or AllBranches) -> subID -> ch
	closed bool
	logger *slog.Logger
}

func newWatchers(logger *slog.Logger) *watchers {
	return &watchers{
		subs:   make(map[string]map[string]chan StateChange),
		logger: logger.With("component", "session_watch"),
	}
}

// subscribe registers a subscriber. The subscription ends when ctx is cancelled.
func (w *watchers) subscribe(ctx context.Context, branchID string, buffer int) (<-chan StateChange, string) {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	subID := uuid.New().String()
	ch := make(chan StateChange, buffer)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := w.subs[branchID]; !ok {
		w.subs[branchID] = make(map[string]chan StateChange)
	}
	w.subs[branchID][subID] = ch
	w.mu.Unlock()

	w.logger.Debug("watcher added", "branch_id", branchID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		w.unsubscribe(branchID, subID)
	}()

	return ch, subID
}

// publish delivers to the branch's subscribers and to AllBranches subscribers.
// The read lock is held across the sends so unsubscribe cannot close a
// channel mid-send.
func (w *watchers) publish(change StateChange) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, key := range []string{change.BranchID, AllBranches} {
		for subID, ch := range w.subs[key] {
			select {
			case ch <- change:
			default:
				w.logger.Warn("dropped state change for slow watcher",
					"branch_id", change.BranchID,
					"to", change.To.String(),
					"sub_id", subID)
			}
		}
	}
}

func (w *watchers) unsubscribe(branchID, subID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs, ok := w.subs[branchID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(w.subs, branchID)
	}

	w.logger.Debug("watcher removed", "branch_id", branchID, "sub_id", subID)
}

// close ends every subscription.
func (w *watchers) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, subs := range w.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(w.subs, key)
	}
	w.closed = true
}
