// ABOUTME: SessionPool owns one channel session per branch and drives its state machine
// ABOUTME: Handles start/disconnect/logout, driver events, reconnection scheduling and bounded driver calls

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/branchline/internal/driver"
	"github.com/2389/branchline/internal/store"
)

// BranchLookup resolves branch IDs. store.BranchStore satisfies it.
type BranchLookup interface {
	GetBranch(ctx context.Context, id string) (*store.Branch, error)
}

// ArtifactPurger removes a branch's on-disk session artifacts.
type ArtifactPurger interface {
	Purge(branchID string) error
}

// InboundHandler receives customer messages from READY sessions. It must not block.
type InboundHandler interface {
	HandleInbound(branchID string, msg driver.Message)
}

// Options configures a Pool. Driver is required.
type Options struct {
	Driver   driver.Driver
	Branches BranchLookup
	Purger   ArtifactPurger

	Policy    ReconnectPolicy
	Scheduler Scheduler

	PairingTTL      time.Duration
	InitTimeout     time.Duration
	SendTimeout     time.Duration
	TeardownTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Record is a snapshot of one branch's session.
type Record struct {
	BranchID string
	State    State
	// Pairing is set only while State is PAIRING.
	Pairing     *PairingToken
	LastReadyAt *time.Time
	// RetryCount counts reconnection attempts since the last READY.
	RetryCount int
	LastError  string
	// ReconnectExhausted is set once automatic retries have given up.
	ReconnectExhausted bool
	UpdatedAt          time.Time
}

// Health is the per-branch summary reported by PoolHealth.
type Health struct {
	BranchID           string
	State              State
	LastReadyAt        *time.Time
	RetryCount         int
	ReconnectExhausted bool
	LastError          string
}

type entry struct {
	branchID string

	// opMu serializes lifecycle operations (start, retry, disconnect, logout)
	// so driver calls for one branch never overlap. It is always taken before mu.
	opMu sync.Mutex

	// mu guards everything below. Never held across a driver call.
	mu         sync.Mutex
	rec        Record
	handle     driver.Handle
	gen        uint64
	retryTimer Timer
	watchdog   Timer
}

// Pool is the single owner of all branch sessions.
type Pool struct {
	opts   Options
	logger *slog.Logger
	watch  *watchers
	closed atomic.Bool

	mu      sync.RWMutex
	entries map[string]*entry
	inbound InboundHandler
}

// NewPool creates a pool. Zero-valued options fall back to defaults.
func NewPool(opts Options) (*Pool, error) {
	if opts.Driver == nil {
		return nil, errors.New("session pool requires a driver")
	}
	if opts.Policy == (ReconnectPolicy{}) {
		opts.Policy = DefaultPolicy
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = 60 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "session_pool", "driver", opts.Driver.Name())

	return &Pool{
		opts:    opts,
		logger:  logger,
		watch:   newWatchers(logger),
		entries: make(map[string]*entry),
	}, nil
}

// SetInbound installs the handler for inbound messages.
func (p *Pool) SetInbound(h InboundHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = h
}

// Watch streams committed state changes for branchID, or for every branch
// with AllBranches, until ctx is cancelled. buffer <= 0 uses a default.
func (p *Pool) Watch(ctx context.Context, branchID string, buffer int) <-chan StateChange {
	ch, _ := p.watch.subscribe(ctx, branchID, buffer)
	return ch
}

func (p *Pool) lookup(branchID string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[branchID]
}

func (p *Pool) getOrCreate(branchID string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[branchID]
	if !ok {
		e = &entry{
			branchID: branchID,
			rec:      Record{BranchID: branchID, State: StateUninitialized},
		}
		p.entries[branchID] = e
	}
	return e
}

func (p *Pool) checkBranch(ctx context.Context, branchID string) error {
	if branchID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownBranch)
	}
	if p.opts.Branches == nil {
		return nil
	}
	_, err := p.opts.Branches.GetBranch(ctx, branchID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownBranch, branchID)
	}
	if err != nil {
		return fmt.Errorf("resolving branch %s: %w", branchID, err)
	}
	return nil
}

// Start (re)creates the branch's session in INITIALIZING and starts a driver
// handle. Any live handle is destroyed first. It returns once the driver has
// accepted the start; progress is observed through Status or Watch.
func (p *Pool) Start(ctx context.Context, branchID string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.checkBranch(ctx, branchID); err != nil {
		return err
	}

	e := p.getOrCreate(branchID)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return p.start(ctx, e, "start")
}

// start must be called with e.opMu held.
func (p *Pool) start(ctx context.Context, e *entry, cause string) error {
	e.mu.Lock()
	old := e.handle
	e.handle = nil
	e.gen++
	gen := e.gen
	stopTimer(&e.retryTimer)
	stopTimer(&e.watchdog)

	next := Record{
		BranchID:  e.branchID,
		State:     StateInitializing,
		UpdatedAt: p.opts.Now(),
	}
	if e.rec.State != StateDestroyed {
		next.RetryCount = e.rec.RetryCount
		next.LastReadyAt = e.rec.LastReadyAt
	}
	p.commitLocked(e, next, cause)
	e.mu.Unlock()

	if old != nil {
		if err := p.destroy(ctx, e.branchID, old); err != nil {
			p.logger.Warn("destroying previous handle", "branch_id", e.branchID, "error", err)
		}
	}

	h, err := p.opts.Driver.Start(ctx, e.branchID, p.sinkFor(e, gen))
	if err != nil {
		e.mu.Lock()
		if e.gen == gen {
			p.applyLocked(e, gen, driver.Disconnected(fmt.Sprintf("driver start failed: %v", err)), nil)
		}
		e.mu.Unlock()
		return fmt.Errorf("starting session for %s: %w", e.branchID, err)
	}

	e.mu.Lock()
	if p.closed.Load() || e.gen != gen {
		// Close ran while the driver was starting and never saw h.
		e.mu.Unlock()
		if err := p.destroy(context.Background(), e.branchID, h); err != nil {
			p.logger.Warn("destroying handle started during close", "branch_id", e.branchID, "error", err)
		}
		return ErrPoolClosed
	}
	defer e.mu.Unlock()
	e.handle = h
	if s := e.rec.State; s == StateInitializing || s == StateAuthenticated {
		p.armWatchdogLocked(e, gen)
	}
	return nil
}

func (p *Pool) sinkFor(e *entry, gen uint64) driver.Sink {
	return driver.SinkFunc(func(ev driver.Event) {
		p.dispatch(e, gen, ev)
	})
}

// dispatch is the single entry point for driver events.
func (p *Pool) dispatch(e *entry, gen uint64, ev driver.Event) {
	if ev.Kind == driver.EventMessage {
		p.deliver(e, gen, ev.Message)
		return
	}

	var token *PairingToken
	if ev.Kind == driver.EventPairing {
		t, err := newPairingToken(ev.Code, p.opts.Now(), p.opts.PairingTTL)
		if err != nil {
			p.logger.Error("discarding pairing code", "branch_id", e.branchID, "error", err)
			return
		}
		token = t
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p.applyLocked(e, gen, ev, token)
}

// applyLocked validates ev against the transition table and commits it.
func (p *Pool) applyLocked(e *entry, gen uint64, ev driver.Event, token *PairingToken) {
	if e.gen != gen {
		p.logger.Debug("ignoring event from superseded handle",
			"branch_id", e.branchID,
			"event", ev.Kind.String(),
		)
		return
	}

	from := e.rec.State
	to, ok := nextState(from, ev.Kind)
	if !ok {
		p.logger.Warn("ignoring invalid transition",
			"branch_id", e.branchID,
			"state", from.String(),
			"event", ev.Kind.String(),
		)
		return
	}

	now := p.opts.Now()
	next := e.rec
	next.State = to
	next.UpdatedAt = now

	switch ev.Kind {
	case driver.EventPairing:
		next.Pairing = token
		stopTimer(&e.watchdog)
		p.logger.Info("pairing code issued", "branch_id", e.branchID, "token", token)
	case driver.EventAuthenticated:
		p.armWatchdogLocked(e, gen)
	case driver.EventReady:
		next.RetryCount = 0
		next.LastReadyAt = &now
		next.LastError = ""
		next.ReconnectExhausted = false
		stopTimer(&e.watchdog)
	case driver.EventAuthFailed:
		next.LastError = reasonOr(ev.Reason, "authentication failed")
		stopTimer(&e.watchdog)
		stopTimer(&e.retryTimer)
	case driver.EventDisconnected:
		next.LastError = reasonOr(ev.Reason, "disconnected")
		stopTimer(&e.watchdog)
	}

	p.commitLocked(e, next, ev.Kind.String())

	if ev.Kind == driver.EventDisconnected {
		p.scheduleRetryLocked(e, gen)
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// commitLocked installs next as the record and notifies watchers.
// A pairing token never survives a move out of PAIRING.
func (p *Pool) commitLocked(e *entry, next Record, cause string) {
	if next.State != StatePairing {
		next.Pairing = nil
	}
	from := e.rec.State
	e.rec = next

	if from != next.State {
		p.logger.Info("session state changed",
			"branch_id", e.branchID,
			"from", from.String(),
			"to", next.State.String(),
			"cause", cause,
			"retry_count", next.RetryCount,
		)
	}

	p.watch.publish(StateChange{
		BranchID: e.branchID,
		From:     from,
		To:       next.State,
		Cause:    cause,
		Record:   next,
		At:       next.UpdatedAt,
	})
}

func (p *Pool) scheduleRetryLocked(e *entry, gen uint64) {
	if p.closed.Load() {
		return
	}
	stopTimer(&e.retryTimer)

	delay, ok := p.opts.Policy.Next(e.rec.RetryCount)
	if !ok {
		next := e.rec
		next.ReconnectExhausted = true
		next.LastError = fmt.Sprintf("reconnect attempts exhausted after %d retries: %s", e.rec.RetryCount, e.rec.LastError)
		p.logger.Warn("reconnect attempts exhausted",
			"branch_id", e.branchID,
			"retry_count", e.rec.RetryCount,
		)
		p.commitLocked(e, next, "reconnect_exhausted")
		return
	}

	p.logger.Info("scheduling reconnection",
		"branch_id", e.branchID,
		"attempt", e.rec.RetryCount+1,
		"delay", delay,
	)
	e.retryTimer = p.opts.Scheduler.AfterFunc(delay, func() {
		p.retry(e, gen)
	})
}

// retry runs from the scheduler. It only proceeds if nothing has touched the
// branch since the disconnect that scheduled it.
func (p *Pool) retry(e *entry, gen uint64) {
	if p.closed.Load() {
		return
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.gen != gen || e.rec.State != StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.retryTimer = nil
	e.rec.RetryCount++
	e.mu.Unlock()

	if err := p.start(context.Background(), e, "retry"); err != nil {
		p.logger.Warn("reconnection attempt failed", "branch_id", e.branchID, "error", err)
	}
}

func (p *Pool) armWatchdogLocked(e *entry, gen uint64) {
	stopTimer(&e.watchdog)
	if p.opts.InitTimeout <= 0 {
		return
	}
	e.watchdog = p.opts.Scheduler.AfterFunc(p.opts.InitTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen {
			return
		}
		if s := e.rec.State; s != StateInitializing && s != StateAuthenticated {
			return
		}
		e.watchdog = nil
		p.applyLocked(e, gen, driver.Disconnected("session did not become ready in "+p.opts.InitTimeout.String()), nil)
	})
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (p *Pool) deliver(e *entry, gen uint64, msg *driver.Message) {
	if msg == nil {
		return
	}
	e.mu.Lock()
	current := e.gen == gen
	state := e.rec.State
	e.mu.Unlock()

	if !current {
		return
	}
	if state != StateReady {
		p.logger.Debug("ignoring message outside READY", "branch_id", e.branchID, "state", state.String())
		return
	}

	p.mu.RLock()
	h := p.inbound
	p.mu.RUnlock()
	if h != nil {
		h.HandleInbound(e.branchID, *msg)
	}
}

// Status returns the branch's record, or a synthetic UNINITIALIZED record.
func (p *Pool) Status(branchID string) Record {
	e := p.lookup(branchID)
	if e == nil {
		return Record{BranchID: branchID, State: StateUninitialized}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// PairingArtifact returns the displayable pairing artifact while the branch
// is PAIRING and the token has not expired.
func (p *Pool) PairingArtifact(branchID string) (Artifact, error) {
	rec := p.Status(branchID)
	if rec.State != StatePairing || rec.Pairing == nil {
		return Artifact{}, &StateError{Op: "pairing_artifact", BranchID: branchID, State: rec.State, Err: ErrPairingUnavailable}
	}
	if rec.Pairing.Expired(p.opts.Now()) {
		return Artifact{}, &StateError{Op: "pairing_artifact", BranchID: branchID, State: rec.State, Expired: true, Err: ErrPairingUnavailable}
	}
	return rec.Pairing.artifact(branchID), nil
}

// Send delivers text to address through the branch's session. The driver is
// only called in READY. Failures are returned, never retried.
func (p *Pool) Send(ctx context.Context, branchID, address, text string) error {
	var (
		state = StateUninitialized
		h     driver.Handle
	)
	if e := p.lookup(branchID); e != nil {
		e.mu.Lock()
		state, h = e.rec.State, e.handle
		e.mu.Unlock()
	}
	if state != StateReady || h == nil {
		return &StateError{Op: "send", BranchID: branchID, State: state, Err: ErrChannelNotReady}
	}

	err := callBounded(ctx, p.opts.SendTimeout, func(ctx context.Context) error {
		return h.Send(ctx, address, text)
	})
	if err != nil {
		p.logger.Warn("delivery failed", "branch_id", branchID, "error", err)
		return &DeliveryError{BranchID: branchID, To: address, Err: err}
	}
	p.logger.Debug("message delivered", "branch_id", branchID, "length", len(text))
	return nil
}

// Disconnect tears down the live handle and leaves the branch DISCONNECTED
// without scheduling a retry. Credentials and retry history are kept.
func (p *Pool) Disconnect(ctx context.Context, branchID string) error {
	e := p.lookup(branchID)
	if e == nil {
		return nil
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.rec.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	old := e.detachLocked()
	next := e.rec
	next.State = StateDisconnected
	next.UpdatedAt = p.opts.Now()
	p.commitLocked(e, next, "disconnect")
	e.mu.Unlock()

	if old == nil {
		return nil
	}
	if err := p.destroy(ctx, branchID, old); err != nil {
		return fmt.Errorf("disconnecting %s: %w", branchID, err)
	}
	return nil
}

// Logout invalidates the branch's credentials with the driver, destroys the
// handle, purges on-disk artifacts and leaves the branch DESTROYED. The next
// Start needs a fresh pairing.
func (p *Pool) Logout(ctx context.Context, branchID string) error {
	if err := p.checkBranch(ctx, branchID); err != nil {
		return err
	}

	e := p.getOrCreate(branchID)
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	old := e.detachLocked()
	p.commitLocked(e, Record{
		BranchID:    branchID,
		State:       StateDestroyed,
		LastReadyAt: e.rec.LastReadyAt,
		UpdatedAt:   p.opts.Now(),
	}, "logout")
	e.mu.Unlock()

	var errs []error
	if old != nil {
		err := callBounded(ctx, p.opts.TeardownTimeout, old.Logout)
		if err != nil {
			errs = append(errs, fmt.Errorf("driver logout: %w", err))
		}
		if err := p.destroy(ctx, branchID, old); err != nil {
			errs = append(errs, err)
		}
	}
	if p.opts.Purger != nil {
		if err := p.opts.Purger.Purge(branchID); err != nil {
			errs = append(errs, fmt.Errorf("purging artifacts: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("logging out %s: %w", branchID, err)
	}
	return nil
}

// detachLocked invalidates the current handle generation and stops timers.
func (e *entry) detachLocked() driver.Handle {
	old := e.handle
	e.handle = nil
	e.gen++
	stopTimer(&e.retryTimer)
	stopTimer(&e.watchdog)
	return old
}

// destroy is bounded by both ctx and the teardown timeout.
func (p *Pool) destroy(ctx context.Context, branchID string, h driver.Handle) error {
	err := callBounded(ctx, p.opts.TeardownTimeout, h.Destroy)
	if err != nil {
		return fmt.Errorf("destroying handle for %s: %w", branchID, err)
	}
	return nil
}

// Branches lists every branch the pool has seen, in ID order.
func (p *Pool) Branches() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PoolHealth summarizes every branch the pool has seen, ordered by branch ID.
func (p *Pool) PoolHealth() []Health {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	out := make([]Health, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		r := e.rec
		e.mu.Unlock()
		out = append(out, Health{
			BranchID:           r.BranchID,
			State:              r.State,
			LastReadyAt:        r.LastReadyAt,
			RetryCount:         r.RetryCount,
			ReconnectExhausted: r.ReconnectExhausted,
			LastError:          r.LastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out
}

// Close stops all retries and destroys every live handle. Records keep their
// last state so a status mirror still shows what was running at shutdown.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		old := e.detachLocked()
		e.mu.Unlock()
		if old == nil {
			continue
		}
		wg.Add(1)
		go func(branchID string, h driver.Handle) {
			defer wg.Done()
			if err := p.destroy(ctx, branchID, h); err != nil {
				errCh <- err
			}
		}(e.branchID, old)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	// Destroys still running after ctx expired keep their buffered slot.
	errs := []error{err}
drain:
	for {
		select {
		case e := <-errCh:
			errs = append(errs, e)
		default:
			break drain
		}
	}

	p.watch.close()
	p.logger.Info("session pool closed", "branches", len(entries))
	return errors.Join(errs...)
}

// callBounded runs fn with a deadline of d (if positive). If fn ignores its
// context, callBounded still returns at the deadline with ErrTimedOut.
func callBounded(parent context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if d > 0 {
		ctx, cancel = context.WithTimeout(parent, d)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", ErrTimedOut, d, err)
		}
		return err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrTimedOut, d)
	}
}
