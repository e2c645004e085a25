// ABOUTME: In-process simulator driver for development and end-to-end tests
// ABOUTME: Pairs automatically after a delay, records outbound replies, and lets callers inject traffic

package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/branchline/internal/driver"
)

// ErrNoSession is returned when no live handle exists for the branch.
var ErrNoSession = errors.New("no live loopback session")

// Sent is one delivered outbound message.
type Sent struct {
	To   string
	Text string
	At   time.Time
}

// Driver simulates a messaging network entirely in memory.
// A branch that completed pairing once stays linked until Logout, so a
// restarted handle goes straight to authenticated.
type Driver struct {
	autoPairDelay time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	live    map[string]*Handle
	linked  map[string]bool
	outbox  map[string][]Sent
	sendErr map[string]error
}

// New creates a loopback driver. A zero autoPairDelay disables automatic
// pairing; call Pair to complete it.
func New(autoPairDelay time.Duration, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		autoPairDelay: autoPairDelay,
		logger:        logger.With("component", "loopback"),
		live:          make(map[string]*Handle),
		linked:        make(map[string]bool),
		outbox:        make(map[string][]Sent),
		sendErr:       make(map[string]error),
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return "loopback" }

// Start implements driver.Driver.
func (d *Driver) Start(ctx context.Context, branchID string, sink driver.Sink) (driver.Handle, error) {
	h := &Handle{
		driver:   d,
		branchID: branchID,
		sink:     sink,
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	d.live[branchID] = h
	linked := d.linked[branchID]
	d.mu.Unlock()

	d.logger.Debug("starting loopback session", "branch_id", branchID, "linked", linked)

	go h.run(linked, d.autoPairDelay)
	return h, nil
}

func (d *Driver) handle(branchID string) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.live[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, branchID)
	}
	return h, nil
}

// Pair completes a pending pairing, as if a phone had scanned the code.
func (d *Driver) Pair(branchID string) error {
	h, err := d.handle(branchID)
	if err != nil {
		return err
	}
	h.completePairing()
	return nil
}

// Inject delivers an inbound text message to the branch's live session.
func (d *Driver) Inject(branchID, from, text string) (string, error) {
	return d.InjectMessage(branchID, driver.Message{
		From: from,
		Text: text,
		Kind: driver.KindText,
	})
}

// InjectMessage delivers an arbitrary inbound message. An empty ID is filled in.
func (d *Driver) InjectMessage(branchID string, msg driver.Message) (string, error) {
	h, err := d.handle(branchID)
	if err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	h.emit(driver.Inbound(msg))
	return msg.ID, nil
}

// Drop simulates a network loss on the branch's live session.
func (d *Driver) Drop(branchID, reason string) error {
	h, err := d.handle(branchID)
	if err != nil {
		return err
	}
	h.emit(driver.Disconnected(reason))
	return nil
}

// Revoke simulates the network rejecting the branch's credentials.
func (d *Driver) Revoke(branchID, reason string) error {
	h, err := d.handle(branchID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.linked, branchID)
	d.mu.Unlock()
	h.emit(driver.AuthFailed(reason))
	return nil
}

// FailSends makes every Send for the branch return err until cleared with nil.
func (d *Driver) FailSends(branchID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.sendErr, branchID)
		return
	}
	d.sendErr[branchID] = err
}

// Outbox returns a copy of every message sent from the branch.
func (d *Driver) Outbox(branchID string) []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.outbox[branchID]...)
}

// Linked reports whether the branch holds simulated credentials.
func (d *Driver) Linked(branchID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linked[branchID]
}

// Handle is one simulated session.
type Handle struct {
	driver   *Driver
	branchID string
	sink     driver.Sink

	mu        sync.Mutex
	ready     bool
	paired    bool
	destroyed bool
	done      chan struct{}
}

func (h *Handle) run(linked bool, autoPair time.Duration) {
	if linked {
		h.emit(driver.Authenticated())
		h.markReady()
		return
	}

	h.emit(driver.Pairing(pairingCode()))
	if autoPair <= 0 {
		return
	}

	t := time.NewTimer(autoPair)
	defer t.Stop()
	select {
	case <-t.C:
		h.completePairing()
	case <-h.done:
	}
}

func pairingCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (h *Handle) completePairing() {
	h.mu.Lock()
	if h.destroyed || h.paired {
		h.mu.Unlock()
		return
	}
	h.paired = true
	h.mu.Unlock()

	h.driver.mu.Lock()
	h.driver.linked[h.branchID] = true
	h.driver.mu.Unlock()

	h.emit(driver.Authenticated())
	h.markReady()
}

func (h *Handle) markReady() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.ready = true
	h.mu.Unlock()
	h.emit(driver.Ready())
}

func (h *Handle) emit(ev driver.Event) {
	h.mu.Lock()
	dead := h.destroyed
	h.mu.Unlock()
	if dead {
		return
	}
	h.sink.Emit(ev)
}

// Send implements driver.Handle.
func (h *Handle) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	ok := h.ready && !h.destroyed
	h.mu.Unlock()
	if !ok {
		return errors.New("loopback session is not connected")
	}

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if err := h.driver.sendErr[h.branchID]; err != nil {
		return err
	}
	h.driver.outbox[h.branchID] = append(h.driver.outbox[h.branchID], Sent{To: to, Text: text, At: time.Now()})
	return nil
}

// Logout implements driver.Handle. The branch loses its simulated credentials.
func (h *Handle) Logout(ctx context.Context) error {
	h.driver.mu.Lock()
	delete(h.driver.linked, h.branchID)
	h.driver.mu.Unlock()
	h.driver.logger.Debug("loopback logout", "branch_id", h.branchID)
	return nil
}

// Destroy implements driver.Handle.
func (h *Handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.ready = false
	close(h.done)
	h.mu.Unlock()

	h.driver.mu.Lock()
	if h.driver.live[h.branchID] == h {
		delete(h.driver.live, h.branchID)
	}
	h.driver.mu.Unlock()
	return nil
}

var _ driver.Driver = (*Driver)(nil)
