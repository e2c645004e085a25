package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/branchline/internal/driver"
)

// fakeScheduler records timers; tests fire them by hand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireOnly fires the single pending timer and returns its delay.
func (s *fakeScheduler) fireOnly(t *testing.T) time.Duration {
	t.Helper()
	p := s.pending()
	require.Len(t, p, 1, "expected exactly one pending timer")
	s.mu.Lock()
	p[0].fired = true
	s.mu.Unlock()
	p[0].fn()
	return p[0].delay
}

type sentMsg struct {
	To   string
	Text string
}

type fakeDriver struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	live     int
	maxLive  int
	startErr error
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Start(ctx context.Context, branchID string, sink driver.Sink) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	h := &fakeHandle{d: d, branchID: branchID, sink: sink}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDriver) starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDriver) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

func (d *fakeDriver) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *fakeDriver) peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

type fakeHandle struct {
	d        *fakeDriver
	branchID string
	sink     driver.Sink

	mu        sync.Mutex
	sends     []sentMsg
	sendErr   error
	hang      bool
	// hangDestroy makes Destroy ignore ctx and take a second.
	hangDestroy bool
	destroyed   bool
	loggedOut bool
}

func (h *fakeHandle) emit(ev driver.Event) { h.sink.Emit(ev) }

func (h *fakeHandle) Send(ctx context.Context, to, text string) error {
	h.mu.Lock()
	h.sends = append(h.sends, sentMsg{To: to, Text: text})
	err, hang := h.sendErr, h.hang
	h.mu.Unlock()
	if hang {
		// Ignores ctx on purpose: the pool must still return.
		time.Sleep(time.Second)
		return errors.New("too late")
	}
	return err
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *fakeHandle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.hangDestroy {
		h.mu.Unlock()
		time.Sleep(time.Second)
		h.mu.Lock()
	}
	already := h.destroyed
	h.destroyed = true
	h.mu.Unlock()
	if !already {
		h.d.mu.Lock()
		h.d.live--
		h.d.mu.Unlock()
	}
	return nil
}

func (h *fakeHandle) sent() []sentMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentMsg(nil), h.sends...)
}

func (h *fakeHandle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

type fakePurger struct {
	mu     sync.Mutex
	purged []string
}

func (f *fakePurger) Purge(branchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, branchID)
	return nil
}

type recordingInbound struct {
	mu   sync.Mutex
	msgs []driver.Message
}

func (r *recordingInbound) HandleInbound(branchID string, msg driver.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingInbound) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	pool   *Pool
	driver *fakeDriver
	sched  *fakeScheduler
	purger *fakePurger
	clock  *clock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		driver: &fakeDriver{},
		sched:  &fakeScheduler{},
		purger: &fakePurger{},
		clock:  &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		Driver:    h.driver,
		Purger:    h.purger,
		Policy:    DefaultPolicy,
		Scheduler: h.sched,
		Now:       h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := NewPool(opts)
	require.NoError(t, err)
	h.pool = p
	t.Cleanup(func() { p.Close(context.Background()) })
	return h
}

// bringUp starts the branch and walks it to READY, returning the live handle.
func (h *harness) bringUp(t *testing.T, branchID string) *fakeHandle {
	t.Helper()
	require.NoError(t, h.pool.Start(context.Background(), branchID))
	fh := h.driver.last()
	fh.emit(driver.Authenticated())
	fh.emit(driver.Ready())
	require.Equal(t, StateReady, h.pool.Status(branchID).State)
	return fh
}
