// ABOUTME: TTL-bounded, size-bounded record of inbound message IDs already handled
// ABOUTME: The conversation router consults it so a redelivered message is answered once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for ttl. The list is kept in seenAt order (oldest at
// the front) so both capacity eviction and expiry sweeps pop from the front.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option tweaks a Cache at construction.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval sets how often expired keys are dropped in the background.
// Zero disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// New creates a cache. maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		seen:       make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxSize:    maxSize,
		now:        time.Now,
		sweepEvery: defaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// Key scopes a message ID to its branch. Two branches may legitimately see
// the same transport ID.
func Key(branchID, messageID string) string {
	return branchID + "\x00" + messageID
}

// Seen reports whether the branch already handled messageID, marking it if
// not. Messages without an ID are never treated as duplicates.
func (c *Cache) Seen(branchID, messageID string) bool {
	if messageID == "" {
		return false
	}
	return c.CheckAndMark(Key(branchID, messageID))
}

// Contains returns true if key is present and not expired.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.seen[key]
	return ok && c.fresh(el)
}

// CheckAndMark atomically checks and marks key. It returns true when key was
// already present (a duplicate) and false when it was newly marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok && c.fresh(el) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget removes key, so the next CheckAndMark treats it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok {
		c.order.Remove(el)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) fresh(el *list.Element) bool {
	e, _ := el.Value.(*entry)
	return c.now().Sub(e.seenAt) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()
	if el, ok := c.seen[key]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return
	}
	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.popFrontLocked()
	}
	c.seen[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

func (c *Cache) popFrontLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.seen, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys and returns how many went.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if c.fresh(front) {
			break
		}
		c.popFrontLocked()
		removed++
	}
	return removed
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
