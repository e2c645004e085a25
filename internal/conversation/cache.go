// ABOUTME: Read-through LRU of conversation contexts keyed by (branch, customer)
// ABOUTME: Holds copies only; the store remains the source of truth

package conversation

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/2389/branchline/internal/store"
)

type convKey struct {
	branchID string
	customer string
}

// contextCache is safe for concurrent use. A nil cache caches nothing.
type contextCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

func newContextCache(size int) *contextCache {
	if size <= 0 {
		return nil
	}
	return &contextCache{lru: lru.New(size)}
}

func (c *contextCache) get(k convKey) (*store.ConversationContext, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return v.(*store.ConversationContext).Clone(), true
}

func (c *contextCache) put(conv *store.ConversationContext) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(convKey{conv.BranchID, conv.CustomerAddress}, conv.Clone())
}

func (c *contextCache) drop(k convKey) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(k)
}

func (c *contextCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
