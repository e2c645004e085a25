// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject save failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	branches      map[string]*Branch
	configs       map[string]*BranchConfig
	conversations map[string]*ConversationContext // keyed by "branch\x00customer"
	statuses      map[string]*SessionStatus

	// SaveConversationErr, when set, is returned by SaveConversation.
	SaveConversationErr error
	saves               int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		branches:      make(map[string]*Branch),
		configs:       make(map[string]*BranchConfig),
		conversations: make(map[string]*ConversationContext),
		statuses:      make(map[string]*SessionStatus),
	}
}

func convKey(branchID, customer string) string {
	return branchID + "\x00" + customer
}

// UpsertBranch stores a copy of the branch.
func (m *MockStore) UpsertBranch(ctx context.Context, branch *Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := *branch
	if existing, ok := m.branches[b.ID]; ok {
		b.CreatedAt = existing.CreatedAt
	} else if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.branches[b.ID] = &b
	return nil
}

// GetBranch returns a copy of the branch.
func (m *MockStore) GetBranch(ctx context.Context, id string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *b
	return &result, nil
}

// ListBranches returns copies ordered by ID.
func (m *MockStore) ListBranches(ctx context.Context) ([]*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Branch, 0, len(m.branches))
	for _, b := range m.branches {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveBranchConfig stores a copy of the config.
func (m *MockStore) SaveBranchConfig(ctx context.Context, cfg *BranchConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cfg
	m.configs[c.BranchID] = &c
	return nil
}

// GetBranchConfig returns a copy of the config.
func (m *MockStore) GetBranchConfig(ctx context.Context, branchID string) (*BranchConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[branchID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversation returns a deep copy of the stored context.
func (m *MockStore) GetConversation(ctx context.Context, branchID, customer string) (*ConversationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[convKey(branchID, customer)]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// SaveConversation stores a deep copy of the context.
func (m *MockStore) SaveConversation(ctx context.Context, conv *ConversationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveConversationErr != nil {
		return m.SaveConversationErr
	}
	m.saves++
	m.conversations[convKey(conv.BranchID, conv.CustomerAddress)] = conv.Clone()
	return nil
}

// ConversationSaves reports how many successful SaveConversation calls were made.
func (m *MockStore) ConversationSaves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// SaveSessionStatus stores a copy of the status.
func (m *MockStore) SaveSessionStatus(ctx context.Context, status *SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *status
	if s.LastReadyAt != nil {
		t := *s.LastReadyAt
		s.LastReadyAt = &t
	}
	m.statuses[s.BranchID] = &s
	return nil
}

// GetSessionStatus returns a copy of the status.
func (m *MockStore) GetSessionStatus(ctx context.Context, branchID string) (*SessionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[branchID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessionStatuses returns copies ordered by branch ID.
func (m *MockStore) ListSessionStatuses(ctx context.Context) ([]*SessionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SessionStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
