// ABOUTME: Store interfaces and data types for branchline persistence
// ABOUTME: Defines branches, branch configs, conversation contexts and session status mirrors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Branch is a business location that owns exactly one messaging session.
type Branch struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// BranchConfig holds the per-branch settings the reply engine consumes.
type BranchConfig struct {
	BranchID       string
	Prompt         string
	MenuText       string
	OrderPhone     string
	ComplaintPhone string
	UpdatedAt      time.Time
}

// Direction of a history entry relative to the branch.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// HistoryEntry is one exchanged message kept in a conversation's history.
type HistoryEntry struct {
	Direction Direction `cbor:"1,keyasint"`
	Text      string    `cbor:"2,keyasint"`
	Timestamp time.Time `cbor:"3,keyasint"`
}

// ConversationContext is the short rolling history for one (branch, customer) pair.
type ConversationContext struct {
	BranchID        string
	CustomerAddress string
	History         []HistoryEntry
	UpdatedAt       time.Time
}

// Append adds an entry and evicts the oldest entries until at most limit remain.
func (c *ConversationContext) Append(entry HistoryEntry, limit int) {
	c.History = append(c.History, entry)
	if limit > 0 && len(c.History) > limit {
		trimmed := make([]HistoryEntry, limit)
		copy(trimmed, c.History[len(c.History)-limit:])
		c.History = trimmed
	}
	c.UpdatedAt = entry.Timestamp
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.History = append([]HistoryEntry(nil), c.History...)
	return &out
}

// SessionStatus is a best-effort mirror of a branch's session record, used
// for display after a restart and to decide which sessions to restore.
// The in-memory session pool stays authoritative.
type SessionStatus struct {
	BranchID    string
	State       string
	LastReadyAt *time.Time
	RetryCount  int
	LastError   string
	// ReconnectExhausted is set once automatic retries have given up.
	ReconnectExhausted bool
	UpdatedAt          time.Time
}

// BranchStore manages the branch catalog.
type BranchStore interface {
	UpsertBranch(ctx context.Context, branch *Branch) error
	GetBranch(ctx context.Context, id string) (*Branch, error)
	ListBranches(ctx context.Context) ([]*Branch, error)
	SaveBranchConfig(ctx context.Context, cfg *BranchConfig) error
}

// ConversationStore is what the conversation router needs.
type ConversationStore interface {
	// GetConversation returns ErrNotFound when no context exists yet.
	GetConversation(ctx context.Context, branchID, customer string) (*ConversationContext, error)
	SaveConversation(ctx context.Context, conv *ConversationContext) error
	// GetBranchConfig returns ErrNotFound when the branch has no config.
	GetBranchConfig(ctx context.Context, branchID string) (*BranchConfig, error)
}

// SessionStatusStore persists session status mirrors.
type SessionStatusStore interface {
	SaveSessionStatus(ctx context.Context, status *SessionStatus) error
	GetSessionStatus(ctx context.Context, branchID string) (*SessionStatus, error)
	ListSessionStatuses(ctx context.Context) ([]*SessionStatus, error)
}

// Store combines every persistence concern of the gateway.
type Store interface {
	BranchStore
	ConversationStore
	SessionStatusStore
	Close() error
}
