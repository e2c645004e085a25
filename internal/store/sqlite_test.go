// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers branches, configs, CBOR history round trips, session status and migrations

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should be created in nested directory")
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestOpenSQLite_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.UpsertBranch(ctx, &Branch{ID: "centro", Name: "Centro"}))
	require.NoError(t, s1.Close())

	// Schema creation and migrations must be idempotent.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	b, err := s2.GetBranch(ctx, "centro")
	require.NoError(t, err)
	assert.Equal(t, "Centro", b.Name)
}

func TestRunMigrations_AddsStatusColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// A database created before last_error and reconnect_exhausted existed.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE session_status (
		branch_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		last_ready_at TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveSessionStatus(ctx, &SessionStatus{
		BranchID:           "centro",
		State:              "DISCONNECTED",
		LastError:          "network lost",
		ReconnectExhausted: true,
	}))
	got, err := store.GetSessionStatus(ctx, "centro")
	require.NoError(t, err)
	assert.Equal(t, "network lost", got.LastError)
	assert.True(t, got.ReconnectExhausted)
}

func TestBranches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetBranch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpsertBranch(ctx, &Branch{ID: "norte", Name: "Norte"}))
	require.NoError(t, store.UpsertBranch(ctx, &Branch{ID: "centro", Name: "Centro"}))
	require.NoError(t, store.UpsertBranch(ctx, &Branch{ID: "centro", Name: "Centro Historico"}))

	branches, err := store.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "centro", branches[0].ID)
	assert.Equal(t, "Centro Historico", branches[0].Name)
	assert.Equal(t, "norte", branches[1].ID)
}

func TestBranchConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetBranchConfig(ctx, "centro")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpsertBranch(ctx, &Branch{ID: "centro", Name: "Centro"}))
	require.NoError(t, store.SaveBranchConfig(ctx, &BranchConfig{
		BranchID:       "centro",
		Prompt:         "Eres el asistente de Centro",
		MenuText:       "Hamburguesa\nPerro",
		OrderPhone:     "3001112233",
		ComplaintPhone: "3004445566",
	}))

	cfg, err := store.GetBranchConfig(ctx, "centro")
	require.NoError(t, err)
	assert.Equal(t, "Hamburguesa\nPerro", cfg.MenuText)
	assert.Equal(t, "3001112233", cfg.OrderPhone)
	assert.Equal(t, "3004445566", cfg.ComplaintPhone)
	assert.False(t, cfg.UpdatedAt.IsZero())
}

func TestBranchConfig_RequiresBranch(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveBranchConfig(context.Background(), &BranchConfig{BranchID: "ghost"})
	assert.Error(t, err, "foreign key should reject configs for unknown branches")
}

func TestConversation_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetConversation(ctx, "centro", "+573001234567")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	conv := &ConversationContext{BranchID: "centro", CustomerAddress: "+573001234567"}
	conv.Append(HistoryEntry{Direction: DirectionInbound, Text: "hola", Timestamp: base}, 10)
	conv.Append(HistoryEntry{Direction: DirectionOutbound, Text: "bienvenido", Timestamp: base.Add(time.Second)}, 10)
	require.NoError(t, store.SaveConversation(ctx, conv))

	got, err := store.GetConversation(ctx, "centro", "+573001234567")
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, DirectionInbound, got.History[0].Direction)
	assert.Equal(t, "hola", got.History[0].Text)
	assert.True(t, base.Equal(got.History[0].Timestamp), "timestamps keep nanosecond precision")
	assert.Equal(t, DirectionOutbound, got.History[1].Direction)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Second)))

	// Overwrite replaces the history.
	conv.Append(HistoryEntry{Direction: DirectionInbound, Text: "menu", Timestamp: base.Add(2 * time.Second)}, 2)
	require.NoError(t, store.SaveConversation(ctx, conv))
	got, err = store.GetConversation(ctx, "centro", "+573001234567")
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "bienvenido", got.History[0].Text)
	assert.Equal(t, "menu", got.History[1].Text)
}

func TestConversation_KeyedByBranchAndCustomer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, branch := range []string{"centro", "norte"} {
		conv := &ConversationContext{BranchID: branch, CustomerAddress: "cust"}
		conv.Append(HistoryEntry{Direction: DirectionInbound, Text: branch, Timestamp: now}, 10)
		require.NoError(t, store.SaveConversation(ctx, conv))
	}

	got, err := store.GetConversation(ctx, "norte", "cust")
	require.NoError(t, err)
	assert.Equal(t, "norte", got.History[0].Text)
}

func TestSessionStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSessionStatus(ctx, "centro")
	assert.ErrorIs(t, err, ErrNotFound)

	ready := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.SaveSessionStatus(ctx, &SessionStatus{
		BranchID:    "norte",
		State:       "READY",
		LastReadyAt: &ready,
	}))
	require.NoError(t, store.SaveSessionStatus(ctx, &SessionStatus{
		BranchID:           "centro",
		State:              "DISCONNECTED",
		RetryCount:         3,
		LastError:          "stream closed",
		ReconnectExhausted: true,
	}))

	got, err := store.GetSessionStatus(ctx, "norte")
	require.NoError(t, err)
	assert.Equal(t, "READY", got.State)
	require.NotNil(t, got.LastReadyAt)
	assert.True(t, ready.Equal(*got.LastReadyAt))

	all, err := store.ListSessionStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "centro", all[0].BranchID)
	assert.Equal(t, 3, all[0].RetryCount)
	assert.True(t, all[0].ReconnectExhausted)
	assert.Nil(t, all[0].LastReadyAt)

	// Upsert replaces.
	require.NoError(t, store.SaveSessionStatus(ctx, &SessionStatus{BranchID: "centro", State: "READY"}))
	got, err = store.GetSessionStatus(ctx, "centro")
	require.NoError(t, err)
	assert.Equal(t, "READY", got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.ReconnectExhausted, "a fresh save replaces the exhausted flag")
}
