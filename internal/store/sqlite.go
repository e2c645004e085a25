// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite("sqlite", path)
}

// OpenSQLite opens a store with the named database/sql driver ("sqlite" or "sqlite3").
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != "sqlite" && driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS branch_configs (
			branch_id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL DEFAULT '',
			menu_text TEXT NOT NULL DEFAULT '',
			order_phone TEXT NOT NULL DEFAULT '',
			complaint_phone TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			FOREIGN KEY (branch_id) REFERENCES branches(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS conversations (
			branch_id TEXT NOT NULL,
			customer TEXT NOT NULL,
			history BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (branch_id, customer)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(branch_id, updated_at);

		CREATE TABLE IF NOT EXISTS session_status (
			branch_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			last_ready_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "session_status",
			column: "last_error",
			apply:  `ALTER TABLE session_status ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "session_status",
			column: "reconnect_exhausted",
			apply:  `ALTER TABLE session_status ADD COLUMN reconnect_exhausted INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// UpsertBranch inserts a branch or renames an existing one.
func (s *SQLiteStore) UpsertBranch(ctx context.Context, branch *Branch) error {
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, branch.ID, branch.Name, formatTime(branch.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting branch: %w", err)
	}
	return nil
}

// GetBranch retrieves a branch by ID.
// Returns ErrNotFound if the branch doesn't exist.
func (s *SQLiteStore) GetBranch(ctx context.Context, id string) (*Branch, error) {
	var b Branch
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM branches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch: %w", err)
	}
	if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBranches returns all branches ordered by ID.
func (s *SQLiteStore) ListBranches(ctx context.Context) ([]*Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM branches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		var b Branch
		var createdAt string
		if err := rows.Scan(&b.ID, &b.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		branches = append(branches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating branches: %w", err)
	}
	return branches, nil
}

// SaveBranchConfig inserts or replaces a branch's config. The branch must exist.
func (s *SQLiteStore) SaveBranchConfig(ctx context.Context, cfg *BranchConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO branch_configs
			(branch_id, prompt, menu_text, order_phone, complaint_phone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cfg.BranchID, cfg.Prompt, cfg.MenuText, cfg.OrderPhone, cfg.ComplaintPhone, formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving branch config: %w", err)
	}
	s.logger.Debug("saved branch config", "branch_id", cfg.BranchID)
	return nil
}

// GetBranchConfig returns the branch's config or ErrNotFound.
func (s *SQLiteStore) GetBranchConfig(ctx context.Context, branchID string) (*BranchConfig, error) {
	var c BranchConfig
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT branch_id, prompt, menu_text, order_phone, complaint_phone, updated_at
		FROM branch_configs WHERE branch_id = ?
	`, branchID).Scan(&c.BranchID, &c.Prompt, &c.MenuText, &c.OrderPhone, &c.ComplaintPhone, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch config: %w", err)
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation loads the context for a (branch, customer) pair.
// Returns ErrNotFound if the customer has never written to the branch.
func (s *SQLiteStore) GetConversation(ctx context.Context, branchID, customer string) (*ConversationContext, error) {
	var blob []byte
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT history, updated_at FROM conversations WHERE branch_id = ? AND customer = ?
	`, branchID, customer).Scan(&blob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	history, err := decodeHistory(blob)
	if err != nil {
		return nil, err
	}
	conv := &ConversationContext{
		BranchID:        branchID,
		CustomerAddress: customer,
		History:         history,
	}
	if conv.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return conv, nil
}

// SaveConversation writes the whole context, replacing any previous version.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *ConversationContext) error {
	blob, err := encodeHistory(conv.History)
	if err != nil {
		return err
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations (branch_id, customer, history, updated_at)
		VALUES (?, ?, ?, ?)
	`, conv.BranchID, conv.CustomerAddress, blob, formatTime(updated))
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	s.logger.Debug("saved conversation",
		"branch_id", conv.BranchID,
		"entries", len(conv.History),
	)
	return nil
}

// SaveSessionStatus upserts the status mirror for a branch.
func (s *SQLiteStore) SaveSessionStatus(ctx context.Context, st *SessionStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	var lastReady any
	if st.LastReadyAt != nil {
		lastReady = formatTime(*st.LastReadyAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_status
			(branch_id, state, last_ready_at, retry_count, last_error, reconnect_exhausted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, st.BranchID, st.State, lastReady, st.RetryCount, st.LastError, st.ReconnectExhausted, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving session status: %w", err)
	}
	return nil
}

const sessionStatusColumns = `branch_id, state, last_ready_at, retry_count, last_error, reconnect_exhausted, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionStatus(row rowScanner) (*SessionStatus, error) {
	var st SessionStatus
	var lastReady sql.NullString
	var updatedAt string
	if err := row.Scan(&st.BranchID, &st.State, &lastReady, &st.RetryCount, &st.LastError, &st.ReconnectExhausted, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if lastReady.Valid {
		t, err := parseTime("last_ready_at", lastReady.String)
		if err != nil {
			return nil, err
		}
		st.LastReadyAt = &t
	}
	if st.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetSessionStatus returns the persisted status or ErrNotFound.
func (s *SQLiteStore) GetSessionStatus(ctx context.Context, branchID string) (*SessionStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionStatusColumns+` FROM session_status WHERE branch_id = ?`, branchID)
	st, err := scanSessionStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session status: %w", err)
	}
	return st, nil
}

// ListSessionStatuses returns every persisted status ordered by branch ID.
func (s *SQLiteStore) ListSessionStatuses(ctx context.Context) ([]*SessionStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionStatusColumns+` FROM session_status ORDER BY branch_id`)
	if err != nil {
		return nil, fmt.Errorf("querying session statuses: %w", err)
	}
	defer rows.Close()

	var out []*SessionStatus
	for rows.Next() {
		st, err := scanSessionStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session status: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session statuses: %w", err)
	}
	return out, nil
}

var _ Store = (*SQLiteStore)(nil)
