// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Three narrow interfaces are combined into Store:
//
//   - BranchStore: the branch catalog and per-branch reply settings
//   - ConversationStore: rolling conversation contexts, read by the router
//   - SessionStatusStore: best-effort mirrors of session state
//
// SQLiteStore implements all of them. It can run on the pure-Go
// modernc.org/sqlite driver ("sqlite", the default) or on the cgo
// github.com/mattn/go-sqlite3 driver ("sqlite3"). MockStore is an in-memory
// implementation for tests.
//
// # Encoding
//
// Conversation history is stored as a single CBOR blob per (branch, customer)
// row. Timestamps are written as RFC 3339 strings in UTC.
//
// # Catalog
//
// LoadCatalog reads a TOML file describing branches; SeedCatalog upserts it
// into a BranchStore on every start.
package store
