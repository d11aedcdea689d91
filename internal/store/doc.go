// Package store provides persistent storage for the pool coordinator using SQLite.
//
// # Data Models
//
//   - AgentRecord: Persisted form of a pool agent (status, affinity, heartbeat)
//   - TaskRecord: Persisted form of a queued task (status, assignment, timestamps)
//   - Transition: One entry in the status audit trail
//
// Agent and task records are upserted whenever their in-memory state
// changes; sessions are transient and never persisted.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Parent directories of the database path are created automatically.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//	// store implements the Store interface in memory
//
// Use NewSQLiteStore with a temp-dir path for integration tests with real
// SQLite.
package store
