// Package store provides persistent storage for engine-gateway using SQLite.
//
// # Architecture
//
// Two interfaces split the persistence surface:
//
//   - UserStore: credential records (signup, login lookup, account deletion)
//   - TurnStore: per-user query history
//
// Store combines both with Ping and Close. SQLiteStore implements Store on
// either SQLite driver; MockStore implements it in memory for tests.
//
// # Ownership
//
// Every TurnStore read and delete takes the owning user ID. A turn owned by
// another user is indistinguishable from a missing one: both yield ErrNotFound.
//
// # Drivers
//
//   - "sqlite": modernc.org/sqlite, pure Go, the default
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// Both open the database in WAL mode with foreign keys enabled.
//
// # Timestamps
//
// Timestamps are stored as fixed-width RFC3339 text in UTC so that ORDER BY
// on the column matches chronological order.
package store
