// Package store persists conversations and their messages.
//
// # Architecture
//
// Store is the single interface the rest of the service depends on. Every
// operation is scoped to a user: a conversation owned by someone else is
// reported as ErrNotFound, never as a permission error.
//
// Implementations:
//
//   - SQLiteStore: default backend (modernc.org/sqlite, no cgo)
//   - PostgresStore: shared server deployments (lib/pq)
//   - PebbleStore: embedded key-value backend (cockroachdb/pebble)
//   - MockStore: in-memory, used by tests and the "memory" driver
//
// SQLiteStore and PostgresStore share their queries through sqlStore and
// differ only in schema DDL and placeholder syntax.
//
// # Data Models
//
//   - Conversation: owner, optional title, created/updated timestamps
//   - Message: one user or assistant turn, append-only
//
// # Ordering
//
// Messages come back oldest first. Timestamps are handed out by a
// monotonic clock and the SQL backends add an insertion sequence as a
// tiebreak, so two turns written in order never swap places.
//
// # Deletion
//
// Deleting a conversation is two calls: DeleteMessages, then
// DeleteConversation. They are not atomic. If the second call fails the
// conversation survives with no messages.
package store
