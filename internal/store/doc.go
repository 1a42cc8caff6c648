// Package store provides durable storage for sessions and their messages.
//
// # Architecture
//
// Store is the interface the gateway depends on. SQLiteStore implements it
// on database/sql with either SQLite driver:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, cgo
//
// MockStore is an in-memory implementation for tests, with hooks to inject
// append and ping failures.
//
// # Data Models
//
//   - Session: id, type (chat, page, selection, code), status (active,
//     paused, closed), model, optional system prompt, message count and
//     timestamps
//   - Message: id, session id, role (user, assistant, system), content,
//     timestamp and free-form JSON metadata
//
// # Invariants
//
// Session.MessageCount always equals the number of stored messages for the
// session. AppendMessage increments the counter and inserts the row in one
// transaction; DeleteSession removes messages together with the session.
// UpdateMessageContent is the only way to change a stored message and leaves
// the count untouched.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text so lexical order equals time order.
package store
