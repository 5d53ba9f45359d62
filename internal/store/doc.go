// ABOUTME: Package documentation for the SQLite-backed gateway store
// ABOUTME: Covers admin tokens and the audit log of corrective actions

// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - AdminToken: an operator credential, stored only as a bcrypt hash
//   - AuditEntry: one administrative or corrective action (pod restart, pod
//     delete, deployment scale, token create/revoke)
//
// # SQLite Configuration
//
// The store uses the pure-Go modernc.org/sqlite driver. WAL mode, a busy
// timeout, and foreign keys are set per connection through the DSN. The
// schema is versioned with PRAGMA user_version; each entry in migrations
// runs once, in its own transaction, and a database newer than the binary
// is refused.
//
// Database file locations:
//
//   - Production: database.path, or $KILO_DB_PATH when set
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrInvalidToken: presented admin token matches no active token
//   - ErrTokensExist: bootstrap token requested after tokens were issued
//
// All methods accept context.Context for cancellation support.
package store
