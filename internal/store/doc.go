// ABOUTME: Package documentation for the store package
// ABOUTME: Describes persistence scope and restart semantics

// Package store persists the relay state that must survive restarts:
// tenant credentials, the latest configuration snapshot per tenant, and
// the command audit trail.
//
// In-flight queue state is deliberately not persisted. After a crash the
// queue is rebuilt empty and agents resync with a full snapshot on
// reconnect; losing in-flight commands is acceptable, losing tenant
// identity or credentials is not. The commands table exists for audit and
// duplicate detection, and its max sequence seeds the queue counter after
// a restart so sequence numbers never collide.
//
// The SQLite implementation uses modernc.org/sqlite in WAL mode with
// schema creation on open.
package store
