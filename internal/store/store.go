// ABOUTME: Store interface and data types for qm-relay persistence
// ABOUTME: Defines Tenant, Snapshot, CommandRecord structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTenant is returned when trying to create a tenant whose name
// or key ID collides with an existing one
var ErrDuplicateTenant = errors.New("tenant already exists")

// ErrDuplicateSequence is returned when a command audit row collides with an
// already-recorded (tenant, sequence) pair
var ErrDuplicateSequence = errors.New("command sequence already recorded")

// TenantStatus is the lifecycle state of a tenant credential.
type TenantStatus string

// Tenant statuses
const (
	TenantStatusActive  TenantStatus = "active"
	TenantStatusRevoked TenantStatus = "revoked"
)

// Tenant represents one guild / game-server pairing and its credential.
// The plaintext API key is never stored; KeyHash is a bcrypt hash of the
// full key and KeyID is the public lookup portion.
type Tenant struct {
	ID         string
	Name       string
	KeyID      string
	KeyHash    string
	Status     TenantStatus
	CreatedAt  time.Time
	LastUsedAt *time.Time // last successful agent authentication
	RevokedAt  *time.Time // set when revoked; revoked keys are never reactivated
}

// Snapshot is the last known full configuration state for a tenant.
// Immutable once stored; a newer snapshot replaces it wholesale.
type Snapshot struct {
	TenantID   string
	Version    int64
	Fields     map[string]json.RawMessage
	CapturedAt time.Time
	StoredAt   time.Time
}

// CommandState is the lifecycle state of a field-update command.
type CommandState string

// Command states. Acked, failed and expired are terminal.
const (
	CommandStatePending    CommandState = "pending"
	CommandStateDispatched CommandState = "dispatched"
	CommandStateAcked      CommandState = "acked"
	CommandStateFailed     CommandState = "failed"
	CommandStateExpired    CommandState = "expired"
)

// Terminal reports whether the state is one a command never leaves.
func (s CommandState) Terminal() bool {
	return s == CommandStateAcked || s == CommandStateFailed || s == CommandStateExpired
}

// CommandRecord is the audit row for a submitted command. Records in a
// terminal state are retained for a retention window and then purged.
type CommandRecord struct {
	ID        string
	TenantID  string
	Sequence  int64
	Field     string
	Value     json.RawMessage
	Origin    string
	State     CommandState
	Reason    string // failure/expiry reason, empty otherwise
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for qm-relay persistence.
// Tenant credentials and the latest snapshot must survive restarts;
// in-flight queue state is rebuilt empty and reconciled by agent resync.
type Store interface {
	// Tenants (credential store)
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantByKeyID(ctx context.Context, keyID string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	UpdateTenantKey(ctx context.Context, id, keyID, keyHash string, rotatedAt time.Time) error
	RevokeTenant(ctx context.Context, id string, revokedAt time.Time) error
	TouchTenantKey(ctx context.Context, id string, usedAt time.Time) error

	// Snapshots
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	GetSnapshot(ctx context.Context, tenantID string) (*Snapshot, error)

	// Command audit
	SaveCommand(ctx context.Context, cmd *CommandRecord) error
	GetCommand(ctx context.Context, id string) (*CommandRecord, error)
	ListCommands(ctx context.Context, tenantID string, limit int) ([]*CommandRecord, error)
	MaxCommandSequence(ctx context.Context, tenantID string) (int64, error)
	PurgeTerminalCommands(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
