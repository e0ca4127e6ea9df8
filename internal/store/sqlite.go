// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides tenant/snapshot/command persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL UNIQUE,
			key_id       TEXT NOT NULL UNIQUE,
			key_hash     TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at   TEXT,

			CHECK (status IN ('active', 'revoked'))
		);

		CREATE INDEX IF NOT EXISTS idx_tenants_key_id ON tenants(key_id);
		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

		CREATE TABLE IF NOT EXISTS snapshots (
			tenant_id   TEXT PRIMARY KEY,
			version     INTEGER NOT NULL,
			fields      TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			stored_at   TEXT NOT NULL,

			FOREIGN KEY (tenant_id) REFERENCES tenants(id)
		);

		CREATE TABLE IF NOT EXISTS commands (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			field      TEXT NOT NULL,
			value      TEXT NOT NULL,
			origin     TEXT NOT NULL,
			state      TEXT NOT NULL,
			reason     TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE(tenant_id, seq),
			CHECK (state IN ('pending', 'dispatched', 'acked', 'failed', 'expired')),
			FOREIGN KEY (tenant_id) REFERENCES tenants(id)
		);

		CREATE INDEX IF NOT EXISTS idx_commands_tenant_seq ON commands(tenant_id, seq);
		CREATE INDEX IF NOT EXISTS idx_commands_state_updated ON commands(state, updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation reports whether an error is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts a nil time pointer to a SQL NULL, otherwise RFC3339 text.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// scanTime parses an RFC3339 column that may be NULL.
func scanTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", v.String, err)
	}
	return &t, nil
}

// CreateTenant inserts a new tenant credential row.
// Returns ErrDuplicateTenant if the name or key ID is already taken.
func (s *SQLiteStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	query := `
		INSERT INTO tenants (id, name, key_id, key_hash, status, created_at, last_used_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.KeyID,
		tenant.KeyHash,
		string(tenant.Status),
		tenant.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(tenant.LastUsedAt),
		nullTime(tenant.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTenant
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}

	s.logger.Debug("created tenant", "id", tenant.ID, "name", tenant.Name)
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, name, key_id, key_hash, status, created_at, last_used_at, revoked_at
		FROM tenants
		WHERE id = ?
	`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, id))
}

// GetTenantByKeyID retrieves a tenant by the public portion of its API key.
// Returns ErrNotFound if no tenant holds the key ID.
func (s *SQLiteStore) GetTenantByKeyID(ctx context.Context, keyID string) (*Tenant, error) {
	query := `
		SELECT id, name, key_id, key_hash, status, created_at, last_used_at, revoked_at
		FROM tenants
		WHERE key_id = ?
	`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, keyID))
}

// scanTenant reads one tenant row.
func (s *SQLiteStore) scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var status, createdAt string
	var lastUsed, revoked sql.NullString

	err := row.Scan(&t.ID, &t.Name, &t.KeyID, &t.KeyHash, &status, &createdAt, &lastUsed, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}

	t.Status = TenantStatus(status)
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.LastUsedAt, err = scanTime(lastUsed); err != nil {
		return nil, err
	}
	if t.RevokedAt, err = scanTime(revoked); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants returns all tenants ordered by creation time.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	query := `
		SELECT id, name, key_id, key_hash, status, created_at, last_used_at, revoked_at
		FROM tenants
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		var status, createdAt string
		var lastUsed, revoked sql.NullString

		if err := rows.Scan(&t.ID, &t.Name, &t.KeyID, &t.KeyHash, &status, &createdAt, &lastUsed, &revoked); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}

		t.Status = TenantStatus(status)
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if t.LastUsedAt, err = scanTime(lastUsed); err != nil {
			return nil, err
		}
		if t.RevokedAt, err = scanTime(revoked); err != nil {
			return nil, err
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// UpdateTenantKey replaces a tenant's credential with a freshly issued one
// and resets last_used_at. Status is untouched: revoked tenants stay
// revoked, and the handlers refuse to rotate them.
func (s *SQLiteStore) UpdateTenantKey(ctx context.Context, id, keyID, keyHash string, rotatedAt time.Time) error {
	query := `
		UPDATE tenants
		SET key_id = ?, key_hash = ?, last_used_at = NULL
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, keyID, keyHash, id)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTenant
		}
		return fmt.Errorf("rotating tenant key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("rotated tenant key", "tenant_id", id, "rotated_at", rotatedAt.UTC().Format(time.RFC3339))
	return nil
}

// RevokeTenant marks a tenant's credential as revoked. Idempotent: revoking
// an already-revoked tenant leaves the original revoked_at untouched.
func (s *SQLiteStore) RevokeTenant(ctx context.Context, id string, revokedAt time.Time) error {
	query := `
		UPDATE tenants
		SET status = 'revoked',
		    revoked_at = COALESCE(revoked_at, ?)
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, revokedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("revoking tenant: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked tenant", "tenant_id", id)
	return nil
}

// TouchTenantKey records a successful authentication with the tenant's key.
func (s *SQLiteStore) TouchTenantKey(ctx context.Context, id string, usedAt time.Time) error {
	query := `UPDATE tenants SET last_used_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, usedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating last_used_at: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSnapshot stores a tenant's latest snapshot, replacing any previous one.
// Version ordering is enforced by the state cache, not here.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	fields, err := json.Marshal(snapshot.Fields)
	if err != nil {
		return fmt.Errorf("encoding snapshot fields: %w", err)
	}

	query := `
		INSERT INTO snapshots (tenant_id, version, fields, captured_at, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			version = excluded.version,
			fields = excluded.fields,
			captured_at = excluded.captured_at,
			stored_at = excluded.stored_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.TenantID,
		snapshot.Version,
		string(fields),
		snapshot.CapturedAt.UTC().Format(time.RFC3339Nano),
		snapshot.StoredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	s.logger.Debug("saved snapshot", "tenant_id", snapshot.TenantID, "version", snapshot.Version)
	return nil
}

// GetSnapshot retrieves the latest snapshot for a tenant.
// Returns ErrNotFound if the tenant has never pushed a snapshot.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	query := `
		SELECT tenant_id, version, fields, captured_at, stored_at
		FROM snapshots
		WHERE tenant_id = ?
	`

	var snap Snapshot
	var fields, capturedAt, storedAt string

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&snap.TenantID, &snap.Version, &fields, &capturedAt, &storedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &snap.Fields); err != nil {
		return nil, fmt.Errorf("decoding snapshot fields: %w", err)
	}
	if snap.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt); err != nil {
		return nil, fmt.Errorf("parsing captured_at: %w", err)
	}
	if snap.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt); err != nil {
		return nil, fmt.Errorf("parsing stored_at: %w", err)
	}
	return &snap, nil
}

// SaveCommand upserts a command audit row keyed by command ID.
// Returns ErrDuplicateSequence when inserting a new command whose
// (tenant, sequence) pair is already recorded under another ID.
func (s *SQLiteStore) SaveCommand(ctx context.Context, cmd *CommandRecord) error {
	query := `
		INSERT INTO commands (id, tenant_id, seq, field, value, origin, state, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.TenantID,
		cmd.Sequence,
		cmd.Field,
		string(cmd.Value),
		cmd.Origin,
		string(cmd.State),
		nullString(cmd.Reason),
		cmd.CreatedAt.UTC().Format(time.RFC3339Nano),
		cmd.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSequence
		}
		return fmt.Errorf("saving command: %w", err)
	}
	return nil
}

// GetCommand retrieves a command audit row by ID.
// Returns ErrNotFound if the command doesn't exist or has been purged.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	query := `
		SELECT id, tenant_id, seq, field, value, origin, state, reason, created_at, updated_at
		FROM commands
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	cmd, err := scanCommand(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return cmd, err
}

// ListCommands returns a tenant's commands in ascending sequence order.
func (s *SQLiteStore) ListCommands(ctx context.Context, tenantID string, limit int) ([]*CommandRecord, error) {
	query := `
		SELECT id, tenant_id, seq, field, value, origin, state, reason, created_at, updated_at
		FROM commands
		WHERE tenant_id = ?
		ORDER BY seq
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []*CommandRecord
	for rows.Next() {
		cmd, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// scanCommand reads one command row via the given scan function.
func scanCommand(scan func(...any) error) (*CommandRecord, error) {
	var cmd CommandRecord
	var value, state, createdAt, updatedAt string
	var reason sql.NullString

	err := scan(&cmd.ID, &cmd.TenantID, &cmd.Sequence, &cmd.Field, &value,
		&cmd.Origin, &state, &reason, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	cmd.Value = json.RawMessage(value)
	cmd.State = CommandState(state)
	cmd.Reason = reason.String
	if cmd.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cmd.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cmd, nil
}

// MaxCommandSequence returns the highest recorded sequence number for a
// tenant, or zero if none exist. Used to seed the queue after a restart so
// audit rows never collide.
func (s *SQLiteStore) MaxCommandSequence(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM commands WHERE tenant_id = ?`

	var max int64
	if err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&max); err != nil {
		return 0, fmt.Errorf("querying max sequence: %w", err)
	}
	return max, nil
}

// PurgeTerminalCommands deletes terminal-state commands last updated before
// the cutoff. Returns the number of rows removed.
func (s *SQLiteStore) PurgeTerminalCommands(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM commands
		WHERE state IN ('acked', 'failed', 'expired')
		  AND updated_at < ?
	`

	res, err := s.db.ExecContext(ctx, query, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purging commands: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged terminal commands", "count", n)
	}
	return n, nil
}
