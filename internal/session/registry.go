// ABOUTME: Session registry mapping each tenant to at most one live agent connection
// ABOUTME: Admission is a per-tenant compare-and-swap; the newest connection wins

package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a session.
type State int32

// Session states. Sessions are created post-handshake, so a session is
// ACTIVE from admission until it starts closing.
const (
	StateActive State = iota
	StateClosing
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is the transport handle a session owns. The registry uses it to
// force-close a replaced connection: best-effort notify, then hard close.
type Conn interface {
	// NotifyClose tells the remote side why the connection is going away.
	// Best-effort; errors are ignored by the registry.
	NotifyClose(reason string) error

	// Close tears the connection down.
	Close() error
}

// Session represents one authenticated agent connection bound to a tenant.
// Owned exclusively by the Registry from admission to eviction.
type Session struct {
	TenantID        string
	ProtocolVersion int
	Conn            Conn
	AdmittedAt      time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RecordHeartbeat refreshes the session's liveness timestamp.
func (s *Session) RecordHeartbeat(at time.Time) {
	s.lastHeartbeat.Store(at.UnixNano())
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// markClosing transitions the session to CLOSING. Safe to call repeatedly.
func (s *Session) markClosing() {
	s.state.Store(int32(StateClosing))
}

// slot is one tenant's registry entry. Each slot has its own mutex so
// unrelated tenants never serialize on each other.
type slot struct {
	mu      sync.Mutex
	current *Session
}

// Registry maps tenant IDs to at most one live session each.
// The registry mutex guards only the slot map; all per-tenant state is
// mutated under the slot's own lock.
type Registry struct {
	mu     sync.RWMutex
	slots  map[string]*slot
	logger *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		slots:  make(map[string]*slot),
		logger: logger.With("component", "session"),
	}
}

// getSlot returns the tenant's slot, creating it on first use.
func (r *Registry) getSlot(tenantID string) *slot {
	r.mu.RLock()
	sl, ok := r.slots[tenantID]
	r.mu.RUnlock()
	if ok {
		return sl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok = r.slots[tenantID]; ok {
		return sl
	}
	sl = &slot{}
	r.slots[tenantID] = sl
	return sl
}

// Admit installs a new session for the tenant. If a prior session exists it
// is marked CLOSING, notified best-effort, hard-closed, and replaced: a
// single flaky network must never strand two writers on one tenant.
// Returns the new session and the replaced one (nil if the slot was empty).
func (r *Registry) Admit(tenantID string, conn Conn, protocolVersion int) (*Session, *Session) {
	sess := &Session{
		TenantID:        tenantID,
		ProtocolVersion: protocolVersion,
		Conn:            conn,
		AdmittedAt:      time.Now().UTC(),
	}
	sess.state.Store(int32(StateActive))
	sess.RecordHeartbeat(sess.AdmittedAt)

	sl := r.getSlot(tenantID)
	sl.mu.Lock()
	replaced := sl.current
	if replaced != nil {
		replaced.markClosing()
	}
	sl.current = sess
	sl.mu.Unlock()

	if replaced != nil {
		_ = replaced.Conn.NotifyClose("replaced by newer connection")
		_ = replaced.Conn.Close()
		r.logger.Info("session replaced",
			"tenant_id", tenantID,
			"old_admitted_at", replaced.AdmittedAt,
		)
	}

	r.logger.Info("session admitted", "tenant_id", tenantID, "protocol_version", protocolVersion)
	return sess, replaced
}

// Lookup returns the tenant's current session, or nil if none is live.
func (r *Registry) Lookup(tenantID string) *Session {
	r.mu.RLock()
	sl, ok := r.slots[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.current
}

// IsCurrent reports whether sess is still the registry's session for its
// tenant. Inbound messages are checked against this so a just-evicted but
// not-yet-closed connection can never race a fresh one.
func (r *Registry) IsCurrent(sess *Session) bool {
	if sess == nil {
		return false
	}
	return r.Lookup(sess.TenantID) == sess
}

// Evict removes sess from its tenant's slot and closes its connection.
// Idempotent, and a no-op when sess is no longer current, so the
// disconnect path and the heartbeat-timeout path can both fire without a
// stale eviction ever tearing down a newer session.
// Returns true if the session was actually evicted.
func (r *Registry) Evict(sess *Session) bool {
	if sess == nil {
		return false
	}

	sl := r.getSlot(sess.TenantID)
	sl.mu.Lock()
	if sl.current != sess {
		sl.mu.Unlock()
		return false
	}
	sess.markClosing()
	sl.current = nil
	sl.mu.Unlock()

	_ = sess.Conn.Close()
	r.logger.Info("session evicted", "tenant_id", sess.TenantID)
	return true
}

// ActiveSessions returns a point-in-time copy of all live sessions,
// used by the heartbeat monitor's sweep.
func (r *Registry) ActiveSessions() []*Session {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.slots))
	for _, sl := range r.slots {
		slots = append(slots, sl)
	}
	r.mu.RUnlock()

	sessions := make([]*Session, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		if sl.current != nil {
			sessions = append(sessions, sl.current)
		}
		sl.mu.Unlock()
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return len(r.ActiveSessions())
}
