// ABOUTME: Heartbeat monitor sweeping live sessions against a liveness timeout
// ABOUTME: Evicts silent sessions and hands the tenant to the timeout callback

package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/quartermaster/qm-relay/internal/session"
)

// SessionRegistry is the subset of the session registry the monitor needs.
type SessionRegistry interface {
	ActiveSessions() []*session.Session
	Lookup(tenantID string) *session.Session
	Evict(sess *session.Session) bool
}

// TimeoutFunc is invoked once per tenant whose session the sweep evicted.
// The callback owns the follow-up: failing and requeuing the tenant's
// in-flight command and notifying subscribers.
type TimeoutFunc func(tenantID string)

// Monitor tracks session liveness and evicts sessions whose agents have
// gone silent past the configured timeout.
type Monitor struct {
	registry  SessionRegistry
	timeout   time.Duration
	interval  time.Duration
	onTimeout TimeoutFunc
	logger    *slog.Logger
}

// NewMonitor creates a heartbeat monitor. onTimeout may be nil.
func NewMonitor(registry SessionRegistry, interval, timeout time.Duration, onTimeout TimeoutFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry:  registry,
		timeout:   timeout,
		interval:  interval,
		onTimeout: onTimeout,
		logger:    logger.With("component", "heartbeat"),
	}
}

// RecordHeartbeat refreshes liveness for the tenant's current session.
// Unknown tenants are ignored; the session may have been evicted already.
func (m *Monitor) RecordHeartbeat(tenantID string) {
	sess := m.registry.Lookup(tenantID)
	if sess == nil {
		return
	}
	sess.RecordHeartbeat(time.Now().UTC())
}

// Run sweeps all live sessions every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		"interval", m.interval,
		"timeout", m.timeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts every session whose last heartbeat is older than the
// timeout. Eviction goes through the registry's compare-and-swap, so a
// sweep racing a reconnect can never tear down the fresh session, and
// duplicate triggers are harmless.
func (m *Monitor) Sweep() {
	now := time.Now().UTC()

	for _, sess := range m.registry.ActiveSessions() {
		silence := now.Sub(sess.LastHeartbeat())
		if silence <= m.timeout {
			continue
		}

		if !m.registry.Evict(sess) {
			continue
		}

		m.logger.Warn("session timed out",
			"tenant_id", sess.TenantID,
			"silence", silence,
		)

		if m.onTimeout != nil {
			m.onTimeout(sess.TenantID)
		}
	}
}
