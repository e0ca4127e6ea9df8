// ABOUTME: Per-tenant ordered command queue with strict sequence dispatch
// ABOUTME: At most one in-flight command per tenant; terminal states are audited

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quartermaster/qm-relay/internal/store"
)

// Queue errors
var (
	// ErrSequenceMismatch means an ack/fail referenced a sequence that is
	// not the tenant's current in-flight command (stale or duplicate).
	ErrSequenceMismatch = errors.New("sequence is not in flight")

	// ErrNothingInFlight means an ack/fail arrived while no command was dispatched.
	ErrNothingInFlight = errors.New("no command in flight")
)

// Command is one pending or in-flight field update.
// Owned by the Queue until it reaches a terminal state.
type Command struct {
	ID         string
	TenantID   string
	Sequence   int64
	Field      string
	Value      json.RawMessage
	Origin     string
	State      store.CommandState
	Reason     string
	EnqueuedAt time.Time
}

// record converts the command to its audit row form.
func (c *Command) record(now time.Time) *store.CommandRecord {
	return &store.CommandRecord{
		ID:        c.ID,
		TenantID:  c.TenantID,
		Sequence:  c.Sequence,
		Field:     c.Field,
		Value:     c.Value,
		Origin:    c.Origin,
		State:     c.State,
		Reason:    c.Reason,
		CreatedAt: c.EnqueuedAt,
		UpdatedAt: now,
	}
}

// tenantQueue is one tenant's command state. Each has its own mutex so
// queue operations for distinct tenants never serialize.
type tenantQueue struct {
	mu       sync.Mutex
	nextSeq  int64
	seeded   bool
	pending  []*Command
	inflight *Command
}

// Queue manages per-tenant ordered command queues. Commands dispatch
// strictly in ascending sequence order and sequence N+1 never dispatches
// before N reaches a terminal state.
type Queue struct {
	mu      sync.RWMutex
	tenants map[string]*tenantQueue
	store   store.Store
	logger  *slog.Logger
}

// New creates a command queue persisting audit rows to the given store.
func New(st store.Store, logger *slog.Logger) *Queue {
	return &Queue{
		tenants: make(map[string]*tenantQueue),
		store:   st,
		logger:  logger.With("component", "queue"),
	}
}

// getTenant returns the tenant's queue, creating it on first use.
func (q *Queue) getTenant(tenantID string) *tenantQueue {
	q.mu.RLock()
	tq, ok := q.tenants[tenantID]
	q.mu.RUnlock()
	if ok {
		return tq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if tq, ok = q.tenants[tenantID]; ok {
		return tq
	}
	tq = &tenantQueue{}
	q.tenants[tenantID] = tq
	return tq
}

// seedLocked initializes the sequence counter from the audit trail so
// sequence numbers never collide across relay restarts.
// Must be called with the tenant queue lock held.
func (q *Queue) seedLocked(ctx context.Context, tenantID string, tq *tenantQueue) error {
	if tq.seeded {
		return nil
	}

	max, err := q.store.MaxCommandSequence(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("seeding sequence counter: %w", err)
	}
	tq.nextSeq = max + 1
	tq.seeded = true
	return nil
}

// Enqueue appends a new command to the tenant's queue, assigning the next
// sequence number and persisting a pending audit row.
func (q *Queue) Enqueue(ctx context.Context, tenantID, field string, value json.RawMessage, origin string) (*Command, error) {
	tq := q.getTenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if err := q.seedLocked(ctx, tenantID, tq); err != nil {
		return nil, err
	}

	cmd := &Command{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Sequence:   tq.nextSeq,
		Field:      field,
		Value:      value,
		Origin:     origin,
		State:      store.CommandStatePending,
		EnqueuedAt: time.Now().UTC(),
	}

	if err := q.store.SaveCommand(ctx, cmd.record(cmd.EnqueuedAt)); err != nil {
		return nil, fmt.Errorf("recording command: %w", err)
	}

	tq.nextSeq++
	tq.pending = append(tq.pending, cmd)

	q.logger.Debug("command enqueued",
		"tenant_id", tenantID,
		"command_id", cmd.ID,
		"sequence", cmd.Sequence,
		"field", field,
	)
	return cmd, nil
}

// DispatchNext promotes the head of the tenant's queue to DISPATCHED and
// returns it. Returns nil when the queue is empty or a command is already
// in flight; the ordering invariant admits exactly one dispatched command
// per tenant at a time.
func (q *Queue) DispatchNext(ctx context.Context, tenantID string) (*Command, error) {
	tq := q.getTenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.inflight != nil || len(tq.pending) == 0 {
		return nil, nil
	}

	cmd := tq.pending[0]
	cmd.State = store.CommandStateDispatched
	if err := q.store.SaveCommand(ctx, cmd.record(time.Now().UTC())); err != nil {
		cmd.State = store.CommandStatePending
		return nil, fmt.Errorf("recording dispatch: %w", err)
	}

	tq.pending = tq.pending[1:]
	tq.inflight = cmd

	q.logger.Debug("command dispatched",
		"tenant_id", tenantID,
		"command_id", cmd.ID,
		"sequence", cmd.Sequence,
	)
	return cmd, nil
}

// finishInflight transitions the current in-flight command to a terminal
// state. The sequence must match the in-flight command exactly.
func (q *Queue) finishInflight(ctx context.Context, tenantID string, sequence int64, state store.CommandState, reason string) (*Command, error) {
	tq := q.getTenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.inflight == nil {
		return nil, ErrNothingInFlight
	}
	if tq.inflight.Sequence != sequence {
		return nil, fmt.Errorf("%w: got %d, in flight %d", ErrSequenceMismatch, sequence, tq.inflight.Sequence)
	}

	cmd := tq.inflight
	cmd.State = state
	cmd.Reason = reason
	if err := q.store.SaveCommand(ctx, cmd.record(time.Now().UTC())); err != nil {
		return nil, fmt.Errorf("recording %s: %w", state, err)
	}

	tq.inflight = nil
	return cmd, nil
}

// Ack marks the tenant's in-flight command as applied.
func (q *Queue) Ack(ctx context.Context, tenantID string, sequence int64) (*Command, error) {
	cmd, err := q.finishInflight(ctx, tenantID, sequence, store.CommandStateAcked, "")
	if err != nil {
		return nil, err
	}
	q.logger.Info("command acked",
		"tenant_id", tenantID,
		"command_id", cmd.ID,
		"sequence", cmd.Sequence,
	)
	return cmd, nil
}

// Fail marks the tenant's in-flight command as failed with the given reason.
func (q *Queue) Fail(ctx context.Context, tenantID string, sequence int64, reason string) (*Command, error) {
	cmd, err := q.finishInflight(ctx, tenantID, sequence, store.CommandStateFailed, reason)
	if err != nil {
		return nil, err
	}
	q.logger.Warn("command failed",
		"tenant_id", tenantID,
		"command_id", cmd.ID,
		"sequence", cmd.Sequence,
		"reason", reason,
	)
	return cmd, nil
}

// Expire transitions the tenant's in-flight command to EXPIRED after its
// ack deadline passed. Expired commands are never retried automatically;
// re-issuance is an explicit choice by the origin actor.
func (q *Queue) Expire(ctx context.Context, tenantID string, sequence int64) (*Command, error) {
	cmd, err := q.finishInflight(ctx, tenantID, sequence, store.CommandStateExpired, "ack timeout")
	if err != nil {
		return nil, err
	}
	q.logger.Warn("command expired",
		"tenant_id", tenantID,
		"command_id", cmd.ID,
		"sequence", cmd.Sequence,
	)
	return cmd, nil
}

// Requeue returns the tenant's in-flight command to PENDING at the head of
// the queue after the session was lost. This is the one automatic retry
// path: a network-loss retry of an already-issued edit, not a stale
// re-issuance. Idempotent: a second trigger finds nothing in flight and
// returns nil.
func (q *Queue) Requeue(ctx context.Context, tenantID, reason string) (*Command, error) {
	tq := q.getTenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.inflight == nil {
		return nil, nil
	}

	cmd := tq.inflight
	now := time.Now().UTC()

	// Record the failure, then the return to pending, so the audit trail
	// shows the command was failed before being requeued.
	cmd.State = store.CommandStateFailed
	cmd.Reason = reason
	if err := q.store.SaveCommand(ctx, cmd.record(now)); err != nil {
		cmd.State = store.CommandStateDispatched
		return nil, fmt.Errorf("recording failure: %w", err)
	}

	cmd.State = store.CommandStatePending
	if err := q.store.SaveCommand(ctx, cmd.record(now)); err != nil {
		return nil, fmt.Errorf("recording requeue: %w", err)
	}

	tq.inflight = nil
	tq.pending = append([]*Command{cmd}, tq.pending...)

	q.logger.Warn("command requeued",
		"tenant_id", tenantID,
		"command_id", cmd.ID,
		"sequence", cmd.Sequence,
		"reason", reason,
	)
	return cmd, nil
}

// InFlight returns the tenant's currently dispatched command, or nil.
func (q *Queue) InFlight(tenantID string) *Command {
	tq := q.getTenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.inflight
}

// PendingCount returns the number of queued (not yet dispatched) commands.
func (q *Queue) PendingCount(tenantID string) int {
	tq := q.getTenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.pending)
}

// RunGC periodically purges terminal commands older than the retention
// window. Blocks until ctx is cancelled.
func (q *Queue) RunGC(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := q.store.PurgeTerminalCommands(ctx, cutoff); err != nil {
				q.logger.Warn("command gc failed", "error", err)
			}
		}
	}
}
