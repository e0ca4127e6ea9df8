// ABOUTME: Relay router connecting the dashboard surface to agent sessions
// ABOUTME: Validates submissions, drives dispatch, and applies agent responses

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quartermaster/qm-relay/internal/dedupe"
	"github.com/quartermaster/qm-relay/internal/metrics"
	"github.com/quartermaster/qm-relay/internal/notify"
	"github.com/quartermaster/qm-relay/internal/queue"
	"github.com/quartermaster/qm-relay/internal/session"
	"github.com/quartermaster/qm-relay/internal/state"
	"github.com/quartermaster/qm-relay/internal/store"
	"github.com/quartermaster/qm-relay/internal/wire"
)

// Router errors
var (
	// ErrUnknownField means a command targeted a field outside the editable set.
	ErrUnknownField = errors.New("unknown editable field")

	// ErrInvalidValue means a command value was not valid JSON.
	ErrInvalidValue = errors.New("invalid command value")

	// ErrTenantRevoked means the target tenant's credentials are revoked.
	ErrTenantRevoked = errors.New("tenant is revoked")
)

// agentLink is the full transport handle the router needs to push frames to
// an agent. Session eviction only needs session.Conn; dispatch needs Send.
type agentLink interface {
	session.Conn
	Send(msgType string, payload any) error
}

// SubmitResult is what the dashboard gets back from a command submission.
type SubmitResult struct {
	Command   *store.CommandRecord
	Duplicate bool // an earlier submission with the same idempotency key
	Offline   bool // tenant has no live session; command is queued
}

// Router wires the dashboard API, the session layer, the state cache, and
// the command queue together. All inbound agent traffic and all dashboard
// submissions flow through it.
type Router struct {
	registry *session.Registry
	state    *state.Cache
	queue    *queue.Queue
	store    store.Store
	dedupe   *dedupe.Cache
	notify   *notify.Broadcaster
	metrics  *metrics.Metrics
	logger   *slog.Logger

	ackTimeout time.Duration

	// submitSem bounds concurrent dashboard submissions.
	submitSem chan struct{}

	// timersMu guards ackTimers: tenantID -> deadline for the in-flight command.
	timersMu  sync.Mutex
	ackTimers map[string]*ackTimer
}

// ackTimer is one armed ack deadline. The sequence it was armed for decides
// whether a late arm or a stale ack may touch it.
type ackTimer struct {
	sequence int64
	timer    *time.Timer
}

// RouterDeps carries the collaborators a Router needs.
type RouterDeps struct {
	Registry    *session.Registry
	State       *state.Cache
	Queue       *queue.Queue
	Store       store.Store
	Dedupe      *dedupe.Cache
	Broadcaster *notify.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	AckTimeout time.Duration
	Workers    int
}

// NewRouter creates a router with a bounded submission pool.
func NewRouter(deps RouterDeps) *Router {
	if deps.Workers < 1 {
		deps.Workers = 1
	}
	return &Router{
		registry:   deps.Registry,
		state:      deps.State,
		queue:      deps.Queue,
		store:      deps.Store,
		dedupe:     deps.Dedupe,
		notify:     deps.Broadcaster,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("component", "router"),
		ackTimeout: deps.AckTimeout,
		submitSem:  make(chan struct{}, deps.Workers),
		ackTimers:  make(map[string]*ackTimer),
	}
}

// SubmitCommand validates and enqueues a dashboard field update, then kicks
// dispatch. An idempotency key, if provided, makes retries return the
// original command instead of enqueuing a duplicate edit. Submission
// succeeds even while the tenant is offline; the result reports it.
func (rt *Router) SubmitCommand(ctx context.Context, tenantID, field string, value json.RawMessage, origin, idempotencyKey string) (*SubmitResult, error) {
	if !wire.IsEditableField(field) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if !json.Valid(value) {
		return nil, ErrInvalidValue
	}

	tenant, err := rt.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status == store.TenantStatusRevoked {
		return nil, ErrTenantRevoked
	}

	select {
	case rt.submitSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-rt.submitSem }()

	if idempotencyKey != "" {
		// Hold the key until the command is enqueued and remembered, so
		// concurrent submissions with the same key agree on one command.
		unlock := rt.dedupe.LockKey(idempotencyKey)
		defer unlock()

		if commandID, ok := rt.dedupe.Lookup(idempotencyKey); ok {
			rec, err := rt.store.GetCommand(ctx, commandID)
			if err != nil {
				return nil, fmt.Errorf("loading deduplicated command: %w", err)
			}
			return &SubmitResult{
				Command:   rec,
				Duplicate: true,
				Offline:   !rt.sessionActive(tenantID),
			}, nil
		}
	}

	cmd, err := rt.queue.Enqueue(ctx, tenantID, field, value, origin)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		rt.dedupe.Remember(idempotencyKey, cmd.ID)
	}
	rt.metrics.CommandsSubmitted.Inc()
	rt.publishCommandState(tenantID, cmd.ID, cmd.Sequence, store.CommandStatePending, "")

	offline := !rt.sessionActive(tenantID)
	if !offline {
		rt.tryDispatch(tenantID)
	}

	rec, err := rt.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		return nil, fmt.Errorf("loading submitted command: %w", err)
	}
	return &SubmitResult{Command: rec, Offline: offline}, nil
}

// sessionActive reports whether the tenant has a live session.
func (rt *Router) sessionActive(tenantID string) bool {
	sess := rt.registry.Lookup(tenantID)
	return sess != nil && sess.State() == session.StateActive
}

// tryDispatch pushes the tenant's next pending command to its live session.
// No-op when the tenant is offline, the queue is empty, or a command is
// already in flight. Every event that could unblock dispatch calls this:
// submission, ack, nack, expiry, and session admission.
func (rt *Router) tryDispatch(tenantID string) {
	sess := rt.registry.Lookup(tenantID)
	if sess == nil || sess.State() != session.StateActive {
		return
	}
	link, ok := sess.Conn.(agentLink)
	if !ok {
		return
	}

	ctx := context.Background()
	cmd, err := rt.queue.DispatchNext(ctx, tenantID)
	if err != nil {
		rt.logger.Error("dispatch failed", "tenant_id", tenantID, "error", err)
		return
	}
	if cmd == nil {
		return
	}

	err = link.Send(wire.TypeCommand, wire.Command{
		Sequence: cmd.Sequence,
		Field:    cmd.Field,
		Value:    cmd.Value,
	})
	if err != nil {
		// The connection is going away; the disconnect path requeues the
		// in-flight command once the session is evicted.
		rt.logger.Warn("command send failed",
			"tenant_id", tenantID,
			"sequence", cmd.Sequence,
			"error", err,
		)
		return
	}

	rt.publishCommandState(tenantID, cmd.ID, cmd.Sequence, store.CommandStateDispatched, "")
	rt.armAckTimer(tenantID, cmd.Sequence)
}

// armAckTimer starts the ack deadline for a dispatched command. A deadline
// already armed for the same or a newer sequence stays untouched: an agent
// can ack a dispatch and have the next command dispatched before the first
// dispatch's arm call runs, and that later deadline must survive.
func (rt *Router) armAckTimer(tenantID string, sequence int64) {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()

	if t, ok := rt.ackTimers[tenantID]; ok {
		if t.sequence >= sequence {
			return
		}
		t.timer.Stop()
	}
	rt.ackTimers[tenantID] = &ackTimer{
		sequence: sequence,
		timer: time.AfterFunc(rt.ackTimeout, func() {
			rt.expireCommand(tenantID, sequence)
		}),
	}
}

// disarmAckTimer stops the tenant's ack deadline if it is armed for exactly
// this sequence. A duplicate or stale ack must not disturb the deadline of
// a later dispatch.
func (rt *Router) disarmAckTimer(tenantID string, sequence int64) {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()

	if t, ok := rt.ackTimers[tenantID]; ok && t.sequence == sequence {
		t.timer.Stop()
		delete(rt.ackTimers, tenantID)
	}
}

// clearAckTimer drops whatever ack deadline is armed for the tenant.
func (rt *Router) clearAckTimer(tenantID string) {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()

	if t, ok := rt.ackTimers[tenantID]; ok {
		t.timer.Stop()
		delete(rt.ackTimers, tenantID)
	}
}

// expireCommand transitions the in-flight command to EXPIRED after its ack
// deadline passed. The sequence guard makes a late-firing timer harmless:
// if the in-flight command has moved on, the queue rejects the expiry.
func (rt *Router) expireCommand(tenantID string, sequence int64) {
	rt.disarmAckTimer(tenantID, sequence)
	ctx := context.Background()

	cmd, err := rt.queue.Expire(ctx, tenantID, sequence)
	if err != nil {
		if errors.Is(err, queue.ErrNothingInFlight) || errors.Is(err, queue.ErrSequenceMismatch) {
			return
		}
		rt.logger.Error("expiry failed", "tenant_id", tenantID, "sequence", sequence, "error", err)
		return
	}

	rt.metrics.RecordCommandFinished(string(store.CommandStateExpired))
	rt.publishCommandState(tenantID, cmd.ID, cmd.Sequence, store.CommandStateExpired, cmd.Reason)
	rt.tryDispatch(tenantID)
}

// OnSessionAdmitted runs after an agent session becomes active: announce the
// tenant online and drain any commands queued while it was away.
func (rt *Router) OnSessionAdmitted(tenantID string) {
	rt.notify.Publish(&notify.Event{
		Type:     notify.EventSessionOnline,
		TenantID: tenantID,
		At:       time.Now().UTC(),
	})
	rt.tryDispatch(tenantID)
}

// HandleAgentGone runs after a tenant's session was evicted, whether by
// disconnect, heartbeat timeout, or replacement. The in-flight command, if
// any, is failed and requeued at the head: a network-loss retry of an
// already-issued edit, not a new submission.
func (rt *Router) HandleAgentGone(tenantID string) {
	rt.clearAckTimer(tenantID)

	ctx := context.Background()
	cmd, err := rt.queue.Requeue(ctx, tenantID, "agent unreachable")
	if err != nil {
		rt.logger.Error("requeue failed", "tenant_id", tenantID, "error", err)
	} else if cmd != nil {
		rt.publishCommandState(tenantID, cmd.ID, cmd.Sequence, store.CommandStatePending, "agent unreachable")
	}

	rt.notify.Publish(&notify.Event{
		Type:     notify.EventSessionOffline,
		TenantID: tenantID,
		At:       time.Now().UTC(),
	})
}

// OnAgentSnapshot applies a snapshot pushed by an agent session. Snapshots
// from a session that is no longer current are dropped. An out-of-order
// version gets a resync request back; the stale cache entry stays readable
// until the full snapshot arrives.
func (rt *Router) OnAgentSnapshot(sess *session.Session, snap wire.Snapshot) error {
	if !rt.registry.IsCurrent(sess) {
		rt.logger.Debug("snapshot from stale session dropped", "tenant_id", sess.TenantID)
		return nil
	}

	ctx := context.Background()
	err := rt.state.Put(ctx, &store.Snapshot{
		TenantID:   sess.TenantID,
		Version:    snap.Version,
		Fields:     snap.Fields,
		CapturedAt: snap.CapturedAt,
		StoredAt:   time.Now().UTC(),
	})
	if errors.Is(err, state.ErrOutOfOrderSnapshot) {
		rt.metrics.RecordSnapshot("rejected")
		rt.requestResync(sess)
		return nil
	}
	if err != nil {
		return err
	}

	rt.metrics.RecordSnapshot("accepted")
	rt.notify.Publish(&notify.Event{
		Type:            notify.EventSnapshotUpdated,
		TenantID:        sess.TenantID,
		At:              time.Now().UTC(),
		SnapshotVersion: snap.Version,
	})
	return nil
}

// requestResync demands a full snapshot from the agent and marks the cache
// to accept the next snapshot at any version.
func (rt *Router) requestResync(sess *session.Session) {
	rt.state.ExpectResync(sess.TenantID)
	rt.metrics.ResyncRequests.Inc()

	link, ok := sess.Conn.(agentLink)
	if !ok {
		return
	}
	if err := link.Send(wire.TypeResyncRequest, wire.ResyncRequest{}); err != nil {
		rt.logger.Warn("resync request send failed", "tenant_id", sess.TenantID, "error", err)
	}
}

// OnAgentAck applies a command acknowledgement from an agent session.
// Acks from a stale session are dropped; the command will expire or be
// requeued through the normal paths.
func (rt *Router) OnAgentAck(sess *session.Session, ack wire.CommandAck) {
	if !rt.registry.IsCurrent(sess) {
		return
	}
	rt.disarmAckTimer(sess.TenantID, ack.Sequence)

	ctx := context.Background()
	cmd, err := rt.queue.Ack(ctx, sess.TenantID, ack.Sequence)
	if err != nil {
		rt.logger.Warn("ack rejected",
			"tenant_id", sess.TenantID,
			"sequence", ack.Sequence,
			"error", err,
		)
		return
	}

	rt.metrics.RecordCommandFinished(string(store.CommandStateAcked))
	rt.publishCommandState(sess.TenantID, cmd.ID, cmd.Sequence, store.CommandStateAcked, "")
	rt.tryDispatch(sess.TenantID)
}

// OnAgentNack applies a command rejection from an agent session.
func (rt *Router) OnAgentNack(sess *session.Session, nack wire.CommandNack) {
	if !rt.registry.IsCurrent(sess) {
		return
	}
	rt.disarmAckTimer(sess.TenantID, nack.Sequence)

	ctx := context.Background()
	cmd, err := rt.queue.Fail(ctx, sess.TenantID, nack.Sequence, nack.Error)
	if err != nil {
		rt.logger.Warn("nack rejected",
			"tenant_id", sess.TenantID,
			"sequence", nack.Sequence,
			"error", err,
		)
		return
	}

	rt.metrics.RecordCommandFinished(string(store.CommandStateFailed))
	rt.publishCommandState(sess.TenantID, cmd.ID, cmd.Sequence, store.CommandStateFailed, cmd.Reason)
	rt.tryDispatch(sess.TenantID)
}

// publishCommandState fans a command state change out to subscribers.
func (rt *Router) publishCommandState(tenantID, commandID string, sequence int64, st store.CommandState, reason string) {
	rt.notify.Publish(&notify.Event{
		Type:      notify.EventCommandStateChanged,
		TenantID:  tenantID,
		At:        time.Now().UTC(),
		CommandID: commandID,
		Sequence:  sequence,
		State:     string(st),
		Reason:    reason,
	})
}
