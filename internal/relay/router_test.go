// ABOUTME: Tests for the relay router's dispatch and response handling
// ABOUTME: Covers offline queuing, ordering, acks, resync, and requeue on loss

package relay

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster/qm-relay/internal/dedupe"
	"github.com/quartermaster/qm-relay/internal/metrics"
	"github.com/quartermaster/qm-relay/internal/notify"
	"github.com/quartermaster/qm-relay/internal/queue"
	"github.com/quartermaster/qm-relay/internal/session"
	"github.com/quartermaster/qm-relay/internal/state"
	"github.com/quartermaster/qm-relay/internal/store"
	"github.com/quartermaster/qm-relay/internal/wire"
)

// fakeLink is an in-memory agent transport recording sent frames.
type fakeLink struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	msgType string
	payload any
}

func (l *fakeLink) Send(msgType string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentFrame{msgType, payload})
	return nil
}

func (l *fakeLink) NotifyClose(string) error { return nil }
func (l *fakeLink) Close() error             { return nil }

func (l *fakeLink) frames(msgType string) []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []sentFrame
	for _, f := range l.sent {
		if f.msgType == msgType {
			out = append(out, f)
		}
	}
	return out
}

type routerFixture struct {
	router   *Router
	registry *session.Registry
	queue    *queue.Queue
	state    *state.Cache
	store    store.Store
	notify   *notify.Broadcaster
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateTenant(t.Context(), &store.Tenant{
		ID:        "t1",
		Name:      "Survival Main",
		KeyID:     "kid-t1",
		KeyHash:   "$2a$12$fakehashfortesting",
		Status:    store.TenantStatusActive,
		CreatedAt: time.Now().UTC(),
	}))

	registry := session.NewRegistry(logger)
	q := queue.New(st, logger)
	cache := state.NewCache(st, logger)
	dd := dedupe.New(time.Minute, 100)
	t.Cleanup(dd.Close)
	broadcaster := notify.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)

	rt := NewRouter(RouterDeps{
		Registry:    registry,
		State:       cache,
		Queue:       q,
		Store:       st,
		Dedupe:      dd,
		Broadcaster: broadcaster,
		Metrics:     metrics.New(prometheus.NewRegistry()),
		Logger:      logger,
		AckTimeout:  time.Minute,
		Workers:     4,
	})

	return &routerFixture{
		router:   rt,
		registry: registry,
		queue:    q,
		state:    cache,
		store:    st,
		notify:   broadcaster,
	}
}

func (f *routerFixture) connect() (*session.Session, *fakeLink) {
	link := &fakeLink{}
	sess, _ := f.registry.Admit("t1", link, wire.ProtocolVersion)
	f.router.OnSessionAdmitted("t1")
	return sess, link
}

func submit(t *testing.T, f *routerFixture, idemKey string) *SubmitResult {
	t.Helper()
	result, err := f.router.SubmitCommand(t.Context(), "t1", "server_name",
		json.RawMessage(`"Renamed"`), "ops@example.com", idemKey)
	require.NoError(t, err)
	return result
}

func TestSubmit_OfflineTenantQueues(t *testing.T) {
	f := newRouterFixture(t)

	result := submit(t, f, "")

	assert.True(t, result.Offline)
	assert.Equal(t, store.CommandStatePending, result.Command.State)
	assert.Equal(t, 1, f.queue.PendingCount("t1"))
}

func TestSubmit_OnlineTenantDispatchesImmediately(t *testing.T) {
	f := newRouterFixture(t)
	_, link := f.connect()

	result := submit(t, f, "")

	assert.False(t, result.Offline)
	frames := link.frames(wire.TypeCommand)
	require.Len(t, frames, 1)
	cmd := frames[0].payload.(wire.Command)
	assert.Equal(t, int64(1), cmd.Sequence)
	assert.Equal(t, "server_name", cmd.Field)
}

func TestSubmit_UnknownFieldRejected(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.SubmitCommand(t.Context(), "t1", "motd",
		json.RawMessage(`"hi"`), "ops@example.com", "")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestSubmit_InvalidValueRejected(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.SubmitCommand(t.Context(), "t1", "server_name",
		json.RawMessage(`{not json`), "ops@example.com", "")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestSubmit_UnknownTenantRejected(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.SubmitCommand(t.Context(), "ghost", "server_name",
		json.RawMessage(`"x"`), "ops@example.com", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_RevokedTenantRejected(t *testing.T) {
	f := newRouterFixture(t)
	require.NoError(t, f.store.RevokeTenant(t.Context(), "t1", time.Now().UTC()))

	_, err := f.router.SubmitCommand(t.Context(), "t1", "server_name",
		json.RawMessage(`"x"`), "ops@example.com", "")
	assert.ErrorIs(t, err, ErrTenantRevoked)
}

func TestSubmit_IdempotencyKeyReturnsOriginal(t *testing.T) {
	f := newRouterFixture(t)

	first := submit(t, f, "retry-key")
	second := submit(t, f, "retry-key")

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Command.ID, second.Command.ID)
	assert.Equal(t, 1, f.queue.PendingCount("t1"), "no duplicate edit enqueued")
}

func TestSubmit_ConcurrentSameKeyEnqueuesOnce(t *testing.T) {
	f := newRouterFixture(t)

	const callers = 4
	results := make([]*SubmitResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.router.SubmitCommand(t.Context(), "t1", "server_name",
				json.RawMessage(`"Renamed"`), "ops@example.com", "same-key")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, 1, f.queue.PendingCount("t1"), "one command for one idempotency key")

	duplicates := 0
	for _, r := range results {
		assert.Equal(t, results[0].Command.ID, r.Command.ID, "all callers get the same command")
		if r.Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, callers-1, duplicates, "exactly one caller enqueued")
}

func TestAck_FinishesAndDispatchesNext(t *testing.T) {
	f := newRouterFixture(t)
	sess, link := f.connect()

	first := submit(t, f, "")
	second := submit(t, f, "")

	// Only the first command is on the wire
	require.Len(t, link.frames(wire.TypeCommand), 1)

	f.router.OnAgentAck(sess, wire.CommandAck{Sequence: first.Command.Sequence})

	rec, err := f.store.GetCommand(t.Context(), first.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandStateAcked, rec.State)

	// The ack unblocked the next command
	frames := link.frames(wire.TypeCommand)
	require.Len(t, frames, 2)
	assert.Equal(t, second.Command.Sequence, frames[1].payload.(wire.Command).Sequence)
}

func TestNack_RecordsFailureReason(t *testing.T) {
	f := newRouterFixture(t)
	sess, _ := f.connect()

	result := submit(t, f, "")
	f.router.OnAgentNack(sess, wire.CommandNack{
		Sequence: result.Command.Sequence,
		Error:    "mod not installed",
	})

	rec, err := f.store.GetCommand(t.Context(), result.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandStateFailed, rec.State)
	assert.Equal(t, "mod not installed", rec.Reason)
}

func TestAck_FromStaleSessionDropped(t *testing.T) {
	f := newRouterFixture(t)
	oldSess, _ := f.connect()

	result := submit(t, f, "")

	// A newer connection replaces the old one; requeue follows eviction
	newLink := &fakeLink{}
	f.registry.Admit("t1", newLink, wire.ProtocolVersion)
	f.router.HandleAgentGone("t1")
	f.router.OnSessionAdmitted("t1")

	// The evicted session's ack must not finish the requeued command
	f.router.OnAgentAck(oldSess, wire.CommandAck{Sequence: result.Command.Sequence})

	rec, err := f.store.GetCommand(t.Context(), result.Command.ID)
	require.NoError(t, err)
	assert.NotEqual(t, store.CommandStateAcked, rec.State)
}

func TestHandleAgentGone_RequeuesInFlight(t *testing.T) {
	f := newRouterFixture(t)
	sess, _ := f.connect()

	result := submit(t, f, "")
	require.True(t, f.registry.Evict(sess))
	f.router.HandleAgentGone("t1")

	assert.Equal(t, 1, f.queue.PendingCount("t1"))
	assert.Nil(t, f.queue.InFlight("t1"))

	// A reconnecting agent receives the same command again
	_, link := f.connect()
	frames := link.frames(wire.TypeCommand)
	require.Len(t, frames, 1)
	assert.Equal(t, result.Command.Sequence, frames[0].payload.(wire.Command).Sequence)
}

func TestHandleAgentGone_NoInFlightIsHarmless(t *testing.T) {
	f := newRouterFixture(t)
	f.router.HandleAgentGone("t1")
	f.router.HandleAgentGone("t1")
}

func TestSnapshot_AcceptedAndReadable(t *testing.T) {
	f := newRouterFixture(t)
	sess, _ := f.connect()

	err := f.router.OnAgentSnapshot(sess, wire.Snapshot{
		Version:    1,
		Fields:     map[string]json.RawMessage{"server_name": json.RawMessage(`"Vanilla+"`)},
		CapturedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	snap, err := f.state.Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestSnapshot_OutOfOrderTriggersResync(t *testing.T) {
	f := newRouterFixture(t)
	sess, link := f.connect()

	require.NoError(t, f.router.OnAgentSnapshot(sess, wire.Snapshot{
		Version: 1, Fields: map[string]json.RawMessage{}, CapturedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.router.OnAgentSnapshot(sess, wire.Snapshot{
		Version: 5, Fields: map[string]json.RawMessage{}, CapturedAt: time.Now().UTC(),
	}))

	// The gap produced a resync request, not an error
	assert.Len(t, link.frames(wire.TypeResyncRequest), 1)

	// The stale snapshot stays readable until the resync lands
	snap, err := f.state.Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	// The resync snapshot becomes the new baseline at any version
	require.NoError(t, f.router.OnAgentSnapshot(sess, wire.Snapshot{
		Version: 42, Fields: map[string]json.RawMessage{}, CapturedAt: time.Now().UTC(),
	}))
	snap, err = f.state.Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Version)
}

func TestSnapshot_FromStaleSessionDropped(t *testing.T) {
	f := newRouterFixture(t)
	oldSess, _ := f.connect()
	f.connect() // replaces oldSess

	require.NoError(t, f.router.OnAgentSnapshot(oldSess, wire.Snapshot{
		Version: 1, Fields: map[string]json.RawMessage{}, CapturedAt: time.Now().UTC(),
	}))

	_, err := f.state.Get(t.Context(), "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiry_TimerExpiresUnackedCommand(t *testing.T) {
	f := newRouterFixture(t)
	f.router.ackTimeout = 20 * time.Millisecond
	f.connect()

	result := submit(t, f, "")

	require.Eventually(t, func() bool {
		rec, err := f.store.GetCommand(t.Context(), result.Command.ID)
		return err == nil && rec.State == store.CommandStateExpired
	}, time.Second, 10*time.Millisecond)

	// Expired commands are never retried automatically
	assert.Equal(t, 0, f.queue.PendingCount("t1"))
	assert.Nil(t, f.queue.InFlight("t1"))
}

// instantAckLink acks the first dispatched command from another goroutine
// before Send returns, mimicking an agent that responds faster than the
// dispatcher finishes its bookkeeping.
type instantAckLink struct {
	fakeLink
	router *Router
	sess   *session.Session
	once   sync.Once
}

func (l *instantAckLink) Send(msgType string, payload any) error {
	if err := l.fakeLink.Send(msgType, payload); err != nil {
		return err
	}
	if msgType == wire.TypeCommand && payload.(wire.Command).Sequence == 1 {
		l.once.Do(func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				l.router.OnAgentAck(l.sess, wire.CommandAck{Sequence: 1})
			}()
			<-done
		})
	}
	return nil
}

func TestExpiry_InstantAckStillExpiresNextCommand(t *testing.T) {
	f := newRouterFixture(t)
	f.router.ackTimeout = 50 * time.Millisecond

	first := submit(t, f, "")
	second := submit(t, f, "")

	link := &instantAckLink{router: f.router}
	sess, _ := f.registry.Admit("t1", link, wire.ProtocolVersion)
	link.sess = sess
	f.router.OnSessionAdmitted("t1")

	// The instant ack finished the first command and dispatched the second
	rec, err := f.store.GetCommand(t.Context(), first.Command.ID)
	require.NoError(t, err)
	require.Equal(t, store.CommandStateAcked, rec.State)

	// The second command's deadline must survive the first dispatch's late
	// timer arm; without it the command would hang DISPATCHED forever.
	require.Eventually(t, func() bool {
		rec, err := f.store.GetCommand(t.Context(), second.Command.ID)
		return err == nil && rec.State == store.CommandStateExpired
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribers_SeeCommandLifecycle(t *testing.T) {
	f := newRouterFixture(t)

	events, _ := f.notify.Subscribe(t.Context(), "t1")
	sess, _ := f.connect()
	result := submit(t, f, "")
	f.router.OnAgentAck(sess, wire.CommandAck{Sequence: result.Command.Sequence})

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case e := <-events:
			if e.Type == notify.EventCommandStateChanged {
				seen[e.State] = true
			}
		case <-deadline:
			t.Fatalf("timed out, saw states %v", seen)
		}
	}
	assert.True(t, seen[string(store.CommandStatePending)])
	assert.True(t, seen[string(store.CommandStateDispatched)])
	assert.True(t, seen[string(store.CommandStateAcked)])
}
