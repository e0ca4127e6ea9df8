// ABOUTME: In-memory fan-out broadcaster for dashboard-facing tenant events
// ABOUTME: Publishes snapshot and command-state changes to per-tenant subscribers

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventType identifies what changed for a tenant.
type EventType string

// Event types
const (
	EventSnapshotUpdated     EventType = "snapshot_updated"
	EventCommandStateChanged EventType = "command_state_changed"
	EventSessionOnline       EventType = "session_online"
	EventSessionOffline      EventType = "session_offline"
)

// Event is one dashboard-visible change for a tenant.
type Event struct {
	Type     EventType `json:"type"`
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"at"`

	// Snapshot events
	SnapshotVersion int64 `json:"snapshot_version,omitempty"`

	// Command events
	CommandID string `json:"command_id,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Broadcaster provides in-memory pub/sub keyed by tenant. The dashboard
// layer subscribes for live UI updates instead of polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // tenantID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "notify"),
	}
}

// Subscribe registers a subscriber for the tenant's events. Returns a
// channel that receives events and a subscription ID. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan *Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the tenant.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends stay under the read lock; Unsubscribe and Close take the write lock
// before closing a channel, so a send can never hit a closed channel.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.TenantID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", event.TenantID,
				"event_type", event.Type,
			)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("broadcaster closed")
}
