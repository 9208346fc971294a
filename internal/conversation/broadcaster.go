// ABOUTME: In-memory fan-out event broadcaster for cross-tab awareness
// ABOUTME: Publishes session lifecycle Events to every subscriber of an owner

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	// EventSession carries the launcher state after a lifecycle change.
	EventSession EventKind = "session"
	// EventRecords signals that the owner's conversation list changed.
	EventRecords EventKind = "records"
	// EventCommand carries an instruction for the browser shell
	// (open a window, open a tab).
	EventCommand EventKind = "command"
)

// Event is one message fanned out to an owner's connected tabs.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	OwnerID   string    `json:"owner_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a payload with an ID and the current time.
func NewEvent(kind EventKind, ownerID string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		OwnerID:   ownerID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// EventBroadcaster provides in-memory pub/sub for session Events.
// Subscribers register for an owner id and receive every event published for
// that owner, so all of a user's tabs follow the session without polling.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // ownerID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events of the given owner.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, ownerID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[ownerID]; !ok {
		b.subscribers[ownerID] = make(map[string]chan *Event)
	}
	b.subscribers[ownerID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"owner_id", ownerID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(ownerID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given owner and returns
// how many received it. If excludeSubID is non-empty, that subscriber is
// skipped. Sends never block: a subscriber whose buffer is full misses the
// event. The read lock is held across the sends so Unsubscribe cannot close a
// channel mid-send.
func (b *EventBroadcaster) Publish(ownerID string, event *Event, excludeSubID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, ch := range b.subscribers[ownerID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
			delivered++
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"owner_id", ownerID,
				"event_id", event.ID)
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for an owner.
func (b *EventBroadcaster) Subscribers(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[ownerID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(ownerID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[ownerID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty owner entries
	if len(subs) == 0 {
		delete(b.subscribers, ownerID)
	}

	b.logger.Debug("subscriber removed",
		"owner_id", ownerID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ownerID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, ownerID)
	}

	b.logger.Debug("broadcaster closed")
}
