// ABOUTME: In-memory fan-out of agent/task/session status-change notifications.
// ABOUTME: Observers subscribe for all changes; slow subscribers drop rather than block.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Entity kinds carried in StatusChange notifications.
const (
	EntityAgent   = "agent"
	EntityTask    = "task"
	EntitySession = "session"
)

// StatusChange describes a single state transition of an agent, task, or
// session, as surfaced to dashboards and logs.
type StatusChange struct {
	EntityKind string
	EntityID   string
	OldState   string
	NewState   string
	Timestamp  time.Time
}

// Notifier provides in-memory pub/sub for StatusChange notifications.
// Publishing never blocks: subscribers whose channels are full miss the
// notification and are expected to re-query current state.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan StatusChange
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. Pass nil logger for the default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]chan StatusChange),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for all status changes. Returns the
// receiving channel and a subscription ID for Unsubscribe. The subscription
// is cleaned up automatically when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan StatusChange, string) {
	subID := uuid.New().String()
	ch := make(chan StatusChange, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers a status change to every subscriber. Non-blocking:
// the change is dropped for subscribers whose channels are full.
func (n *Notifier) Publish(change StatusChange) {
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	// Sends are non-blocking, so holding the read lock through the loop is
	// fine and keeps Unsubscribe/Close from closing a channel mid-send.
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers {
		select {
		case ch <- change:
		default:
			n.logger.Debug("dropped status change for slow subscriber",
				"entity_kind", change.EntityKind,
				"entity_id", change.EntityID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subscribers[subID]
	if !ok {
		return
	}

	delete(n.subscribers, subID)
	close(ch)

	n.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for subID, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, subID)
	}

	n.logger.Debug("notifier closed")
}
