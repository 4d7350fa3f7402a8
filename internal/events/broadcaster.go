// Package events fans lifecycle events out to connected listeners,
// preserving per-run ordering and enforcing post-abort suppression.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// subscriptionBuffer is the per-listener channel depth. A listener
// that falls this far behind starts losing events rather than
// blocking publishers.
const subscriptionBuffer = 256

type runState int

const (
	runActive runState = iota
	runAborting
	runDone
)

// Subscription is one listener's handle on the event stream. Events
// arrive on C in publish order per run ID.
type Subscription struct {
	C  <-chan models.ChatEvent
	id string
	ch chan models.ChatEvent
}

// Broadcaster delivers chat events to all current subscribers.
// Publishing for one run never blocks on another: delivery is a
// non-blocking send into each subscriber's buffer.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]*Subscription
	states  map[string]runState
	dropped uint64

	onDrop func(runID string)
}

// NewBroadcaster creates an empty broadcaster. If logger is nil,
// slog.Default() is used.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger,
		subs:   map[string]*Subscription{},
		states: map[string]runState{},
	}
}

// SetDropHandler registers a callback invoked when an event is dropped
// because a subscriber's buffer is full.
func (b *Broadcaster) SetDropHandler(handler func(runID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = handler
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan models.ChatEvent, subscriptionBuffer)
	sub := &Subscription{C: ch, id: uuid.NewString(), ch: ch}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// SubscriberCount returns the number of active listeners.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// MarkAborted flags a run so that any further delta or final events
// for it are dropped. The single aborted event itself still passes.
func (b *Broadcaster) MarkAborted(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.states[runID] != runDone {
		b.states[runID] = runAborting
	}
}

// Publish delivers an event to all current subscribers. Returns false
// if the event was suppressed by the run's state.
//
// Suppression rules: after a final event the run is done and nothing
// more is delivered; after MarkAborted only the single aborted event
// passes, after which the run is done.
func (b *Broadcaster) Publish(runID, sessionKey string, state models.EventState, data map[string]any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.states[runID]
	switch current {
	case runDone:
		return false
	case runAborting:
		if state != models.EventAborted {
			return false
		}
		b.states[runID] = runDone
	default:
		switch state {
		case models.EventFinal, models.EventAborted:
			b.states[runID] = runDone
		}
	}

	evt := models.ChatEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		State:      state,
		Data:       data,
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
			if b.onDrop != nil {
				b.onDrop(runID)
			}
			b.logger.Debug("subscriber buffer full, dropping event",
				"run_id", runID, "state", state)
		}
	}
	return true
}

// Forget releases the retained state for a run. Invoked when the run
// registry prunes the run's record; suppression guarantees end with
// the record's lifetime.
func (b *Broadcaster) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, runID)
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
