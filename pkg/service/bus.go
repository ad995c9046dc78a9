package service

import (
	"log/slog"
	"sync"

	"github.com/datasleuth/datasleuth/pkg/models"
)

// subscriberBuffer bounds each live subscription. A subscriber that
// falls this far behind has its events dropped; it can recover by
// re-streaming from its last delivered sequence, since the store holds
// the full log.
const subscriberBuffer = 256

// eventBus fans investigation events out to live subscribers. One topic
// per investigation; topics close when the investigation reaches a
// terminal event.
type eventBus struct {
	mu     sync.RWMutex
	topics map[string][]chan models.Event
	closed map[string]bool
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		topics: map[string][]chan models.Event{},
		closed: map[string]bool{},
		logger: logger,
	}
}

// subscribe registers a live subscription. When the topic is already
// closed the returned channel is closed immediately; the caller still
// sees everything through catch-up.
func (b *eventBus) subscribe(investigationID string) (<-chan models.Event, func()) {
	ch := make(chan models.Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed[investigationID] {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.topics[investigationID] = append(b.topics[investigationID], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[investigationID]
		for i, sub := range subs {
			if sub == ch {
				b.topics[investigationID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe
}

// publish delivers the event to every subscriber without blocking the
// investigation. Slow subscribers lose events and must catch up from
// the store.
func (b *eventBus) publish(e models.Event) {
	b.mu.RLock()
	subs := make([]chan models.Event, len(b.topics[e.InvestigationID]))
	copy(subs, b.topics[e.InvestigationID])
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"investigation_id", e.InvestigationID,
				"sequence", e.Sequence,
				"type", e.Type)
		}
	}
}

// closeTopic ends all live subscriptions for an investigation. New
// subscribers get an already-closed channel and rely on catch-up.
func (b *eventBus) closeTopic(investigationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed[investigationID] {
		return
	}
	b.closed[investigationID] = true
	for _, ch := range b.topics[investigationID] {
		close(ch)
	}
	delete(b.topics, investigationID)
}
