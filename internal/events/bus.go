package events

import (
	"log/slog"
	"sync"
)

// Publisher is the write side of the event channel.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to in-process subscribers. Publish never blocks a timer
// body: a subscriber that falls behind loses events, and the drop is logged.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []chan Event
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a buffered subscriber channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped, subscriber too slow",
				"kind", ev.Kind(), "event_id", ev.EventID())
		}
	}
}

// Close closes all subscriber channels. Publish must not be called after.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// NopPublisher discards events; useful where a component is run standalone.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
