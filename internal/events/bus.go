// Package events delivers agent status events to collaborators responsible
// for fan-out to live clients. The core publishes and forgets; delivery is
// best effort and transport-agnostic.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/flotilla/pkg/models"
)

// Sink receives status events from the lifecycle manager.
type Sink interface {
	Publish(event models.StatusEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(models.StatusEvent) {}

// Bus is an in-process Sink with subscriber fan-out. Each subscriber has a
// bounded queue; when a subscriber falls behind, the oldest event is dropped
// rather than blocking the publisher.
type Bus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan models.StatusEvent
	nextID      int
	bufferSize  int
	closed      bool

	dropped uint64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger.With("component", "events"),
		subscribers: make(map[int]chan models.StatusEvent),
		bufferSize:  bufferSize,
	}
}

// Publish delivers the event to every subscriber. Fills in ID and timestamp
// when the caller left them empty.
func (b *Bus) Publish(event models.StatusEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop the oldest queued event to make room.
			select {
			case <-ch:
				b.dropped++
			default:
			}
			select {
			case ch <- event:
			default:
				b.dropped++
			}
		}
	}
	b.logger.Debug("event published",
		"type", event.Type,
		"agent_id", event.AgentID,
		"status", event.Status)
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed on cancel or bus close.
func (b *Bus) Subscribe() (<-chan models.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.StatusEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
