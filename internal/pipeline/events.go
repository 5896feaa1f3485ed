package pipeline

import (
	"sync"
	"time"
)

// EventType defines the type of pipeline event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStageStarted  EventType = "stage_started"
	EventStageFinished EventType = "stage_finished"
	EventRunFinished   EventType = "run_finished"
)

// Event describes one pipeline state change. Events feed the serve mode
// websocket stream and the metrics observer.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id"`
	Profile    string    `json:"profile,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Time       time.Time `json:"time"`
}

// Bus fans pipeline events out to subscribers. Publishing never blocks; a
// subscriber that stops draining its channel misses events rather than
// stalling the run.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber channel with the given buffer size.
func (b *Bus) Subscribe(buffer int) chan Event {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow, skip.
		}
	}
}
