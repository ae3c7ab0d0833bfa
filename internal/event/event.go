package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type names an engine event.
type Type string

const (
	PositionUpdated   Type = "position_updated"
	LockTriggered     Type = "lock_triggered"
	LockExecuted      Type = "lock_executed"
	LockFailed        Type = "lock_failed"
	RolloverCompleted Type = "rollover_completed"
	RolloverFailed    Type = "rollover_failed"
	ConflictDetected  Type = "conflict_detected"
)

// Event is published on the Bus. Data carries the entity snapshot.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Bus fans every published event out to all subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *Event
	bufferSize int
	closed     bool
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Bus{bufferSize: bufferSize}
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e *Event) {
	if b == nil || e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warn().
				Str("component", "event_bus").
				Str("event_type", string(e.Type)).
				Msg("subscriber queue full, dropping event")
		}
	}
}

// Subscribe returns a new channel receiving every event published after
// the call.
func (b *Bus) Subscribe() <-chan *Event {
	ch := make(chan *Event, b.bufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Close closes all subscriber channels. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
