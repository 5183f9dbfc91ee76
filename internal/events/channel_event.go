package events

import (
	"sync"
)

// ChannelEvent is a small pub/sub primitive: listeners register channels and
// Notify fans a value out to all of them. Sends never block; a listener that
// cannot keep up misses events rather than stalling the publisher.
// T is the value type delivered to listeners.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan<- T
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	hasNotified           bool
}

// NewChannelEvent creates a ChannelEvent. With sendLastEventOnListen set, the
// most recent Notify value is replayed to each new listener, so late
// subscribers start from the current state instead of waiting for the next
// update.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]chan<- T),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers ch to receive values from Notify and returns a function
// that deregisters it.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	var replay *T
	if e.sendLastEventOnListen && e.hasNotified && e.lastEvent != nil {
		v := *e.lastEvent
		replay = &v
	}
	e.mu.Unlock()

	// Replay outside the lock; drop it if the channel is already full.
	if replay != nil {
		select {
		case ch <- *replay:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify sends value to every registered channel, skipping any that is full.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		v := value
		e.lastEvent = &v
		e.hasNotified = true
	}
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
