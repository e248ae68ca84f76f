// Package stream fan-outs record lifecycle events (deletes, restores,
// ownership transfers) to active subscribers such as SSE clients.
package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind names the lifecycle transition an event describes.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventDeleted     EventKind = "deleted"
	EventRestored    EventKind = "restored"
	EventTransferred EventKind = "transferred"
)

// Event describes one record lifecycle transition.
type Event struct {
	Kind      EventKind `json:"kind"`
	Resource  string    `json:"resource"`
	RecordID  string    `json:"record_id"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the current subscriber count. Used by the readiness
// endpoint's debug payload and by tests.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
