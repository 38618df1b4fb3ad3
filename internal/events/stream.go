// Package events fan-outs ticket lifecycle events to active subscribers
// (the SSE endpoint and anything else that wants live progress).
package events

import (
	"context"
	"sync"
	"time"
)

// TicketEvent describes one observable change on a ticket.
type TicketEvent struct {
	TicketID  string    `json:"ticket_id"`
	TenantID  string    `json:"tenant_id"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs ticket events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan TicketEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan TicketEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan TicketEvent {
	ch := make(chan TicketEvent, 16)

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
func (s *Stream) Publish(evt TicketEvent) {
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
