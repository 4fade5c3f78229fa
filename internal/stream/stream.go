package stream

import (
	"context"
	"sync"
	"time"

	"escrowd.org/internal/escrow"
)

// Event is one committed escrow change as seen by live subscribers.
type Event struct {
	EscrowID  string            `json:"escrow_id"`
	Seq       uint64            `json:"seq"`
	Action    string            `json:"action"`
	FromState string            `json:"from_state,omitempty"`
	ToState   string            `json:"to_state,omitempty"`
	State     escrow.State      `json:"state"`
	Version   int64             `json:"version"`
	Actor     string            `json:"actor"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type subscriber struct {
	ch       chan Event
	escrowID string
}

// Stream fan-outs escrow events to all active subscribers (SSE clients). It
// implements escrow.Notifier.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events, limited to escrowID unless it is empty. The channel is closed when
// the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, escrowID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, escrowID: escrowID}
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

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.escrowID != "" && sub.escrowID != evt.EscrowID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// EscrowChanged publishes one event per audit entry of the change.
func (s *Stream) EscrowChanged(_ context.Context, c escrow.Change) {
	for _, e := range c.Entries {
		s.Publish(Event{
			EscrowID:  c.Escrow.ID,
			Seq:       e.Seq,
			Action:    e.Action,
			FromState: e.FromState,
			ToState:   e.ToState,
			State:     c.Escrow.State,
			Version:   c.Escrow.Version,
			Actor:     e.Actor,
			Details:   e.Details,
			Timestamp: e.Timestamp,
		})
	}
}
