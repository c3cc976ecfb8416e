// Package events fans out action execution transitions to in-process subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/domain"
)

// Type names an event.
type Type string

const (
	// ExecutionTransition is published after every committed state change.
	ExecutionTransition Type = "execution.transition"
	// ReasoningCompleted is published when a response has been persisted.
	ReasoningCompleted Type = "reasoning.completed"
)

// Event is one notification.
type Event struct {
	Type        Type                  `json:"type"`
	TenantID    string                `json:"tenant_id"`
	ExecutionID *uuid.UUID            `json:"execution_id,omitempty"`
	ResponseID  *uuid.UUID            `json:"response_id,omitempty"`
	ActionType  string                `json:"action_type,omitempty"`
	From        domain.ExecutionState `json:"from,omitempty"`
	To          domain.ExecutionState `json:"to,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

type subscriber struct {
	tenantID string
	ch       chan Event
}

// Bus is a non-blocking publish/subscribe hub. A subscriber whose buffer is
// full misses events rather than slowing the publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*subscriber]struct{}
	bufferSize int
	dropped    func(Event)
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subs:       make(map[*subscriber]struct{}),
		bufferSize: bufferSize,
	}
}

// OnDrop registers a callback invoked for every event a subscriber missed.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = fn
}

// Subscribe returns a channel receiving the events of one tenant and an
// unsubscribe function that closes it.
func (b *Bus) Subscribe(tenantID string) (<-chan Event, func()) {
	sub := &subscriber{tenantID: tenantID, ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber of its tenant.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.tenantID != e.TenantID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			if b.dropped != nil {
				b.dropped(e)
			}
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Publisher receives events. Implemented by Bus.
type Publisher interface {
	Publish(e Event)
}

type fanout []Publisher

func (f fanout) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, p := range f {
		p.Publish(e)
	}
}

// Fanout returns a Publisher that delivers every event to each of pubs in order.
// Nil publishers are skipped.
func Fanout(pubs ...Publisher) Publisher {
	out := make(fanout, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
