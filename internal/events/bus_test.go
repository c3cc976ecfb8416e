package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
)

func TestBus_TenantRouting(t *testing.T) {
	bus := NewBus(4)
	acme, stopAcme := bus.Subscribe("acme")
	defer stopAcme()
	other, stopOther := bus.Subscribe("globex")
	defer stopOther()

	bus.Publish(Event{Type: ExecutionTransition, TenantID: "acme", From: domain.StatePending, To: domain.StateAutoApproved})

	select {
	case e := <-acme:
		if e.To != domain.StateAutoApproved || e.Timestamp.IsZero() {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("acme subscriber did not receive the event")
	}

	select {
	case e := <-other:
		t.Fatalf("globex received acme event %+v", e)
	default:
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	var dropped atomic.Int32
	bus.OnDrop(func(Event) { dropped.Add(1) })

	_, stop := bus.Subscribe("acme")
	defer stop()

	for range 3 {
		bus.Publish(Event{Type: ExecutionTransition, TenantID: "acme"})
	}
	if dropped.Load() != 2 {
		t.Errorf("dropped = %d, want 2", dropped.Load())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(1)
	ch, stop := bus.Subscribe("acme")
	stop()
	stop() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers = %d", bus.Subscribers())
	}
	bus.Publish(Event{TenantID: "acme"})
}

type recorder struct{ got []Event }

func (r *recorder) Publish(e Event) { r.got = append(r.got, e) }

func TestFanout(t *testing.T) {
	bus := NewBus(2)
	ch, stop := bus.Subscribe("acme")
	defer stop()
	rec := &recorder{}

	pub := Fanout(bus, nil, rec)
	pub.Publish(Event{Type: ExecutionTransition, TenantID: "acme", To: domain.StateAwaitingApproval})

	if len(rec.got) != 1 || rec.got[0].Timestamp.IsZero() {
		t.Fatalf("recorder got %+v", rec.got)
	}
	select {
	case e := <-ch:
		if !e.Timestamp.Equal(rec.got[0].Timestamp) {
			t.Error("every publisher must see the same timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("bus subscriber did not receive the event")
	}
}
