package arb

import (
	"sync"
	"testing"
	"time"
)

func TestEventBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	var got []EventKind

	unsub := bus.Subscribe(EventLeg1Executed, 4, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	}, nil)
	defer unsub()

	bus.Publish(Event{Kind: EventLeg1Executed})
	bus.Publish(Event{Kind: EventLeg2Executed})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventLeg1Executed {
		t.Fatalf("expected exactly one leg1_executed delivery, got %v", got)
	}
}

func TestEventBusPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewEventBus()
	block := make(chan struct{})
	unsub := bus.Subscribe(EventLog, 1, func(ev Event) {
		<-block
	}, nil)
	defer func() {
		close(block)
		unsub()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: EventLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber buffer")
	}
}

func TestEventBusDropCallback(t *testing.T) {
	bus := NewEventBus()
	dropped := make(chan Event, 8)
	block := make(chan struct{})
	unsub := bus.Subscribe(EventLog, 1, func(ev Event) {
		<-block
	}, func(ev Event) {
		dropped <- ev
	})
	defer func() {
		close(block)
		unsub()
	}()

	bus.Publish(Event{Kind: EventLog, Message: "1"})
	bus.Publish(Event{Kind: EventLog, Message: "2"})
	bus.Publish(Event{Kind: EventLog, Message: "3"})

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatalf("expected at least one dropped event")
	}
}
