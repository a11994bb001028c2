package arb

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names one of the typed events the controller emits
// (spec.md §4.8).
type EventKind string

const (
	EventLog           EventKind = "log"
	EventStateChange   EventKind = "state_change"
	EventLeg1Executed  EventKind = "leg1_executed"
	EventLeg2Executed  EventKind = "leg2_executed"
	EventCycleComplete EventKind = "cycle_complete"
	EventEmergencyExit EventKind = "emergency_exit"
	EventNewRound      EventKind = "new_round"
	EventPriceUpdate   EventKind = "price_update"
	EventError         EventKind = "error"
)

// Event is the typed payload published on the bus. Only the field group
// matching Kind is populated.
type Event struct {
	Kind EventKind
	At   time.Time

	// log / error
	Message string
	Err     error

	// state_change
	From, To CycleState

	// leg1_executed / leg2_executed
	Leg *Leg

	// cycle_complete / emergency_exit
	Result *CycleResult

	// new_round
	RoundID string
	EndTime time.Time

	// price_update
	UpBid, UpBidSize, UpAsk, UpAskSize       decimal.Decimal
	DownBid, DownBidSize, DownAsk, DownAskSize decimal.Decimal
	Sum decimal.Decimal
}

// Handler receives published events. Handlers must not block: the bus
// delivers on a per-subscriber buffered channel precisely so a slow
// subscriber cannot stall the controller's own goroutine (spec.md §4.8).
type Handler func(Event)

// EventBus is an in-process typed pub/sub with synchronous, best-effort,
// non-blocking delivery to multiple subscribers per event kind.
type EventBus struct {
	mu   sync.RWMutex
	subs map[EventKind][]*subscription
	all  []*subscription
}

type subscription struct {
	ch      chan Event
	done    chan struct{}
	dropped func(Event)
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventKind][]*subscription)}
}

// Subscribe registers handler to run in its own goroutine for every event
// of the given kind, fed through a buffered channel so Publish never
// blocks on a slow handler. Events that arrive while the subscriber's
// buffer is full are dropped and reported via onDrop (which may be nil).
func (b *EventBus) Subscribe(kind EventKind, bufSize int, handler Handler, onDrop Handler) (unsubscribe func()) {
	if bufSize <= 0 {
		bufSize = 32
	}
	sub := &subscription{
		ch:   make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	if onDrop != nil {
		sub.dropped = onDrop
	}

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		list := b.subs[kind]
		for i, s := range list {
			if s == sub {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.done)
	}
}

// SubscribeAll registers a handler that receives every event kind.
func (b *EventBus) SubscribeAll(bufSize int, handler Handler) (unsubscribe func()) {
	if bufSize <= 0 {
		bufSize = 32
	}
	sub := &subscription{ch: make(chan Event, bufSize), done: make(chan struct{})}

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.all {
			if s == sub {
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.done)
	}
}

// Publish delivers ev to every subscriber of ev.Kind and every
// SubscribeAll subscriber. Delivery never blocks the caller: a full
// subscriber buffer drops the event for that subscriber only.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	kindSubs := append([]*subscription(nil), b.subs[ev.Kind]...)
	allSubs := append([]*subscription(nil), b.all...)
	b.mu.RUnlock()

	deliver := func(sub *subscription) {
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped != nil {
				sub.dropped(ev)
			}
		}
	}
	for _, sub := range kindSubs {
		deliver(sub)
	}
	for _, sub := range allSubs {
		deliver(sub)
	}
}
