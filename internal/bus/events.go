// ABOUTME: Lifecycle event emitter for the A2A bus
// ABOUTME: Callback subscriptions for send/ack/remove/confirmation/registration events

package bus

import (
	"sync"
	"time"
)

// EventKind names a bus lifecycle event.
type EventKind string

const (
	EventMessageSent         EventKind = "messageSent"
	EventMessageAcknowledged EventKind = "messageAcknowledged"
	EventMessageRemoved      EventKind = "messageRemoved"
	EventDeliveryConfirmed   EventKind = "deliveryConfirmed"
	EventDeliveryTimeout     EventKind = "deliveryTimeout"
	EventAgentRegistered     EventKind = "agentRegistered"
	EventAgentUnregistered   EventKind = "agentUnregistered"
)

// Event carries the details of one bus lifecycle event. MessageID/From/To are
// set for message events, AgentID for registration events.
type Event struct {
	Kind      EventKind
	MessageID string
	From      string
	To        string
	AgentID   string
	Timestamp time.Time
}

// emitter fans events out to registered callbacks. Callbacks run
// synchronously on the emitting goroutine and must not block.
type emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[int]func(Event))}
}

// subscribe registers a callback and returns a function that removes it.
func (e *emitter) subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *emitter) emit(evt Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func (e *emitter) reset() {
	e.mu.Lock()
	e.subs = make(map[int]func(Event))
	e.mu.Unlock()
}
