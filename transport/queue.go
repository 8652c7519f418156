package transport

import (
	"sync"

	"rpc-relay/protocol"
)

// EventHandler receives transport events. Calls never overlap for one transport.
type EventHandler interface {
	HandleEvent(ev protocol.Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev protocol.Event)

func (f EventHandlerFunc) HandleEvent(ev protocol.Event) { f(ev) }

// eventQueue serializes event delivery without ever blocking the producer.
//
//	readLoop / dial / Close ──push──→ [ev1 ev2 ev3] ──drain (one goroutine)──→ handler
//
// The drain goroutine only runs while there is something to deliver, so an idle
// or closed transport holds no goroutine.
type eventQueue struct {
	mu      sync.Mutex
	items   []queued
	running bool
	handler EventHandler
	idle    chan struct{} // closed and replaced each time the queue empties
}

func newEventQueue(h EventHandler) *eventQueue {
	idle := make(chan struct{})
	close(idle)
	return &eventQueue{handler: h, idle: idle}
}

// queued is either an event for the handler or a callback run in its place.
type queued struct {
	ev protocol.Event
	fn func()
}

func (q *eventQueue) push(ev protocol.Event) {
	q.enqueue(queued{ev: ev})
}

// pushFunc runs fn on the delivery goroutine after everything pushed before it.
func (q *eventQueue) pushFunc(fn func()) {
	q.enqueue(queued{fn: fn})
}

func (q *eventQueue) enqueue(item queued) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.idle = make(chan struct{})
	q.mu.Unlock()
	go q.drain()
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = queued{}
		q.items = q.items[1:]
		q.mu.Unlock()

		switch {
		case item.fn != nil:
			item.fn()
		case q.handler != nil:
			q.handler.HandleEvent(item.ev)
		}
	}
}

// wait returns a channel closed once everything pushed so far has been delivered.
func (q *eventQueue) wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}
