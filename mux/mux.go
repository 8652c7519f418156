// Package mux shares one upstream transport among any number of attached client channels.
//
//	channel A ──OnMessage──┐                        ┌──PostMessage──→ channel A
//	channel B ──OnMessage──┼──→ Sender (transport)  │
//	channel C ──OnMessage──┘            │           ├──PostMessage──→ channel B
//	                                    └─events──→ HandleEvent ──────┤
//	                                                                  └──PostMessage──→ channel C
//
// The multiplexer holds no RPC semantics and never inspects payloads. Inbound events are
// encoded once (see package protocol) and delivered to every attached channel in attach order;
// the transport calls HandleEvent from a single goroutine, so one sweep completes before the
// next begins. Outbound messages are written to the sender as they arrive, which keeps each
// channel's own order.
package mux

import (
	"sync"

	"go.uber.org/zap"

	"rpc-relay/metrics"
	"rpc-relay/protocol"
)

// Sender is the outbound half of a transport.
type Sender interface {
	Send(data []byte) error
}

// StateSender is a Sender that can report its connection state in order with the events it
// emits. Newly attached channels are told that state, so they know whether a send can reach
// the upstream before the next lifecycle event happens.
type StateSender interface {
	Sender
	Snapshot(fn func(ev protocol.Event))
}

// Multiplexer fans transport events out to channels and channel messages into the transport.
// Channel handles are compared by identity, so implementations should be pointer types.
type Multiplexer struct {
	name    string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels []Channel // attach order; replaced, never mutated in place
	sender   Sender
}

// New creates an empty multiplexer for the named endpoint.
func New(name string, logger *zap.Logger, m *metrics.Metrics) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		name:    name,
		logger:  logger.With(zap.String("endpoint", name)),
		metrics: m,
	}
}

// Bind sets the transport outbound messages are written to.
func (m *Multiplexer) Bind(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

// Attach registers ch for all future events and forwards its messages upstream. When the
// bound sender is a StateSender, ch is first posted a connect or close frame describing the
// current state. Attaching a channel that is already attached changes nothing and returns
// false.
func (m *Multiplexer) Attach(ch Channel) bool {
	m.mu.Lock()
	if m.indexLocked(ch) >= 0 {
		m.mu.Unlock()
		return false
	}
	next := make([]Channel, len(m.channels), len(m.channels)+1)
	copy(next, m.channels)
	m.channels = append(next, ch)
	n := len(m.channels)
	sender := m.sender
	m.mu.Unlock()

	ch.OnMessage(func(data []byte) {
		m.forward(ch, data)
	})
	if ss, ok := sender.(StateSender); ok {
		ss.Snapshot(func(ev protocol.Event) { m.post(ch, ev) })
	}
	m.metrics.SetAttached(m.name, n)
	m.logger.Debug("channel attached", zap.Int("channels", n))
	return true
}

// post delivers ev to ch alone, if ch is still attached.
func (m *Multiplexer) post(ch Channel, ev protocol.Event) {
	m.mu.Lock()
	attached := m.indexLocked(ch) >= 0
	m.mu.Unlock()
	if !attached {
		return
	}
	frame, err := protocol.Encode(ev)
	if err != nil {
		return
	}
	if err := ch.PostMessage(frame); err != nil {
		m.logger.Debug("channel rejected state", zap.Stringer("event", ev.Type), zap.Error(err))
	}
}

// Detach removes ch from the broadcast list. The transport and other channels are unaffected.
func (m *Multiplexer) Detach(ch Channel) bool {
	m.mu.Lock()
	i := m.indexLocked(ch)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	next := make([]Channel, 0, len(m.channels)-1)
	next = append(next, m.channels[:i]...)
	next = append(next, m.channels[i+1:]...)
	m.channels = next
	n := len(next)
	m.mu.Unlock()

	m.metrics.SetAttached(m.name, n)
	m.logger.Debug("channel detached", zap.Int("channels", n))
	return true
}

// DetachAll empties the broadcast list and returns the channels that were attached, in
// attach order.
func (m *Multiplexer) DetachAll() []Channel {
	m.mu.Lock()
	chans := m.channels
	m.channels = nil
	m.mu.Unlock()

	m.metrics.SetAttached(m.name, 0)
	if len(chans) > 0 {
		m.logger.Debug("all channels detached", zap.Int("channels", len(chans)))
	}
	return chans
}

func (m *Multiplexer) indexLocked(ch Channel) int {
	for i, c := range m.channels {
		if c == ch {
			return i
		}
	}
	return -1
}

// Len returns the number of attached channels.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// HandleEvent delivers one transport event to every attached channel. A channel detached
// during the sweep may still receive this event, never a later one.
func (m *Multiplexer) HandleEvent(ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		m.logger.Error("dropping unencodable event", zap.Stringer("event", ev.Type), zap.Error(err))
		return
	}

	m.mu.Lock()
	snapshot := m.channels
	m.mu.Unlock()

	delivered := 0
	for _, ch := range snapshot {
		if err := ch.PostMessage(frame); err != nil {
			m.logger.Debug("channel rejected event", zap.Stringer("event", ev.Type), zap.Error(err))
			continue
		}
		delivered++
	}
	m.metrics.Delivered(m.name, ev.Type.String(), delivered)
}

// forward writes one outbound message from ch to the transport.
func (m *Multiplexer) forward(ch Channel, data []byte) {
	m.mu.Lock()
	attached := m.indexLocked(ch) >= 0
	sender := m.sender
	m.mu.Unlock()

	if !attached {
		m.logger.Debug("dropping message from detached channel")
		return
	}
	if sender == nil {
		m.logger.Warn("dropping message, no transport bound")
		return
	}
	if err := sender.Send(data); err != nil {
		// best effort; the transport logs and counts the drop
		m.logger.Debug("send failed", zap.Error(err))
	}
}
