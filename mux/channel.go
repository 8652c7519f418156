package mux

import (
	"errors"
	"sync"
)

// Channel is one client's conduit to the multiplexer. The multiplexer writes event frames
// with PostMessage and receives the client's raw JSON-RPC text through the OnMessage handler.
// Implementations decide how bytes cross the boundary (websocket, in-memory pipe, ...).
type Channel interface {
	PostMessage(data []byte) error
	OnMessage(handler func(data []byte))
}

// Evictor is implemented by channels that can end their client's session when the endpoint
// they are attached to is disconnected for good.
type Evictor interface {
	Evict(reason string)
}

// ErrPipeClosed is returned when writing to a closed pipe end.
var ErrPipeClosed = errors.New("pipe closed")

// PipeEnd is one side of an in-memory channel created by Pipe.
type PipeEnd struct {
	mu      sync.Mutex
	peer    *PipeEnd
	handler func(data []byte)
	closed  bool
}

// Pipe returns two connected ends. Bytes posted on one end are handed to the handler
// registered on the other, synchronously and in order. Messages posted before the peer
// registers a handler are dropped.
func Pipe() (clientEnd, relayEnd *PipeEnd) {
	a, b := &PipeEnd{}, &PipeEnd{}
	a.peer, b.peer = b, a
	return a, b
}

// PostMessage delivers data to the peer's handler.
func (p *PipeEnd) PostMessage(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPipeClosed
	}

	peer := p.peer
	peer.mu.Lock()
	h, peerClosed := peer.handler, peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return ErrPipeClosed
	}
	if h != nil {
		h(append([]byte(nil), data...))
	}
	return nil
}

// OnMessage sets the handler for data posted by the peer. A later call replaces it.
func (p *PipeEnd) OnMessage(handler func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Close makes both directions fail from this end.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.handler = nil
	return nil
}
