// Package transporttest provides an in-process websocket JSON-RPC upstream for tests.
package transporttest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Handler answers one inbound message. Returning nil sends nothing back.
type Handler func(msg []byte) []byte

// Upstream is a websocket server that records traffic and can push or drop connections.
type Upstream struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handler  Handler

	mu       sync.Mutex
	conns    map[*websocket.Conn]*sync.Mutex // per-connection write lock
	received [][]byte
	accepted int
	attempts int
	reject   bool
}

// NewUpstream starts a server. A nil handler makes it a sink.
func NewUpstream(h Handler) *Upstream {
	u := &Upstream{
		handler: h,
		conns:   make(map[*websocket.Conn]*sync.Mutex),
	}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// URL returns the ws:// address of the server.
func (u *Upstream) URL() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.attempts++
	reject := u.reject
	u.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	u.mu.Lock()
	u.conns[conn] = writeMu
	u.accepted++
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		delete(u.conns, conn)
		u.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		u.mu.Lock()
		u.received = append(u.received, msg)
		u.mu.Unlock()
		if u.handler == nil {
			continue
		}
		if reply := u.handler(msg); reply != nil {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, reply)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Push sends msg to every connected client.
func (u *Upstream) Push(msg []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for conn, writeMu := range u.conns {
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, msg)
		writeMu.Unlock()
	}
}

// DropAll closes every live connection abruptly.
func (u *Upstream) DropAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for conn := range u.conns {
		conn.Close()
	}
}

// Reject makes subsequent handshakes fail with 503 (or succeed again).
func (u *Upstream) Reject(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reject = v
}

// Connections returns the number of live connections.
func (u *Upstream) Connections() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.conns)
}

// Accepted returns the number of successful handshakes so far.
func (u *Upstream) Accepted() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.accepted
}

// Attempts returns the number of handshake attempts so far, rejected ones included.
func (u *Upstream) Attempts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts
}

// Received returns a copy of every message received so far.
func (u *Upstream) Received() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.received))
	copy(out, u.received)
	return out
}

// Close stops the server and drops every connection.
func (u *Upstream) Close() {
	u.DropAll()
	u.srv.Close()
}
