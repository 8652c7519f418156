package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsChannel adapts one accepted websocket to mux.Channel. Frames read from the socket go
// to the handler installed by the multiplexer; event frames are written back as text.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex // gorilla connections support one concurrent writer

	mu      sync.Mutex
	handler func([]byte)
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsChannel) PostMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) OnMessage(h func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// readLoop hands every inbound frame to the handler until the socket fails.
func (c *wsChannel) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

// Evict ends the client session once its endpoint is gone, with the same close code as an
// attach to an unknown endpoint.
func (c *wsChannel) Evict(reason string) {
	c.close(closeUnknownEndpoint, reason)
}

// maxCloseReason is what fits in a close frame after the two-byte code.
const maxCloseReason = 123

// close sends a close frame with code and reason, then drops the socket.
func (c *wsChannel) close(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.conn.Close()
}
