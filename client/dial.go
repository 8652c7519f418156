package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rpc-relay/protocol"
)

var closedFrame, _ = protocol.Encode(protocol.Closed())

// wsConn is the client end of a relay websocket.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	handler func([]byte)
	done    chan struct{}
}

func (c *wsConn) PostMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) OnMessage(h func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// readLoop feeds relay frames to the handler. Losing the relay is reported to the handler
// as a close event, since the relay can no longer send one.
func (c *wsConn) readLoop(logger *zap.Logger) {
	defer close(c.done)
	defer c.deliver(closedFrame)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("relay connection error", zap.Error(err))
			}
			return
		}
		c.deliver(data)
	}
}

func (c *wsConn) deliver(data []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// RemoteClient is a Client attached to a relay over websocket.
type RemoteClient struct {
	*Client
	conn *wsConn
}

// Dial connects to a relay channel URL such as ws://host/rpc/{endpoint} and returns a client
// speaking through it.
func Dial(ctx context.Context, url string, opts ...Option) (*RemoteClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	wc := &wsConn{conn: conn, done: make(chan struct{})}
	c := NewClient(wc, opts...)
	go wc.readLoop(c.logger)
	return &RemoteClient{Client: c, conn: wc}, nil
}

// Done is closed once the relay connection is gone.
func (rc *RemoteClient) Done() <-chan struct{} {
	return rc.conn.done
}

// Close rejects pending calls and closes the relay connection.
func (rc *RemoteClient) Close() error {
	rc.Client.Close()
	rc.conn.writeMu.Lock()
	rc.conn.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	rc.conn.writeMu.Unlock()
	return rc.conn.conn.Close()
}
