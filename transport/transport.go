// Package transport owns one reconnecting websocket connection to a single upstream endpoint.
//
// A Transport is shared by every client attached to the endpoint (see package mux). It never
// interprets payloads: it writes whatever it is given and emits whatever it reads, plus
// lifecycle events, in arrival order.
//
//	                 Open(addr)
//	Disconnected ──────────────→ Connecting ──socket opens──→ Connected
//	     ↑  ↑                        │                            │
//	     │  └──reconnect timer fires─┼─────── dial fails ─────────┤ socket closes / errors
//	     │                           ↓                            ↓
//	     └──────── Close() ─────── Closing ←──────────────── Disconnected (timer armed)
//
// Reconnect is driven by a single timer armed on every close while the address is still set.
// Arming always stops the previous timer first, so attempts never stack.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rpc-relay/metrics"
	"rpc-relay/protocol"
)

var (
	// ErrTransportUnavailable is returned by Send while the transport is not connected.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNoAddress is returned by Open when no address is configured.
	ErrNoAddress = errors.New("no endpoint address")
)

// DefaultMaxMessageSize matches the 32 MiB payload limit of the upstream websocket handler.
const DefaultMaxMessageSize = 32 << 20

// State is the connection state. It is owned by the Transport and only observed from outside.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the per-transport settings.
type Config struct {
	Name             string // endpoint label for logs and metrics
	Reconnect        ReconnectPolicy
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.Reconnect.Interval == 0 && c.Reconnect.Strategy == "" {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Transport manages one upstream websocket connection and its reconnect loop.
type Transport struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer
	events *eventQueue

	mu      sync.Mutex
	addr    string // empty means explicitly disconnected
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc // aborts an in-flight dial
	timer   *time.Timer        // pending reconnect, if any
	backoff backoff.BackOff
	gen     uint64 // bumped on every attempt and on Close; stale goroutines compare against it

	writeMu sync.Mutex // gorilla connections support one concurrent writer
}

// New creates a disconnected transport. Events go to h on a single goroutine.
func New(cfg Config, h EventHandler) *Transport {
	cfg.setDefaults()
	return &Transport{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("endpoint", cfg.Name)),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events:  newEventQueue(h),
		backoff: cfg.Reconnect.newBackOff(),
	}
}

// Open starts connecting to addr. It is a no-op while the transport is already open, and an
// empty address aborts the attempt instead of scheduling a retry.
func (t *Transport) Open(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if addr == "" {
		t.logger.Warn("aborting connection attempt, no address specified")
		return ErrNoAddress
	}
	if t.addr != "" {
		if t.addr != addr {
			t.logger.Warn("transport already open on another address",
				zap.String("current", t.addr), zap.String("requested", addr))
		}
		return nil
	}

	t.addr = addr
	t.backoff.Reset()
	t.connectLocked()
	return nil
}

// connectLocked starts a dial for the current address. Caller holds t.mu.
func (t *Transport) connectLocked() {
	t.stopTimerLocked()
	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.setStateLocked(Connecting)
	t.logger.Info("connecting", zap.String("address", t.addr))
	go t.dial(ctx, t.gen, t.addr)
}

func (t *Transport) dial(ctx context.Context, gen uint64, addr string) {
	conn, _, err := t.dialer.DialContext(ctx, addr, nil)

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		// Close() or a newer attempt took over while we were dialing.
		if conn != nil {
			conn.Close()
		}
		return
	}
	t.cancel = nil

	if err != nil {
		t.logger.Warn("connection attempt failed", zap.Error(err))
		t.events.push(protocol.Error(err.Error()))
		t.disconnectedLocked()
		return
	}

	conn.SetReadLimit(t.cfg.MaxMessageSize)
	t.conn = conn
	t.backoff.Reset()
	t.stopTimerLocked()
	t.setStateLocked(Connected)
	t.logger.Info("connection opened")
	t.events.push(protocol.Connected())
	go t.readLoop(gen, conn)
}

// readLoop runs in a dedicated goroutine per connection. Websocket frames have to be read
// sequentially, so there is exactly one reader.
func (t *Transport) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.dropped(gen, conn, err)
			return
		}
		t.cfg.Metrics.MessageReceived(t.cfg.Name)
		t.events.push(protocol.Message(data))
	}
}

func (t *Transport) dropped(gen uint64, conn *websocket.Conn, err error) {
	conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		return
	}
	t.conn = nil
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Warn("connection error", zap.Error(err))
		t.events.push(protocol.Error(err.Error()))
	}
	t.disconnectedLocked()
}

// disconnectedLocked emits closed and arms the reconnect timer if the address is still set.
func (t *Transport) disconnectedLocked() {
	t.setStateLocked(Disconnected)
	t.events.push(protocol.Closed())
	if t.addr == "" {
		return
	}
	t.scheduleReconnectLocked()
}

func (t *Transport) scheduleReconnectLocked() {
	t.stopTimerLocked()

	delay := t.backoff.NextBackOff()
	if delay == backoff.Stop {
		// Unset the address so a later Open, even with the same address, starts over.
		t.addr = ""
		t.logger.Error("giving up reconnecting, attempt limit reached")
		return
	}
	t.logger.Info("connection closed, reconnecting", zap.Duration("delay", delay))

	gen := t.gen
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		// A timer that fires after Close, Open or a newer schedule is stale.
		if gen != t.gen || t.addr == "" || t.state != Disconnected {
			return
		}
		t.timer = nil
		t.cfg.Metrics.ReconnectAttempt(t.cfg.Name)
		t.connectLocked()
	})
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) setStateLocked(s State) {
	t.state = s
	t.cfg.Metrics.SetTransportState(t.cfg.Name, int(s))
}

// Send writes one text frame. While not connected the data is dropped and logged; nothing
// is buffered for later delivery.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if state != Connected || conn == nil {
		t.cfg.Metrics.SendDropped(t.cfg.Name)
		t.logger.Warn("dropping outbound message, transport not connected",
			zap.Stringer("state", state), zap.Int("bytes", len(data)))
		return ErrTransportUnavailable
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop observes the broken connection and drives the reconnect.
		t.logger.Warn("write failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	t.cfg.Metrics.MessageSent(t.cfg.Name)
	return nil
}

// Close unsets the address, cancels any reconnect and closes the connection. No further
// reconnects happen until Open is called again.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasLive := t.state == Connected || t.state == Connecting
	t.addr = ""
	t.gen++ // invalidates the read loop, an in-flight dial and the timer callback
	t.stopTimerLocked()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	t.setStateLocked(Closing)
	if t.conn != nil {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(Disconnected)

	if wasLive {
		t.logger.Info("transport closed")
		t.events.push(protocol.Closed())
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Address returns the configured address, empty once closed or after reconnecting gave up.
func (t *Transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Snapshot calls fn on the event goroutine with the event describing the current state:
// connect while connected, close while the transport is open but not connected. Events
// emitted before the call are delivered first, so fn observes the same state they leave
// behind. fn is not called for a transport that is not open.
func (t *Transport) Snapshot(fn func(ev protocol.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ev protocol.Event
	switch {
	case t.state == Connected:
		ev = protocol.Connected()
	case t.addr != "":
		ev = protocol.Closed()
	default:
		return
	}
	t.events.pushFunc(func() { fn(ev) })
}

// Flush returns a channel closed once every event emitted so far has been handled.
func (t *Transport) Flush() <-chan struct{} {
	return t.events.wait()
}
