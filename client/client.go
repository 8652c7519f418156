// Package client turns one attached channel into an awaitable JSON-RPC call interface.
//
// A channel only moves opaque frames. Client assigns every request a fresh id, remembers it
// in a pending table and resolves the caller when a response with the same id comes back.
// Inbound messages that match no pending call are push notifications:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ channel ──→ multiplexer ──→ upstream
//	goroutine-3 ──Call(id=3)──┘
//
//	handleFrame:  ←── {"id":"2",...}              → pending["2"] → goroutine-2 wakes up
//	              ←── {"method":"eth_subscription"} → notification handler
//
// Ids come from a counter starting at 1 that is local to each Client and never reused.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpc-relay/message"
	"rpc-relay/metrics"
	"rpc-relay/middleware"
	"rpc-relay/protocol"
)

var (
	// ErrConnectionLost rejects calls that were pending when the upstream connection closed.
	ErrConnectionLost = errors.New("connection lost")
	// ErrTransportUnavailable fails calls issued while the connection is known to be down,
	// or when the channel refuses the request.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrClosed fails calls on a closed client.
	ErrClosed = errors.New("client closed")
)

// IsConnectionError reports whether err is a connection-level failure worth retrying.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTransportUnavailable)
}

// Conn is the client side of an attached channel.
type Conn interface {
	PostMessage(data []byte) error
	OnMessage(handler func(data []byte))
}

// PendingPolicy decides what happens to pending calls when the connection closes.
type PendingPolicy int

const (
	// RejectPending fails pending calls with ErrConnectionLost on close, and fails new calls
	// with ErrTransportUnavailable until the connection is back.
	RejectPending PendingPolicy = iota
	// KeepPending leaves pending calls waiting across a close; they resolve only if a
	// response still arrives, or when the caller gives up.
	KeepPending
)

type connState int

const (
	connUnknown connState = iota // no lifecycle event seen yet
	connUp
	connDown
)

type result struct {
	resp *message.Response
	err  error
}

// pendingCall is one entry of the pending table.
type pendingCall struct {
	id        message.ID
	method    string
	createdAt time.Time
	done      chan result // buffered, receives exactly one result
}

// Notification is a push message delivered outside of any call.
type Notification struct {
	Method       string
	Subscription string          // eth_subscription only
	Result       json.RawMessage // eth_subscription only
	Params       json.RawMessage
}

// Client correlates calls and responses over one channel.
type Client struct {
	conn        Conn
	logger      *zap.Logger
	metrics     *metrics.Metrics
	policy      PendingPolicy
	pushMethods map[string]struct{}
	onNotify    func(Notification)
	onEvent     func(protocol.Event)
	handler     middleware.HandlerFunc

	mu      sync.Mutex
	seq     uint64
	pending map[message.ID]*pendingCall
	state   connState
	closed  bool
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithPendingPolicy(p PendingPolicy) Option { return func(c *Client) { c.policy = p } }

// WithNotificationHandler sets the sink for push notifications. It runs on the delivery
// goroutine of the upstream transport and should not block.
func WithNotificationHandler(h func(Notification)) Option {
	return func(c *Client) { c.onNotify = h }
}

// WithEventHandler receives connect, close and error events of the upstream connection.
func WithEventHandler(h func(protocol.Event)) Option {
	return func(c *Client) { c.onEvent = h }
}

// WithPushMethods adds notification methods to deliver besides eth_subscription.
func WithPushMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.pushMethods[m] = struct{}{}
		}
	}
}

// WithMiddleware wraps every call, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.handler = middleware.Chain(mws...)(c.handler)
	}
}

// NewClient wraps conn and starts handling its inbound frames.
func NewClient(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		logger:      zap.NewNop(),
		pushMethods: map[string]struct{}{message.SubscriptionMethod: {}},
		pending:     make(map[message.ID]*pendingCall),
	}
	c.handler = c.roundTrip
	for _, opt := range opts {
		opt(c)
	}
	conn.OnMessage(c.handleFrame)
	return c
}

// Call issues method with params and decodes the result into reply (which may be nil).
// It blocks until the response arrives or ctx ends; there is no default deadline.
// An error member in the response is returned as *message.Error.
func (c *Client) Call(ctx context.Context, method string, params any, reply any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if reply == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := message.NewRequest("", method, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Future is an in-flight call started by Go.
type Future struct {
	Method string
	Result json.RawMessage
	Error  error
	Done   chan *Future // receives the future itself once resolved
}

// Go starts a call and returns immediately. The returned future is sent on its Done
// channel when the call completes.
func (c *Client) Go(ctx context.Context, method string, params any) *Future {
	f := &Future{Method: method, Done: make(chan *Future, 1)}
	go func() {
		f.Result, f.Error = c.call(ctx, method, params)
		f.Done <- f
	}()
	return f
}

// roundTrip is the innermost handler: assign an id, register, send, wait.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.policy == RejectPending && c.state == connDown {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, req.Method)
	}
	c.seq++
	req.ID = message.FormatID(c.seq)
	req.JSONRPC = message.Version
	p := &pendingCall{
		id:        req.ID,
		method:    req.Method,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}
	// Register before sending: the response may arrive before PostMessage returns.
	c.pending[p.id] = p
	c.mu.Unlock()
	c.metrics.PendingAdd(1)

	data, err := json.Marshal(req)
	if err != nil {
		c.abandon(p.id)
		return nil, fmt.Errorf("encode request %s: %w", req.Method, err)
	}
	if err := c.conn.PostMessage(data); err != nil {
		c.abandon(p.id)
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		c.abandon(p.id)
		return nil, ctx.Err()
	}
}

// abandon drops a pending call that will not be waited on anymore.
func (c *Client) abandon(id message.ID) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.metrics.PendingAdd(-1)
	}
}

// take removes and returns the pending call for id, if any. Only the first taker wins,
// which is what makes resolution exactly-once.
func (c *Client) take(id message.ID) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) resolve(p *pendingCall, r result) {
	c.metrics.PendingAdd(-1)
	p.done <- r
}

// rejectAll fails every pending call with err.
func (c *Client) rejectAll(err error) int {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		calls = append(calls, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range calls {
		c.resolve(p, result{err: fmt.Errorf("%w: %s (id %s)", err, p.method, p.id)})
	}
	return len(calls)
}

// handleFrame is the channel's inbound handler.
func (c *Client) handleFrame(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping invalid channel frame", zap.Error(err))
		return
	}

	switch ev.Type {
	case protocol.EventMessage:
		c.handleMessage(ev.Data)
		return
	case protocol.EventConnect:
		c.setState(connUp)
		c.logger.Debug("upstream connected")
	case protocol.EventClose:
		c.setState(connDown)
		if c.policy == RejectPending {
			if n := c.rejectAll(ErrConnectionLost); n > 0 {
				c.logger.Info("rejected pending calls on close", zap.Int("calls", n))
			}
		}
		c.logger.Debug("upstream closed")
	case protocol.EventError:
		c.logger.Debug("upstream error", zap.String("error", ev.Err))
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) handleMessage(data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed envelope", zap.Error(err))
		return
	}

	if env.HasID() {
		if p := c.take(*env.ID); p != nil {
			resp, err := env.Response()
			c.logger.Debug("call resolved",
				zap.String("method", p.method),
				zap.String("id", string(p.id)),
				zap.Duration("elapsed", time.Since(p.createdAt)))
			c.resolve(p, result{resp: resp, err: err})
			return
		}
	}

	if env.Method != "" {
		c.handleNotification(env)
		return
	}
	if env.HasID() {
		c.logger.Debug("dropping unmatched response", zap.String("id", string(*env.ID)))
		return
	}
	c.logger.Warn("dropping message with unrecognized shape", zap.ByteString("message", data))
}

func (c *Client) handleNotification(env *message.Envelope) {
	if _, ok := c.pushMethods[env.Method]; !ok {
		c.logger.Info("received unrecognized notification", zap.String("method", env.Method))
		return
	}
	n := Notification{Method: env.Method, Params: env.Params}
	if env.Method == message.SubscriptionMethod {
		note := &message.Notification{Method: env.Method, Params: env.Params}
		sub, err := note.Subscription()
		if err != nil {
			c.logger.Warn("dropping subscription notification", zap.Error(err))
			return
		}
		n.Subscription, n.Result = sub.Subscription, sub.Result
	}
	if c.onNotify != nil {
		c.onNotify(n)
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails all pending calls with ErrClosed and rejects further calls. The channel
// itself is owned by the caller.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.rejectAll(ErrClosed)
	return nil
}
