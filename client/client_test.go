package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rpc-relay/message"
	"rpc-relay/middleware"
	"rpc-relay/mux"
	"rpc-relay/protocol"
)

// fakeRelay plays the multiplexer side of a pipe: it records requests and lets the
// test push event frames back.
type fakeRelay struct {
	t    *testing.T
	end  *mux.PipeEnd
	mu   sync.Mutex
	reqs []message.Request
	// reply, when set, answers each request synchronously
	reply func(req message.Request) string
	got   chan message.Request
}

func newFakeRelay(t *testing.T) (*fakeRelay, *mux.PipeEnd) {
	clientEnd, relayEnd := mux.Pipe()
	r := &fakeRelay{t: t, end: relayEnd, got: make(chan message.Request, 64)}
	relayEnd.OnMessage(func(data []byte) {
		var req message.Request
		require.NoError(t, json.Unmarshal(data, &req))
		r.mu.Lock()
		r.reqs = append(r.reqs, req)
		reply := r.reply
		r.mu.Unlock()
		if reply != nil {
			r.push(protocol.Message([]byte(reply(req))))
			return
		}
		r.got <- req
	})
	return r, clientEnd
}

func (r *fakeRelay) push(ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	require.NoError(r.t, err)
	require.NoError(r.t, r.end.PostMessage(frame))
}

func (r *fakeRelay) respond(raw string) {
	r.push(protocol.Message([]byte(raw)))
}

func (r *fakeRelay) next() message.Request {
	select {
	case req := <-r.got:
		return req
	case <-time.After(2 * time.Second):
		r.t.Fatal("no request reached the relay")
		return message.Request{}
	}
}

func TestPingPong(t *testing.T) {
	relay, conn := newFakeRelay(t)
	relay.reply = func(req message.Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":"pong"}`, req.ID)
	}
	c := NewClient(conn, WithLogger(zaptest.NewLogger(t)))

	var reply string
	require.NoError(t, c.Call(context.Background(), "ping", nil, &reply))
	require.Equal(t, "pong", reply)
	require.Equal(t, 0, c.Pending())

	require.Len(t, relay.reqs, 1)
	wire, err := json.Marshal(relay.reqs[0])
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","id":"1","method":"ping"}`, string(wire))
}

func TestIdsAreDistinctAndIncreasing(t *testing.T) {
	relay, conn := newFakeRelay(t)
	relay.reply = func(req message.Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":null}`, req.ID)
	}
	c := NewClient(conn)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Call(context.Background(), "eth_blockNumber", nil, nil))
	}
	require.Equal(t, message.ID("1"), relay.reqs[0].ID)
	require.Equal(t, message.ID("2"), relay.reqs[1].ID)
	require.Equal(t, message.ID("3"), relay.reqs[2].ID)
}

func TestConcurrentCallsResolveOutOfOrder(t *testing.T) {
	relay, conn := newFakeRelay(t)
	c := NewClient(conn, WithLogger(zaptest.NewLogger(t)))

	const n = 10
	futures := make([]*Future, n)
	for i := range futures {
		futures[i] = c.Go(context.Background(), "echo", []int{i})
	}

	reqs := make([]message.Request, n)
	for i := range reqs {
		reqs[i] = relay.next()
	}
	// answer in reverse, echoing the params
	for i := n - 1; i >= 0; i-- {
		relay.respond(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":%s}`, reqs[i].ID, reqs[i].Params))
	}

	for i, f := range futures {
		<-f.Done
		require.NoError(t, f.Error)
		require.JSONEq(t, fmt.Sprintf("[%d]", i), string(f.Result))
	}
	require.Equal(t, 0, c.Pending())
}

func TestNumericResponseIdMatches(t *testing.T) {
	relay, conn := newFakeRelay(t)
	relay.reply = func(req message.Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":true}`, req.ID)
	}
	c := NewClient(conn)

	var ok bool
	require.NoError(t, c.Call(context.Background(), "net_listening", nil, &ok))
	require.True(t, ok)
}

func TestErrorResponse(t *testing.T) {
	relay, conn := newFakeRelay(t)
	relay.reply = func(req message.Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","error":{"code":-32601,"message":"method not found"}}`, req.ID)
	}
	c := NewClient(conn)

	err := c.Call(context.Background(), "nope", nil, nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
	require.Equal(t, "method not found", rpcErr.Message)
}

func TestDuplicateResponseIsIgnored(t *testing.T) {
	relay, conn := newFakeRelay(t)
	var notes []Notification
	c := NewClient(conn, WithNotificationHandler(func(n Notification) { notes = append(notes, n) }))

	f := c.Go(context.Background(), "eth_chainId", nil)
	req := relay.next()
	relay.respond(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":"0x1"}`, req.ID))
	relay.respond(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":"0x2"}`, req.ID))

	<-f.Done
	require.NoError(t, f.Error)
	require.Equal(t, `"0x1"`, string(f.Result))
	require.Empty(t, notes)
}

func TestSubscriptionNotificationsReachEveryClient(t *testing.T) {
	// two clients on one multiplexer, the way two browser tabs share an endpoint
	m := mux.New("mainnet", zaptest.NewLogger(t), nil)
	type received struct {
		mu    sync.Mutex
		notes []Notification
	}
	clients := make([]*received, 2)
	for i := range clients {
		clientEnd, relayEnd := mux.Pipe()
		r := &received{}
		clients[i] = r
		NewClient(clientEnd, WithNotificationHandler(func(n Notification) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notes = append(r.notes, n)
		}))
		require.True(t, m.Attach(relayEnd))
	}

	m.HandleEvent(protocol.Message([]byte(
		`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xabc","result":{"number":"0x10"}}}`)))

	for _, r := range clients {
		require.Len(t, r.notes, 1)
		require.Equal(t, message.SubscriptionMethod, r.notes[0].Method)
		require.Equal(t, "0xabc", r.notes[0].Subscription)
		require.JSONEq(t, `{"number":"0x10"}`, string(r.notes[0].Result))
	}
}

func TestUnknownNotificationIsDropped(t *testing.T) {
	relay, conn := newFakeRelay(t)
	var notes []Notification
	NewClient(conn,
		WithLogger(zaptest.NewLogger(t)),
		WithPushMethods("accountsChanged"),
		WithNotificationHandler(func(n Notification) { notes = append(notes, n) }))

	relay.respond(`{"jsonrpc":"2.0","method":"chainChanged","params":["0x1"]}`)
	relay.respond(`{"jsonrpc":"2.0","method":"accountsChanged","params":["0xdead"]}`)
	relay.respond(`not json`)

	require.Len(t, notes, 1)
	require.Equal(t, "accountsChanged", notes[0].Method)
	require.JSONEq(t, `["0xdead"]`, string(notes[0].Params))
}

func TestCloseEventRejectsPendingCalls(t *testing.T) {
	relay, conn := newFakeRelay(t)
	var events []protocol.EventType
	c := NewClient(conn, WithEventHandler(func(ev protocol.Event) { events = append(events, ev.Type) }))

	f := c.Go(context.Background(), "eth_getBalance", nil)
	relay.next()
	require.Equal(t, 1, c.Pending())

	relay.push(protocol.Error("read: connection reset by peer"))
	require.Equal(t, 1, c.Pending(), "error events alone are not fatal")

	relay.push(protocol.Closed())
	<-f.Done
	require.ErrorIs(t, f.Error, ErrConnectionLost)
	require.True(t, IsConnectionError(f.Error))
	require.Equal(t, 0, c.Pending())

	// known down: fail fast instead of waiting forever
	err := c.Call(context.Background(), "eth_getBalance", nil, nil)
	require.ErrorIs(t, err, ErrTransportUnavailable)

	// back up: calls flow again
	relay.push(protocol.Connected())
	relay.reply = func(req message.Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":"0x0"}`, req.ID)
	}
	require.NoError(t, c.Call(context.Background(), "eth_getBalance", nil, nil))

	require.Equal(t, []protocol.EventType{protocol.EventError, protocol.EventClose, protocol.EventConnect}, events)
}

// outage is an upstream that is open but not connected.
type outage struct {
	sent chan []byte
}

func (o *outage) Send(data []byte) error {
	o.sent <- data
	return nil
}

func (o *outage) Snapshot(fn func(ev protocol.Event)) { fn(protocol.Closed()) }

func TestAttachDuringOutageFailsFast(t *testing.T) {
	m := mux.New("e", zaptest.NewLogger(t), nil)
	up := &outage{sent: make(chan []byte, 1)}
	m.Bind(up)

	clientEnd, relayEnd := mux.Pipe()
	c := NewClient(clientEnd, WithLogger(zaptest.NewLogger(t)))
	require.True(t, m.Attach(relayEnd))

	err := c.Call(context.Background(), "eth_chainId", nil, nil)
	require.ErrorIs(t, err, ErrTransportUnavailable)
	require.Equal(t, 0, c.Pending())

	m.HandleEvent(protocol.Connected())
	f := c.Go(context.Background(), "eth_chainId", nil)
	select {
	case data := <-up.sent:
		require.JSONEq(t, `{"jsonrpc":"2.0","id":"1","method":"eth_chainId"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("call not forwarded after reconnect")
	}
	m.HandleEvent(protocol.Message([]byte(`{"jsonrpc":"2.0","id":"1","result":"0x1"}`)))
	<-f.Done
	require.NoError(t, f.Error)
	require.Equal(t, `"0x1"`, string(f.Result))
}

func TestKeepPendingSurvivesClose(t *testing.T) {
	relay, conn := newFakeRelay(t)
	c := NewClient(conn, WithPendingPolicy(KeepPending))

	f := c.Go(context.Background(), "eth_call", nil)
	req := relay.next()

	relay.push(protocol.Closed())
	relay.push(protocol.Connected())
	require.Equal(t, 1, c.Pending())

	relay.respond(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":"0x"}`, req.ID))
	<-f.Done
	require.NoError(t, f.Error)
}

func TestContextCancellationAbandonsCall(t *testing.T) {
	relay, conn := newFakeRelay(t)
	c := NewClient(conn, WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "eth_getLogs", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, c.Pending())

	// a late answer finds nobody waiting
	req := relay.next()
	relay.respond(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":[]}`, req.ID))
}

func TestPostFailureIsTransportUnavailable(t *testing.T) {
	_, conn := newFakeRelay(t)
	c := NewClient(conn)
	require.NoError(t, conn.Close())

	err := c.Call(context.Background(), "ping", nil, nil)
	require.ErrorIs(t, err, ErrTransportUnavailable)
	require.Equal(t, 0, c.Pending())
}

func TestCloseRejectsPendingAndFutureCalls(t *testing.T) {
	relay, conn := newFakeRelay(t)
	c := NewClient(conn)

	f := c.Go(context.Background(), "eth_call", nil)
	relay.next()
	require.NoError(t, c.Close())
	<-f.Done
	require.ErrorIs(t, f.Error, ErrClosed)

	require.ErrorIs(t, c.Call(context.Background(), "ping", nil, nil), ErrClosed)
	require.NoError(t, c.Close())
}

func TestRetryMiddlewareRecoversFromConnectionLoss(t *testing.T) {
	relay, conn := newFakeRelay(t)
	c := NewClient(conn,
		WithPendingPolicy(KeepPending),
		WithMiddleware(middleware.RetryMiddleware(3, time.Millisecond, IsConnectionError, zaptest.NewLogger(t))))

	attempts := 0
	relay.reply = func(req message.Request) string {
		attempts++
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","result":"ok"}`, req.ID)
	}
	// the first post fails as if the socket were not open yet
	var calls int
	flaky := &flakyConn{Conn: conn, fail: func() bool { calls++; return calls == 1 }}
	c.conn = flaky

	var reply string
	require.NoError(t, c.Call(context.Background(), "ping", nil, &reply))
	require.Equal(t, "ok", reply)
	require.Equal(t, 1, attempts)
	require.Equal(t, 2, calls)
}

type flakyConn struct {
	Conn
	fail func() bool
}

func (f *flakyConn) PostMessage(data []byte) error {
	if f.fail() {
		return errors.New("socket not open")
	}
	return f.Conn.PostMessage(data)
}
