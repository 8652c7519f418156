package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestWireShape(t *testing.T) {
	req, err := NewRequest(FormatID(1), "ping", nil)
	require.NoError(t, err)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","id":"1","method":"ping"}`, string(data))

	req, err = NewRequest("2", "eth_getBalance", []any{"0xabc", "latest"})
	require.NoError(t, err)
	data, err = json.Marshal(req)
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","id":"2","method":"eth_getBalance","params":["0xabc","latest"]}`, string(data))
}

func TestDecodeClassifies(t *testing.T) {
	env, err := Decode([]byte(`{"id":"1","result":"pong"}`))
	require.NoError(t, err)
	require.True(t, env.IsResponse())
	resp, err := env.Response()
	require.NoError(t, err)
	require.Equal(t, ID("1"), resp.ID)
	require.JSONEq(t, `"pong"`, string(resp.Result))
	require.Nil(t, resp.Error)

	env, err = Decode([]byte(`{"method":"eth_subscription","params":{"subscription":"s1","result":42}}`))
	require.NoError(t, err)
	require.True(t, env.IsNotification())
	n, err := env.Notification()
	require.NoError(t, err)
	sub, err := n.Subscription()
	require.NoError(t, err)
	require.Equal(t, "s1", sub.Subscription)
	require.JSONEq(t, `42`, string(sub.Result))
}

func TestNumericIDNormalised(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"result":true}`))
	require.NoError(t, err)
	require.True(t, env.HasID())
	require.Equal(t, ID("7"), *env.ID)
}

func TestNullErrorIsAbsent(t *testing.T) {
	env, err := Decode([]byte(`{"id":"3","result":1,"error":null}`))
	require.NoError(t, err)
	resp, err := env.Response()
	require.NoError(t, err)
	require.Nil(t, resp.Error)
}

func TestResponseError(t *testing.T) {
	env, err := Decode([]byte(`{"id":"4","error":{"code":-32601,"message":"method not found"}}`))
	require.NoError(t, err)
	resp, err := env.Response()
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
	require.Equal(t, "rpc error -32601: method not found", resp.Error.Error())

	// non-conforming peers may send a bare string
	env, err = Decode([]byte(`{"id":"5","error":"boom"}`))
	require.NoError(t, err)
	resp, err = env.Response()
	require.NoError(t, err)
	require.Equal(t, "boom", resp.Error.Message)
	out, err := json.Marshal(resp.Error)
	require.NoError(t, err)
	require.Equal(t, `"boom"`, string(out))
}

func TestMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.True(t, errors.Is(err, ErrMalformedEnvelope))

	_, err = Decode([]byte(`{"id":{"x":1}}`))
	require.Error(t, err)

	n := &Notification{Method: SubscriptionMethod, Params: json.RawMessage(`{"result":1}`)}
	_, err = n.Subscription()
	require.True(t, errors.Is(err, ErrMalformedEnvelope))
}
