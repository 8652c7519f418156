// Package message defines the JSON-RPC envelopes exchanged between clients and upstream endpoints.
//
// Envelope is the "union" of every message seen on the wire. It gets decoded by the codec layer
// and classified into one of three shapes:
//
//	Request:       {"jsonrpc":"2.0","id":"<string>","method":"<string>","params"?:<any>}
//	Response:      {"id":"<string>","result":<any>}  or  {"id":"<string>","error":<any>}
//	Notification:  {"method":"<string>","params":<any>}            (no id)
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version this relay emits.
const Version = "2.0"

// SubscriptionMethod is the push method used by eth_subscribe style subscriptions.
const SubscriptionMethod = "eth_subscription"

// ErrMalformedEnvelope is returned when an inbound payload is not a JSON-RPC object.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ID is a request identifier. Requests always carry it as a JSON string; inbound
// numeric ids are accepted and normalised to their decimal text.
type ID string

// UnmarshalJSON accepts both "7" and 7.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty id", ErrMalformedEnvelope)
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: id must be string or number", ErrMalformedEnvelope)
	}
	*id = ID(n.String())
	return nil
}

// FormatID renders a sequence number as a wire id.
func FormatID(seq uint64) ID {
	return ID(strconv.FormatUint(seq, 10))
}

// Request is an outbound call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request envelope. A nil params value is omitted from the wire form.
func NewRequest(id ID, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params == nil {
		return req, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		req.Params = raw
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}
	req.Params = raw
	return req, nil
}

// Response is the reply to a Request with the same ID.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a server-originated message not correlated to any request.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SubscriptionParams is the params object of an eth_subscription notification.
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Envelope holds any decoded inbound message before it is classified.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Decode parses one inbound payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return e.ID != nil
}

// IsResponse reports whether the envelope has the response shape.
func (e *Envelope) IsResponse() bool {
	return e.HasID() && e.Method == ""
}

// IsNotification reports whether the envelope has the notification shape.
func (e *Envelope) IsNotification() bool {
	return !e.HasID() && e.Method != ""
}

// Response converts the envelope into a Response. An explicit "error": null counts as absent.
func (e *Envelope) Response() (*Response, error) {
	if !e.HasID() {
		return nil, fmt.Errorf("%w: response without id", ErrMalformedEnvelope)
	}
	resp := &Response{ID: *e.ID, Result: e.Result}
	if len(e.Error) > 0 && !bytes.Equal(bytes.TrimSpace(e.Error), []byte("null")) {
		resp.Error = ParseError(e.Error)
	}
	return resp, nil
}

// Notification converts the envelope into a Notification.
func (e *Envelope) Notification() (*Notification, error) {
	if e.Method == "" {
		return nil, fmt.Errorf("%w: notification without method", ErrMalformedEnvelope)
	}
	return &Notification{Method: e.Method, Params: e.Params}, nil
}

// Subscription extracts the params of an eth_subscription notification.
func (n *Notification) Subscription() (*SubscriptionParams, error) {
	if n.Method != SubscriptionMethod {
		return nil, fmt.Errorf("%w: %s is not a subscription", ErrMalformedEnvelope, n.Method)
	}
	var p SubscriptionParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return nil, fmt.Errorf("%w: subscription params: %v", ErrMalformedEnvelope, err)
	}
	if p.Subscription == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrMalformedEnvelope)
	}
	return &p, nil
}
