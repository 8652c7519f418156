// Package protocol implements the event framing spoken on every attached channel.
//
// A channel is a plain message conduit: the client side writes raw JSON-RPC text, and the
// relay side writes one of four event frames. Each frame is a JSON object with exactly one key:
//
//	{"rpcEvent":"<raw json-rpc text>"}   inbound upstream message, forwarded verbatim
//	{"errorEvent":"<description>"}       non-fatal transport error
//	{"closeEvent":null}                  upstream connection dropped
//	{"connectEvent":null}                upstream connection (re)opened
//
// The same Event type is what a transport emits internally, so the multiplexer only has to
// encode it before fan-out.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// EventType distinguishes the four frame kinds.
type EventType byte

const (
	EventMessage EventType = iota // upstream payload
	EventError                    // transport error, does not change state
	EventClose                    // connection closed for any reason
	EventConnect                  // connection opened
)

// Frame keys, fixed by the channel protocol.
const (
	keyMessage = "rpcEvent"
	keyError   = "errorEvent"
	keyClose   = "closeEvent"
	keyConnect = "connectEvent"
)

var ErrInvalidFrame = errors.New("invalid event frame")

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventConnect:
		return "connect"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Event is one transport event.
type Event struct {
	Type EventType
	Data []byte // EventMessage only
	Err  string // EventError only
}

func Message(data []byte) Event { return Event{Type: EventMessage, Data: data} }
func Error(desc string) Event { return Event{Type: EventError, Err: desc} }
func Closed() Event { return Event{Type: EventClose} }
func Connected() Event { return Event{Type: EventConnect} }

// Encode renders an event as a channel frame.
func Encode(ev Event) ([]byte, error) {
	switch ev.Type {
	case EventMessage:
		// The upstream payload travels as a JSON string, not as an embedded object:
		// it is forwarded verbatim and never re-parsed by the relay. A JSON string cannot
		// carry invalid UTF-8 without altering it.
		if !utf8.Valid(ev.Data) {
			return nil, fmt.Errorf("%w: message is not valid UTF-8", ErrInvalidFrame)
		}
		return json.Marshal(map[string]string{keyMessage: string(ev.Data)})
	case EventError:
		return json.Marshal(map[string]string{keyError: ev.Err})
	case EventClose:
		return []byte(`{"` + keyClose + `":null}`), nil
	case EventConnect:
		return []byte(`{"` + keyConnect + `":null}`), nil
	default:
		return nil, fmt.Errorf("%w: unsupported event type %d", ErrInvalidFrame, ev.Type)
	}
}

// Decode parses a channel frame. Exactly one known key must be present.
func Decode(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(fields) != 1 {
		return Event{}, fmt.Errorf("%w: expected one key, got %d", ErrInvalidFrame, len(fields))
	}

	for key, raw := range fields {
		switch key {
		case keyMessage:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return Event{}, fmt.Errorf("%w: %s must be a string", ErrInvalidFrame, keyMessage)
			}
			return Message([]byte(s)), nil
		case keyError:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				// tolerate structured error values
				s = string(bytes.TrimSpace(raw))
			}
			return Error(s), nil
		case keyClose:
			return Closed(), nil
		case keyConnect:
			return Connected(), nil
		default:
			return Event{}, fmt.Errorf("%w: unknown key %q", ErrInvalidFrame, key)
		}
	}
	return Event{}, ErrInvalidFrame
}
