package message

import (
	"encoding/json"
	"fmt"
)

// Error is the error member of a Response. Peers are not required to follow the
// {code, message, data} convention, so Raw always keeps the original bytes.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// ParseError decodes an error member, falling back to its raw text.
func ParseError(raw json.RawMessage) *Error {
	e := &Error{Raw: append(json.RawMessage(nil), raw...)}
	var obj struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		e.Code, e.Message, e.Data = obj.Code, obj.Message, obj.Data
		return e
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		return e
	}
	e.Message = string(raw)
	return e
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return "rpc error: " + e.Message
}

// MarshalJSON writes back the original bytes when the error came off the wire.
func (e *Error) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type plain Error
	return json.Marshal((*plain)(e))
}
