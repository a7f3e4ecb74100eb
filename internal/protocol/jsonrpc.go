// Package protocol defines the Cauce wire protocol: JSON-RPC 2.0 framing,
// the signal/action data model, topic syntax, and the error code space.
package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// MessageKind discriminates the three JSON-RPC message shapes.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// Message is a single JSON-RPC 2.0 frame. Exactly one of the three shapes is
// populated: Request (ID + Method), Response (ID + Result|Error), or
// Notification (Method, no ID). The ID is kept raw so that string and numeric
// ids round-trip untouched.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Kind classifies the message by presence of id, method and result/error.
func (m *Message) Kind() MessageKind {
	if m.ID == nil {
		return KindNotification
	}
	if m.Result != nil || m.Error != nil {
		return KindResponse
	}
	return KindRequest
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool { return m.Kind() == KindRequest }

// Parse decodes a single frame and validates the envelope.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error", Data: errData(err)}
	}
	if m.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", m.JSONRPC)}
	}
	if m.ID == nil && m.Method == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "message has neither method nor id"}
	}
	if m.Result != nil && m.Error != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "response carries both result and error"}
	}
	return &m, nil
}

// Encode serializes the frame with the jsonrpc envelope set.
func (m *Message) Encode() ([]byte, error) {
	m.JSONRPC = Version
	return json.Marshal(m)
}

// NewRequest builds a request frame. The params value is marshalled in place.
func NewRequest(id any, method string, params any) (*Message, error) {
	rawID, err := marshalID(id)
	if err != nil {
		return nil, err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: rawID, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame (no id, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response mirroring the request id.
func NewResult(id *json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response mirroring the request id. A nil id yields
// the JSON-RPC null id, used when the request id could not be recovered.
func NewError(id *json.RawMessage, rpcErr *Error) *Message {
	if id == nil {
		null := json.RawMessage("null")
		id = &null
	}
	return &Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalID(id any) (*json.RawMessage, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	rm := json.RawMessage(raw)
	return &rm, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

func errData(err error) map[string]any {
	return map[string]any{"detail": err.Error()}
}
