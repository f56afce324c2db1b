// ABOUTME: Wire frame types for the agent protocol (req/res/event) and their codec.
// ABOUTME: Decode parses the kind discriminator first, then the typed frame.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only protocol revision this client negotiates.
const ProtocolVersion = 3

// Frame kinds.
const (
	KindRequest  = "req"
	KindResponse = "res"
	KindEvent    = "event"
)

// Known request methods.
const (
	MethodConnect        = "connect"
	MethodChatSend       = "chat.send"
	MethodSessionHistory = "session.history"
	MethodSessionList    = "session.list"
)

// EventChat is the event name carrying run deltas and terminal states.
const EventChat = "chat"

// ErrMalformedFrame indicates an inbound message that is not a valid frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one of *Request, *Response or *Event.
type Frame interface {
	FrameKind() string
}

// Request invokes a method on the remote endpoint.
type Request struct {
	Kind   string          `json:"kind"`
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// FrameKind implements Frame.
func (*Request) FrameKind() string { return KindRequest }

// Response answers the request with the same ID.
type Response struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// FrameKind implements Frame.
func (*Response) FrameKind() string { return KindResponse }

// ErrorShape describes a failed request.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is pushed by the endpoint without a preceding request.
type Event struct {
	Kind    string          `json:"kind"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// FrameKind implements Frame.
func (*Event) FrameKind() string { return KindEvent }

// Decode parses a single frame. Any JSON error or unknown kind is reported as
// ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var f Frame
	switch head.Kind {
	case KindRequest:
		f = &Request{}
	case KindResponse:
		f = &Response{}
	case KindEvent:
		f = &Event{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, head.Kind)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// Encode serializes a frame, filling in its kind.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Request:
		v.Kind = KindRequest
		if v.Params == nil {
			v.Params = json.RawMessage(`{}`)
		}
	case *Response:
		v.Kind = KindResponse
	case *Event:
		v.Kind = KindEvent
	default:
		return nil, fmt.Errorf("unsupported frame type %T", f)
	}
	return json.Marshal(f)
}

// NewOKResponse creates a success response for the request id.
func NewOKResponse(id string, payload any) *Response {
	return &Response{
		Kind:    KindResponse,
		ID:      id,
		OK:      true,
		Payload: rawJSON(payload),
	}
}

// NewErrorResponse creates a failure response for the request id.
func NewErrorResponse(id, code, message string) *Response {
	return &Response{
		Kind: KindResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates an event frame.
func NewEvent(name string, payload any) *Event {
	return &Event{
		Kind:    KindEvent,
		Event:   name,
		Payload: rawJSON(payload),
	}
}

// rawJSON marshals v, which is always one of this package's plain structs or
// maps, so the error is not reachable.
func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, _ := json.Marshal(v)
	return data
}
