// ABOUTME: JSON frame codec for the fold gateway wire protocol.
// ABOUTME: Parses and validates the three tagged frame kinds before correlation logic sees them.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type tags. These are wire-level constants; the remote service
// discriminates frames by this field and nothing else.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Response payload status values. A request configured for two responses
// receives one provisional "accepted" response before its terminal "ok"
// response.
const (
	StatusAccepted = "accepted"
	StatusOK       = "ok"
)

// Codec errors.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// Request is a client-to-server frame invoking a gateway method.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a server-to-client frame answering a request. A single
// request id may receive one provisional response followed by exactly
// one terminal response; Provisional and Terminal classify them.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Event is an unsolicited server-to-client frame scoped to a session
// rather than a request id.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is the error body carried by a failed response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so a remote failure can be
// surfaced verbatim to a caller.
func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame with the type tag set.
func NewRequest(id, method string, params json.RawMessage) *Request {
	return &Request{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// statusProbe extracts the status discriminator from a response payload.
type statusProbe struct {
	Status string `json:"status"`
}

// Status returns the payload status field, or "" if the payload has none.
func (r *Response) Status() string {
	if len(r.Payload) == 0 {
		return ""
	}
	var probe statusProbe
	if err := json.Unmarshal(r.Payload, &probe); err != nil {
		return ""
	}
	return probe.Status
}

// Provisional reports whether this response is the non-terminal
// acknowledgement of a two-response request.
func (r *Response) Provisional() bool {
	return r.OK && r.Status() == StatusAccepted
}

// Terminal reports whether this response ends its request's lifecycle.
// Every error response is terminal; a successful response is terminal
// unless it carries the provisional "accepted" status.
func (r *Response) Terminal() bool {
	return !r.Provisional()
}

// Decode parses a single inbound frame and returns one of *Request,
// *Response, or *Event. Anything that does not match one of the three
// tagged shapes is rejected with ErrMalformedFrame or ErrUnknownType;
// callers drop rejected frames with a logged warning rather than
// propagating them.
func Decode(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch probe.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if req.ID == "" || req.Method == "" {
			return nil, fmt.Errorf("%w: request missing id or method", ErrMalformedFrame)
		}
		return &req, nil

	case TypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if res.ID == "" {
			return nil, fmt.Errorf("%w: response missing id", ErrMalformedFrame)
		}
		if !res.OK && res.Error == nil {
			return nil, fmt.Errorf("%w: failed response missing error body", ErrMalformedFrame)
		}
		return &res, nil

	case TypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if ev.Event == "" {
			return nil, fmt.Errorf("%w: event missing name", ErrMalformedFrame)
		}
		return &ev, nil

	case "":
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedFrame)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}

// Encode serializes an outbound frame. The frame must be one of
// *Request, *Response, or *Event with its type tag already set; Encode
// fills a missing tag for the pointer variants it recognizes.
func Encode(frame any) ([]byte, error) {
	switch f := frame.(type) {
	case *Request:
		if f.Type == "" {
			f.Type = TypeRequest
		}
	case *Response:
		if f.Type == "" {
			f.Type = TypeResponse
		}
	case *Event:
		if f.Type == "" {
			f.Type = TypeEvent
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, frame)
	}
	return json.Marshal(frame)
}
