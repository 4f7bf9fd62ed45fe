// Package stream defines the client-facing frame protocol of the streaming gateway.
//
// Frames travel as server-sent event blocks:
//
//	event: message
//	data: {"type":"token","data":{"content":"Hello "},"sequence":0,"timestamp":1700000000000}
//
// Content frames (token, done, error) consume per-connection sequence numbers
// starting at zero. Control frames (metadata, heartbeat) are not numbered: they
// repeat the sequence of the next content frame, so a stream may read
// metadata 0, token 0, token 1, heartbeat 2, done 2 on the wire. Sequence is
// only unique among content frames; gap detection must skip control frames.
// Sequences restart at zero on every connection; there is no resumption
// across connections.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType names a frame kind.
type FrameType string

const (
	TypeMetadata  FrameType = "metadata"
	TypeToken     FrameType = "token"
	TypeHeartbeat FrameType = "heartbeat"
	TypeError     FrameType = "error"
	TypeDone      FrameType = "done"
)

// SSE event names.
const (
	EventMessage   = "message"
	EventHeartbeat = "heartbeat"
)

// HeaderConnectionID carries the connection id assigned by the gateway.
const HeaderConnectionID = "X-Connection-Id"

// Error codes carried by error frames.
const (
	CodeUpstreamStatus      = "upstream_status"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamIncomplete  = "upstream_incomplete"
	CodeUpstreamError       = "upstream_error"
	CodeMaxAgeExceeded      = "max_age_exceeded"
	CodeShuttingDown        = "shutting_down"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

// Payload is implemented by every frame body. The set is closed.
type Payload interface {
	FrameType() FrameType
	validate() error
}

// Metadata confirms the connection.
type Metadata struct {
	ConnectionID string `json:"connectionId"`
	StartedAt    int64  `json:"startedAt"`
}

// Token carries one chunk of upstream content.
type Token struct {
	Content string `json:"content"`
}

// Heartbeat keeps intermediaries from timing out an idle stream.
type Heartbeat struct{}

// Error is a terminal failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Done is the terminal success frame.
type Done struct {
	Metrics Metrics `json:"metrics"`
}

// Metrics summarizes one stream; attached to Done.
type Metrics struct {
	TokensReceived      int64 `json:"tokensReceived"`
	FramesForwarded     int64 `json:"framesForwarded"`
	BytesForwarded      int64 `json:"bytesForwarded"`
	FirstTokenLatencyMs int64 `json:"firstTokenLatencyMs"`
	DurationMs          int64 `json:"durationMs"`
}

func (Metadata) FrameType() FrameType  { return TypeMetadata }
func (Token) FrameType() FrameType     { return TypeToken }
func (Heartbeat) FrameType() FrameType { return TypeHeartbeat }
func (Error) FrameType() FrameType     { return TypeError }
func (Done) FrameType() FrameType      { return TypeDone }

func (m Metadata) validate() error {
	if m.ConnectionID == "" {
		return fmt.Errorf("%w: metadata without connectionId", ErrMalformed)
	}
	return nil
}

func (Token) validate() error     { return nil }
func (Heartbeat) validate() error { return nil }

func (e Error) validate() error {
	if e.Code == "" && e.Message == "" {
		return fmt.Errorf("%w: error frame without code or message", ErrMalformed)
	}
	return nil
}

func (Done) validate() error { return nil }

// Frame is one unit of the client-facing protocol.
type Frame struct {
	Sequence  int64
	Timestamp int64 // unix milliseconds
	Payload   Payload
}

// Type returns the frame kind.
func (f Frame) Type() FrameType {
	if f.Payload == nil {
		return ""
	}
	return f.Payload.FrameType()
}

// IsTerminal reports whether the frame ends the stream.
func (f Frame) IsTerminal() bool {
	t := f.Type()
	return t == TypeDone || t == TypeError
}

// IsContent reports whether the frame consumes a sequence number.
func (f Frame) IsContent() bool {
	t := f.Type()
	return t == TypeToken || t == TypeDone || t == TypeError
}

// Event returns the SSE event name used to carry the frame.
func (f Frame) Event() string {
	if f.Type() == TypeHeartbeat {
		return EventHeartbeat
	}
	return EventMessage
}

type wireFrame struct {
	Type      FrameType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON encodes the frame as {type, data, sequence, timestamp}.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	data, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{Type: f.Type(), Data: data, Sequence: f.Sequence, Timestamp: f.Timestamp})
}

// UnmarshalJSON decodes and validates a frame.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*f = Frame{Sequence: w.Sequence, Timestamp: w.Timestamp, Payload: p}
	return nil
}

func decodePayload(t FrameType, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeMetadata:
		var v Metadata
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeToken:
		var v struct {
			Content *string `json:"content"`
		}
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		if v.Content == nil {
			return nil, fmt.Errorf("%w: token without content", ErrMalformed)
		}
		p = Token{Content: *v.Content}
	case TypeHeartbeat:
		p = Heartbeat{}
	case TypeError:
		var v Error
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeDone:
		var v Done
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
