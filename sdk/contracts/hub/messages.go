// Package hub defines the JSON frames exchanged with the pub/sub hub.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InboundType is a client → hub frame kind.
type InboundType string

const (
	InSubscribe   InboundType = "subscribe"
	InUnsubscribe InboundType = "unsubscribe"
	InPing        InboundType = "ping"
	InMessage     InboundType = "message"
)

// OutboundType is a hub → client frame kind.
type OutboundType string

const (
	OutConnected    OutboundType = "connected"
	OutSubscribed   OutboundType = "subscribed"
	OutUnsubscribed OutboundType = "unsubscribed"
	OutPong         OutboundType = "pong"
	OutMessage      OutboundType = "message"
	OutError        OutboundType = "error"
)

var (
	ErrMalformed      = errors.New("malformed hub frame")
	ErrUnknownType    = errors.New("unknown hub frame type")
	ErrMissingChannel = errors.New("channel required")
)

// Inbound is a validated client frame.
type Inbound struct {
	Type    InboundType     `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseInbound decodes and validates a client frame. An ErrUnknownType result
// still carries the decoded Type so callers can log it.
func ParseInbound(b []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch in.Type {
	case InSubscribe, InUnsubscribe, InMessage:
		if in.Channel == "" {
			return in, fmt.Errorf("%w: %s", ErrMissingChannel, in.Type)
		}
	case InPing:
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	return in, nil
}

// Outbound is a hub frame sent to clients.
type Outbound struct {
	Type      OutboundType    `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ConnectedData is the payload of the connected frame.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

// ErrorData is the payload of the error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// Encode marshals an outbound frame stamped with the current time.
// data may be nil, a json.RawMessage, or any JSON-marshalable value.
func Encode(t OutboundType, channel string, data any) ([]byte, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Outbound{Type: t, Channel: channel, Data: raw, Timestamp: time.Now().UnixMilli()})
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return json.Marshal(string(v))
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
