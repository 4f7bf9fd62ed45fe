package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gaspardpetit/streamhub/sdk/contracts/stream"
)

// ErrMalformed marks a single upstream block that could not be understood.
// The stream itself remains usable.
var ErrMalformed = errors.New("malformed upstream block")

// EventKind classifies a parsed upstream block.
type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one complete upstream block.
type Event struct {
	Kind    EventKind
	Content string
	Message string
}

// MaxBlockBytes is the default cap on a single buffered upstream block.
const MaxBlockBytes = 1 << 20

// Parser splits an upstream byte stream into blocks. Partial input stays
// buffered until the blank line that terminates its block arrives.
type Parser struct {
	// Max caps the bytes held for one unterminated block; zero means
	// MaxBlockBytes. An oversized block is dropped as malformed and input is
	// discarded up to its terminator.
	Max int

	buf      []byte
	skipping bool
}

// Feed appends chunk and returns every block it completed. Malformed blocks
// are reported in errs and dropped; the remaining events are still returned.
func (p *Parser) Feed(chunk []byte) (events []Event, errs []error) {
	p.buf = append(p.buf, chunk...)
	if bytes.Contains(p.buf, []byte("\r\n")) {
		p.buf = bytes.ReplaceAll(p.buf, []byte("\r\n"), []byte("\n"))
	}
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx == -1 {
			break
		}
		block := string(p.buf[:idx])
		p.buf = p.buf[idx+2:]
		if p.skipping {
			p.skipping = false
			continue
		}
		ev, ok, err := decodeBlock(block)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	if limit := p.limit(); len(p.buf) > limit {
		if !p.skipping {
			errs = append(errs, fmt.Errorf("%w: block exceeds %d bytes", ErrMalformed, limit))
			p.skipping = true
		}
		// keep the last byte: it may be half of the terminator
		p.buf = append(p.buf[:0], p.buf[len(p.buf)-1])
	}
	return events, errs
}

func (p *Parser) limit() int {
	if p.Max > 0 {
		return p.Max
	}
	return MaxBlockBytes
}

// Buffered returns the number of bytes waiting for a block terminator.
func (p *Parser) Buffered() int { return len(p.buf) }

type upstreamPayload struct {
	Type    string  `json:"type"`
	Content *string `json:"content"`
	Token   *string `json:"token"`
	Message string  `json:"message"`
	Error   any     `json:"error"`
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// decodeBlock interprets one block. ok is false for blocks that carry no
// client-visible content (comments, role-only deltas, usage reports).
func decodeBlock(raw string) (Event, bool, error) {
	b := stream.ParseBlock(raw)
	data := strings.TrimSpace(b.Data)
	if data == "" {
		return Event{}, false, nil
	}
	if data == "[DONE]" {
		return Event{Kind: EventDone}, true, nil
	}
	var p upstreamPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if b.Event == "error" || p.Type == "error" || (p.Error != nil && p.Content == nil && len(p.Choices) == 0) {
		msg := p.Message
		if msg == "" {
			msg = errorText(p.Error)
		}
		if msg == "" {
			msg = "upstream reported an error"
		}
		return Event{Kind: EventError, Message: msg}, true, nil
	}
	switch p.Type {
	case "done", "end", "complete":
		return Event{Kind: EventDone}, true, nil
	}
	if p.Content != nil {
		return Event{Kind: EventToken, Content: *p.Content}, true, nil
	}
	if p.Token != nil {
		return Event{Kind: EventToken, Content: *p.Token}, true, nil
	}
	if p.Type == "token" {
		return Event{}, false, fmt.Errorf("%w: token block without content", ErrMalformed)
	}
	if len(p.Choices) > 0 {
		c := p.Choices[0]
		if c.Delta.Content != nil && *c.Delta.Content != "" {
			return Event{Kind: EventToken, Content: *c.Delta.Content}, true, nil
		}
		return Event{}, false, nil
	}
	if p.Type != "" {
		// metadata and other informational blocks
		return Event{}, false, nil
	}
	return Event{}, false, fmt.Errorf("%w: unrecognized payload", ErrMalformed)
}

func errorText(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	}
	return ""
}
