package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Block is one parsed server-sent event block.
type Block struct {
	Event string
	Data  string
}

// ParseBlock parses the lines of one SSE block (without the trailing blank line).
// Multiple data lines are joined with "\n"; comments and unknown fields are ignored.
func ParseBlock(raw string) Block {
	var b Block
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			b.Event = value
		case "data":
			data = append(data, value)
		}
	}
	b.Data = strings.Join(data, "\n")
	return b
}

type flusher interface{ Flush() }

// Writer encodes frames onto a response body and assigns sequence numbers.
// It is safe for concurrent use; each frame is written and flushed atomically.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	seq    int64
	frames int64
	bytes  int64
	now    func() time.Time
}

// NewWriter returns a Writer starting at sequence zero.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, now: time.Now}
}

// Write stamps p with a sequence number and timestamp, writes it and flushes.
func (w *Writer) Write(p Payload) (Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := Frame{Sequence: w.seq, Timestamp: w.now().UnixMilli(), Payload: p}
	b, err := Encode(f)
	if err != nil {
		return f, err
	}
	n, err := w.w.Write(b)
	w.bytes += int64(n)
	if err != nil {
		return f, err
	}
	if fl, ok := w.w.(flusher); ok {
		fl.Flush()
	}
	w.frames++
	if f.IsContent() {
		w.seq++
	}
	return f, nil
}

// Sequence returns the number of content frames written so far.
func (w *Writer) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Frames returns the number of frames written, control frames included.
func (w *Writer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Bytes returns the number of bytes written to the underlying writer.
func (w *Writer) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// Encode renders f as an SSE block terminated by a blank line.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 32)
	buf.WriteString("event: ")
	buf.WriteString(f.Event())
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Reader decodes frames from an SSE body.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next frame. Errors wrapping ErrMalformed or ErrUnknownType
// concern a single block and the caller may keep reading; any other error
// (io.EOF included) ends the stream.
func (r *Reader) Next() (Frame, error) {
	var sb strings.Builder
	for {
		line, err := r.br.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed == "" {
				if sb.Len() == 0 {
					continue
				}
				b := ParseBlock(sb.String())
				sb.Reset()
				if b.Event == "" && b.Data == "" {
					// comment-only keepalive
					continue
				}
				return decodeBlock(b)
			}
			sb.WriteString(trimmed)
			sb.WriteByte('\n')
		}
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

func decodeBlock(b Block) (Frame, error) {
	if b.Data == "" {
		return Frame{}, fmt.Errorf("%w: block without data", ErrMalformed)
	}
	var f Frame
	if err := f.UnmarshalJSON([]byte(b.Data)); err != nil {
		return Frame{}, err
	}
	if b.Event != "" && b.Event != f.Event() {
		return Frame{}, fmt.Errorf("%w: event %q carries %s frame", ErrMalformed, b.Event, f.Type())
	}
	return f, nil
}
