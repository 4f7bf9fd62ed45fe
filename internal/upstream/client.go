package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gaspardpetit/streamhub/sdk/contracts/stream"
)

// ErrUnavailable wraps network failures reaching the upstream.
var ErrUnavailable = errors.New("upstream unavailable")

// StatusError is returned for non-success upstream responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// Request describes one upstream stream to open.
type Request struct {
	ConnectionID string
	UserID       string
	Params       map[string]any
}

// Source opens upstream token streams. The returned body is owned by the caller.
type Source interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Client is an HTTP Source posting the request params as JSON.
type Client struct {
	URL    string
	APIKey string
	HTTP   *http.Client
}

// NewClient returns a Client for url. connectTimeout bounds the time to
// response headers only; the body may stream for as long as the context allows.
func NewClient(url, apiKey string, connectTimeout time.Duration) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		tr.ResponseHeaderTimeout = connectTimeout
	}
	return &Client{URL: url, APIKey: apiKey, HTTP: &http.Client{Transport: tr}}
}

// Open implements Source.
func (c *Client) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "text/event-stream")
	hr.Header.Set("Cache-Control", "no-store")
	if req.ConnectionID != "" {
		hr.Header.Set(stream.HeaderConnectionID, req.ConnectionID)
	}
	if req.UserID != "" {
		hr.Header.Set("X-User-Id", req.UserID)
	}
	if c.APIKey != "" {
		hr.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp.Body, nil
}

// Stream reads parsed events from an upstream body.
type Stream struct {
	body    io.ReadCloser
	parser  Parser
	pending []Event
	errs    []error
	buf     []byte
	err     error
}

// NewStream wraps body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, buf: make([]byte, 4096)}
}

// Next returns the next event. An error wrapping ErrMalformed concerns one
// block only and the caller may continue; io.EOF means the body ended cleanly.
func (s *Stream) Next() (Event, error) {
	for {
		if len(s.errs) > 0 {
			err := s.errs[0]
			s.errs = s.errs[1:]
			return Event{}, err
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.err != nil {
			return Event{}, s.err
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			evs, errs := s.parser.Feed(s.buf[:n])
			s.pending = append(s.pending, evs...)
			s.errs = append(s.errs, errs...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.parser.Buffered() > 0 {
					evs, errs := s.parser.Feed([]byte("\n\n"))
					s.pending = append(s.pending, evs...)
					s.errs = append(s.errs, errs...)
				}
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}
}

// Close releases the upstream body. Safe to call more than once.
func (s *Stream) Close() error {
	return s.body.Close()
}
