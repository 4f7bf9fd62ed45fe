// Package gateway relays an upstream token stream to a browser as server-sent events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/streamhub/core/logx"
	"github.com/gaspardpetit/streamhub/internal/connreg"
	"github.com/gaspardpetit/streamhub/internal/metrics"
	"github.com/gaspardpetit/streamhub/internal/upstream"
	"github.com/gaspardpetit/streamhub/sdk/contracts/stream"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultReapInterval      = 30 * time.Second

	maxBodyBytes = 1 << 20
)

var (
	// ErrMaxAgeExceeded is the cancellation cause used by the reaper.
	ErrMaxAgeExceeded = errors.New("stream exceeded maximum age")
	// ErrShuttingDown is the cancellation cause used when the server stops.
	ErrShuttingDown = errors.New("server shutting down")
)

// Stream outcomes, as reported to metrics.
const (
	OutcomeDone         = "done"
	OutcomeError        = "error"
	OutcomeClientClosed = "client_closed"
	OutcomeReaped       = "reaped"
	OutcomeShutdown     = "shutdown"
)

// Config tunes a Gateway. Zero values pick the defaults.
type Config struct {
	HeartbeatInterval time.Duration
	// MaxAge bounds the lifetime of a stream; zero disables the reaper.
	MaxAge       time.Duration
	ReapInterval time.Duration
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithDrainCheck makes the gateway refuse new streams while fn reports true.
func WithDrainCheck(fn func() bool) Option {
	return func(g *Gateway) { g.draining = fn }
}

// Gateway serves /api/stream. It owns the registry of its live streams.
type Gateway struct {
	cfg      Config
	source   upstream.Source
	conns    *connreg.Registry[*session]
	draining func() bool
	now      func() time.Time
}

// New returns a Gateway reading from src.
func New(src upstream.Source, cfg Config, opts ...Option) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	g := &Gateway{cfg: cfg, source: src, conns: connreg.New[*session](), now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Stats describes the live streams.
type Stats struct {
	Active  int            `json:"active"`
	Streams []connreg.Info `json:"streams"`
}

// Stats returns a snapshot of the live streams.
func (g *Gateway) Stats() Stats {
	infos := g.conns.Infos()
	return Stats{Active: len(infos), Streams: infos}
}

// Len returns the number of live streams.
func (g *Gateway) Len() int { return g.conns.Len() }

// Run reaps streams older than MaxAge until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	if g.cfg.MaxAge <= 0 {
		return
	}
	t := time.NewTicker(g.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := g.Reap(); n > 0 {
				logx.Log.Info().Int("count", n).Dur("max_age", g.cfg.MaxAge).Msg("reaped streams")
			}
		}
	}
}

// Reap cancels every stream older than MaxAge and returns how many it found.
// The owning handlers emit the error frame and clean up.
func (g *Gateway) Reap() int {
	if g.cfg.MaxAge <= 0 {
		return 0
	}
	stale := g.conns.OlderThan(g.now(), g.cfg.MaxAge)
	for _, c := range stale {
		c.Close(ErrMaxAgeExceeded)
	}
	return len(stale)
}

// CloseAll cancels every live stream with cause and returns the count.
func (g *Gateway) CloseAll(cause error) int {
	snap := g.conns.Snapshot()
	for _, c := range snap {
		c.Close(cause)
	}
	return len(snap)
}

// ServeHTTP starts one stream. GET takes its parameters from the query string,
// POST from a JSON object body.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining != nil && g.draining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	params, err := requestParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := connectionID(r)
	ctx, cancel := context.WithCancelCause(r.Context())
	s := &session{g: g, started: g.now()}
	s.conn = connreg.NewConn(id, connreg.KindStream, r.Header.Get("X-User-Id"), s, cancel)
	if err := g.conns.Add(s.conn); err != nil {
		cancel(err)
		http.Error(w, "connection id already in use", http.StatusConflict)
		return
	}
	metrics.StreamOpened()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(stream.HeaderConnectionID, id)
	w.WriteHeader(http.StatusOK)
	s.w = stream.NewWriter(w)

	logx.Log.Info().Str("conn_id", id).Str("user_id", s.conn.UserID).Msg("stream opened")
	s.run(ctx, upstream.Request{ConnectionID: id, UserID: s.conn.UserID, Params: params})
}

func connectionID(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("connection_id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(stream.HeaderConnectionID)); id != "" {
		return id
	}
	return connreg.NewID()
}

func requestParams(r *http.Request) (map[string]any, error) {
	params := map[string]any{}
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &params); err != nil {
				return nil, errors.New("request body must be a JSON object")
			}
		}
		return params, nil
	}
	for k, v := range r.URL.Query() {
		if k == "connection_id" {
			continue
		}
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	return params, nil
}

// session is the per-stream state. Frames are written only from the
// handler goroutine in run.
type session struct {
	g       *Gateway
	conn    *connreg.Conn[*session]
	w       *stream.Writer
	started time.Time
	ticker  *time.Ticker

	mu      sync.Mutex
	up      *upstream.Stream
	closed  bool
	once    sync.Once
	outcome string
}

type pumpResult struct {
	ev  upstream.Event
	err error
}

func (s *session) run(ctx context.Context, req upstream.Request) {
	s.outcome = OutcomeClientClosed
	defer s.cleanup()

	meta := stream.Metadata{ConnectionID: s.conn.ID, StartedAt: s.started.UnixMilli()}
	if err := s.write(meta); err != nil {
		return
	}

	results := make(chan pumpResult)
	go s.pump(ctx, req, results)

	s.ticker = time.NewTicker(s.g.cfg.HeartbeatInterval)
	for {
		select {
		case <-ctx.Done():
			s.cancelled(context.Cause(ctx))
			return
		case <-s.ticker.C:
			if err := s.write(stream.Heartbeat{}); err != nil {
				return
			}
		case res, ok := <-results:
			// the pump also stops on cancellation; the cause decides the frame
			if ctx.Err() != nil {
				s.cancelled(context.Cause(ctx))
				return
			}
			if !ok {
				return
			}
			if res.err != nil {
				s.upstreamFailed(res.err)
				return
			}
			if done := s.forward(res.ev); done {
				return
			}
		}
	}
}

// pump opens the upstream and feeds complete events to out. It never writes
// to the client.
func (s *session) pump(ctx context.Context, req upstream.Request, out chan<- pumpResult) {
	defer close(out)
	send := func(r pumpResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}
	body, err := s.g.source.Open(ctx, req)
	if err != nil {
		send(pumpResult{err: err})
		return
	}
	up := upstream.NewStream(body)
	if !s.attach(up) {
		return
	}
	for {
		ev, err := up.Next()
		if err != nil {
			if errors.Is(err, upstream.ErrMalformed) {
				logx.Log.Warn().Err(err).Str("conn_id", s.conn.ID).Msg("dropping malformed upstream block")
				metrics.RecordMalformedUpstream()
				continue
			}
			send(pumpResult{err: err})
			return
		}
		if !send(pumpResult{ev: ev}) {
			return
		}
		if ev.Kind != upstream.EventToken {
			return
		}
	}
}

// attach records the upstream so cleanup can close it. A stream attached
// after cleanup is closed immediately.
func (s *session) attach(up *upstream.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = up.Close()
		return false
	}
	s.up = up
	return true
}

func (s *session) forward(ev upstream.Event) bool {
	switch ev.Kind {
	case upstream.EventToken:
		if s.conn.Metrics.AddToken(s.g.now().Sub(s.started)) {
			metrics.ObserveFirstToken(s.conn.Metrics.Snapshot().FirstTokenLatency)
		}
		if err := s.write(stream.Token{Content: ev.Content}); err != nil {
			return true
		}
		return false
	case upstream.EventDone:
		if err := s.write(stream.Done{Metrics: s.summary()}); err == nil {
			s.outcome = OutcomeDone
		}
		return true
	default:
		s.fail(stream.CodeUpstreamError, ev.Message)
		return true
	}
}

func (s *session) upstreamFailed(err error) {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, io.EOF):
		s.fail(stream.CodeUpstreamIncomplete, "upstream ended without a terminal event")
	case errors.As(err, &se):
		s.fail(stream.CodeUpstreamStatus, se.Error())
	case errors.Is(err, upstream.ErrUnavailable):
		s.fail(stream.CodeUpstreamUnavailable, err.Error())
	default:
		s.fail(stream.CodeUpstreamError, err.Error())
	}
	logx.Log.Warn().Err(err).Str("conn_id", s.conn.ID).Msg("upstream failed")
}

func (s *session) cancelled(cause error) {
	switch {
	case errors.Is(cause, ErrMaxAgeExceeded):
		if s.fail(stream.CodeMaxAgeExceeded, "stream exceeded its maximum age") {
			s.outcome = OutcomeReaped
		}
	case errors.Is(cause, ErrShuttingDown):
		if s.fail(stream.CodeShuttingDown, "server is shutting down") {
			s.outcome = OutcomeShutdown
		}
	default:
		logx.Log.Debug().Str("conn_id", s.conn.ID).Msg("client disconnected")
	}
}

// fail writes the terminal error frame. A write failure here only means the
// client is already gone.
func (s *session) fail(code, msg string) bool {
	if err := s.write(stream.Error{Code: code, Message: msg}); err != nil {
		s.outcome = OutcomeClientClosed
		return false
	}
	s.outcome = OutcomeError
	return true
}

func (s *session) write(p stream.Payload) error {
	before := s.w.Bytes()
	f, err := s.w.Write(p)
	n := s.w.Bytes() - before
	if err != nil {
		logx.Log.Debug().Err(err).Str("conn_id", s.conn.ID).Str("type", string(p.FrameType())).Msg("client write failed")
		return err
	}
	s.conn.Metrics.AddFrame(n)
	s.conn.Touch()
	metrics.RecordFrame(string(f.Type()), int(n))
	return nil
}

func (s *session) summary() stream.Metrics {
	m := s.conn.Metrics.Snapshot()
	return stream.Metrics{
		TokensReceived:      m.Tokens,
		FramesForwarded:     m.Frames,
		BytesForwarded:      m.Bytes,
		FirstTokenLatencyMs: m.FirstTokenLatency.Milliseconds(),
		DurationMs:          s.g.now().Sub(s.started).Milliseconds(),
	}
}

// cleanup releases every resource the stream holds. It runs once; later
// calls are no-ops.
func (s *session) cleanup() {
	s.once.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.g.conns.Remove(s.conn.ID)
		s.mu.Lock()
		s.closed = true
		up := s.up
		s.mu.Unlock()
		if up != nil {
			_ = up.Close()
		}
		s.conn.Close(context.Canceled)
		dur := s.g.now().Sub(s.started)
		metrics.StreamClosed(s.outcome, dur)
		m := s.conn.Metrics.Snapshot()
		logx.Log.Info().Str("conn_id", s.conn.ID).Str("outcome", s.outcome).
			Int64("tokens", m.Tokens).Int64("frames", m.Frames).Dur("duration", dur).Msg("stream closed")
	})
}
