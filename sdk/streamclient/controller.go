// Package streamclient keeps one logical subscription to a streaming gateway
// alive across network failures.
//
// Every connect, including a reconnect, opens a fresh stream under a new
// connection id: the gateway does not resume, so sequence numbers restart at
// zero and frames emitted while disconnected are lost.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/streamhub/core/logx"
	"github.com/gaspardpetit/streamhub/core/reconnect"
	"github.com/gaspardpetit/streamhub/sdk/contracts/stream"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMessageTimeout    = 2 * time.Minute
)

var (
	// ErrReconnectExhausted is reported through OnError once the backoff
	// policy runs out of attempts. Only Reset recovers.
	ErrReconnectExhausted = reconnect.ErrExhausted
	ErrHeartbeatTimeout   = errors.New("no frame within heartbeat window")
	ErrMessageTimeout     = errors.New("no frame within message timeout")
	ErrIncomplete         = errors.New("stream ended without a terminal frame")
	ErrNotConnected       = errors.New("no stream parameters; call Connect first")
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StatusError reports a non-200 gateway response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("gateway returned status %d", e.Code) }

// FrameError wraps an error frame received from the gateway.
type FrameError struct {
	Code    string
	Message string
}

func (e *FrameError) Error() string { return fmt.Sprintf("stream error %s: %s", e.Code, e.Message) }

// Options configures a Controller.
type Options struct {
	// URL of the gateway stream endpoint.
	URL        string
	HTTPClient *http.Client
	Header     http.Header
	Policy     reconnect.Policy
	// HeartbeatInterval is the server's heartbeat period. The stream is
	// considered stale after twice this long without a frame. A negative
	// value disables the heartbeat monitor.
	HeartbeatInterval time.Duration
	// MessageTimeout is the longer backstop window. Negative disables it.
	MessageTimeout time.Duration

	OnFrame       func(stream.Frame)
	OnStateChange func(State)
	// OnError receives the terminal ErrReconnectExhausted.
	OnError func(error)
}

// Stats are diagnostic counters.
type Stats struct {
	Connects          int64         `json:"connects"`
	Disconnects       int64         `json:"disconnects"`
	Errors            int64         `json:"errors"`
	Messages          int64         `json:"messages"`
	ReconnectAttempts int64         `json:"reconnect_attempts"`
	SequenceGaps      int64         `json:"sequence_gaps"`
	ConnectedTime     time.Duration `json:"connected_time"`
}

// Controller owns one logical stream subscription. All methods are safe for
// concurrent use; callbacks run without the controller lock held.
type Controller struct {
	opts Options

	mu          sync.Mutex
	state       State
	params      url.Values
	connID      string
	gen         uint64
	cancel      context.CancelFunc
	backoff     *reconnect.Backoff
	hbTimer     *time.Timer
	msgTimer    *time.Timer
	retryTimer  *time.Timer
	connectedAt time.Time
	nextSeq     int64
	stats       Stats
}

// New returns an idle Controller.
func New(opts Options) *Controller {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MessageTimeout == 0 {
		opts.MessageTimeout = DefaultMessageTimeout
	}
	if opts.Policy == (reconnect.Policy{}) {
		opts.Policy = reconnect.DefaultPolicy()
	}
	return &Controller{opts: opts, backoff: reconnect.New(opts.Policy)}
}

// Connect starts a new logical stream with params, replacing any current one.
func (c *Controller) Connect(params url.Values) error {
	if _, err := url.Parse(c.opts.URL); err != nil || c.opts.URL == "" {
		return fmt.Errorf("invalid gateway url %q", c.opts.URL)
	}
	c.mu.Lock()
	c.teardownLocked()
	c.params = cloneValues(params)
	c.backoff.Reset()
	notify := c.startLocked()
	c.mu.Unlock()
	notify()
	return nil
}

// Disconnect closes the stream and cancels every pending timer. No reconnect
// is scheduled afterwards. Calling it again is a no-op.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.stats.Disconnects++
	notify := c.setStateLocked(StateIdle)
	c.mu.Unlock()
	notify()
}

// Reset clears the backoff and immediately starts a new connection cycle
// with the last parameters. It is the only way out of StateFailed.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.params == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.teardownLocked()
	c.backoff.Reset()
	notify := c.startLocked()
	c.mu.Unlock()
	notify()
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id of the current or last underlying stream.
func (c *Controller) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	if !c.connectedAt.IsZero() {
		st.ConnectedTime += time.Since(c.connectedAt)
	}
	return st
}

// teardownLocked invalidates the current attempt and stops every timer.
func (c *Controller) teardownLocked() {
	c.gen++
	stopTimer(&c.hbTimer)
	stopTimer(&c.msgTimer)
	stopTimer(&c.retryTimer)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if !c.connectedAt.IsZero() {
		c.stats.ConnectedTime += time.Since(c.connectedAt)
		c.connectedAt = time.Time{}
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// startLocked launches a new attempt with a fresh connection id.
func (c *Controller) startLocked() func() {
	c.gen++
	gen := c.gen
	c.connID = uuid.NewString()
	c.nextSeq = 0
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx, gen, c.connID, cloneValues(c.params))
	return c.setStateLocked(StateConnecting)
}

func (c *Controller) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	cb := c.opts.OnStateChange
	return func() {
		if cb != nil {
			cb(s)
		}
	}
}

func (c *Controller) run(ctx context.Context, gen uint64, connID string, params url.Values) {
	log := logx.Log.With().Str("conn_id", connID).Logger()
	u, _ := url.Parse(c.opts.URL)
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("connection_id", connID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		c.fail(gen, err)
		return
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(stream.HeaderConnectionID, connID)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.fail(gen, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.fail(gen, &StatusError{Code: resp.StatusCode})
		return
	}
	if !c.opened(gen) {
		return
	}
	log.Debug().Msg("stream open")

	rd := stream.NewReader(resp.Body)
	for {
		f, err := rd.Next()
		if err != nil {
			if errors.Is(err, stream.ErrMalformed) || errors.Is(err, stream.ErrUnknownType) {
				log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrIncomplete
			}
			c.fail(gen, err)
			return
		}
		if !c.frame(gen, f) {
			return
		}
	}
}

// opened records a successful open. It returns false when the attempt is stale.
func (c *Controller) opened(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.backoff.Reset()
	c.stats.Connects++
	c.connectedAt = time.Now()
	c.armMonitorsLocked(gen)
	notify := c.setStateLocked(StateOpen)
	c.mu.Unlock()
	notify()
	return true
}

func (c *Controller) armMonitorsLocked(gen uint64) {
	if d := c.opts.HeartbeatInterval; d > 0 {
		if c.hbTimer == nil {
			c.hbTimer = time.AfterFunc(2*d, func() { c.fail(gen, ErrHeartbeatTimeout) })
		} else {
			c.hbTimer.Reset(2 * d)
		}
	}
	if d := c.opts.MessageTimeout; d > 0 {
		if c.msgTimer == nil {
			c.msgTimer = time.AfterFunc(d, func() { c.fail(gen, ErrMessageTimeout) })
		} else {
			c.msgTimer.Reset(d)
		}
	}
}

// frame handles one decoded frame and reports whether reading should continue.
func (c *Controller) frame(gen uint64, f stream.Frame) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.stats.Messages++
	c.armMonitorsLocked(gen)
	if f.Sequence != c.nextSeq {
		c.stats.SequenceGaps++
		logx.Log.Warn().Str("conn_id", c.connID).Int64("expected", c.nextSeq).Int64("got", f.Sequence).
			Str("type", string(f.Type())).Msg("sequence gap")
		c.nextSeq = f.Sequence
	}
	if f.IsContent() {
		c.nextSeq++
	}
	onFrame := c.opts.OnFrame
	c.mu.Unlock()

	if onFrame != nil {
		onFrame(f)
	}

	switch p := f.Payload.(type) {
	case stream.Done:
		c.finish(gen)
		return false
	case stream.Error:
		c.fail(gen, &FrameError{Code: p.Code, Message: p.Message})
		return false
	}
	return true
}

// finish ends the logical stream normally.
func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	notify := c.setStateLocked(StateDone)
	c.mu.Unlock()
	notify()
}

// fail handles an abnormal close of attempt gen and schedules the next one.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stats.Errors++
	connID := c.connID
	c.teardownLocked()
	delay, ok := c.backoff.Next()
	if !ok {
		notify := c.setStateLocked(StateFailed)
		onErr := c.opts.OnError
		attempts := c.backoff.Attempt() - 1
		c.mu.Unlock()
		logx.Log.Error().Err(err).Int("attempts", attempts).Msg("giving up on stream")
		notify()
		if onErr != nil {
			onErr(errors.Join(ErrReconnectExhausted, err))
		}
		return
	}
	c.stats.ReconnectAttempts++
	next := c.gen
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(next) })
	notify := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()
	logx.Log.Warn().Err(err).Str("conn_id", connID).Dur("delay", delay).Msg("stream lost; reconnecting")
	notify()
}

func (c *Controller) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	notify := c.startLocked()
	c.mu.Unlock()
	notify()
}

func cloneValues(v url.Values) url.Values {
	res := make(url.Values, len(v))
	for k, vs := range v {
		res[k] = append([]string(nil), vs...)
	}
	return res
}
