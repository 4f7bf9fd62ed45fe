// Package hub fans channel messages out to many duplex client connections.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/streamhub/core/logx"
	"github.com/gaspardpetit/streamhub/internal/connreg"
	"github.com/gaspardpetit/streamhub/internal/metrics"
	hubmsg "github.com/gaspardpetit/streamhub/sdk/contracts/hub"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultSendBuffer   = 64

	pingTimeout = 10 * time.Second
)

var (
	ErrNotSubscribed   = errors.New("connection is not subscribed to channel")
	ErrClosed          = errors.New("connection closed")
	ErrLivenessTimeout = errors.New("liveness timeout")
	ErrUnsupportedData = errors.New("binary frames are not supported")
	ErrShuttingDown    = errors.New("server shutting down")
)

// Transport is the wire side of one duplex connection. Write is only ever
// called from the connection's writer goroutine.
type Transport interface {
	Write(ctx context.Context, msg []byte) error
	Ping(ctx context.Context) error
	Close(cause error) error
}

// Client is the hub's per-connection state.
type Client struct {
	tr   Transport
	send chan []byte

	// guarded by Hub.mu
	channels map[string]struct{}
	closed   bool

	once sync.Once
}

// Conn is a hub connection as stored in the registry.
type Conn = connreg.Conn[*Client]

// Config tunes a Hub. Zero values pick the defaults.
type Config struct {
	PingInterval time.Duration
	// LivenessTimeout defaults to three ping intervals.
	LivenessTimeout time.Duration
	SendBuffer      int
}

// Option customizes a Hub.
type Option func(*Hub)

// WithDrainCheck makes the hub refuse new connections while fn reports true.
func WithDrainCheck(fn func() bool) Option {
	return func(h *Hub) { h.draining = fn }
}

// Hub owns the duplex connection registry and the channel index.
type Hub struct {
	cfg      Config
	conns    *connreg.Registry[*Client]
	draining func() bool
	now      func() time.Time

	mu       sync.RWMutex
	channels map[string]map[string]*Conn
}

// New returns an empty Hub.
func New(cfg Config, opts ...Option) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 3 * cfg.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	h := &Hub{
		cfg:      cfg,
		conns:    connreg.New[*Client](),
		now:      time.Now,
		channels: make(map[string]map[string]*Conn),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Draining reports whether new connections should be refused.
func (h *Hub) Draining() bool { return h.draining != nil && h.draining() }

// Attach registers a new connection over tr, starts its writer and queues the
// connected frame. The returned context ends when the connection is closed.
func (h *Hub) Attach(ctx context.Context, id, userID string, tr Transport) (*Conn, context.Context, error) {
	if id == "" {
		id = connreg.NewID()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	cl := &Client{tr: tr, send: make(chan []byte, h.cfg.SendBuffer), channels: map[string]struct{}{}}
	c := connreg.NewConn(id, connreg.KindDuplex, userID, cl, cancel)
	if err := h.conns.Add(c); err != nil {
		cancel(err)
		return nil, nil, err
	}
	metrics.HubConnected()
	go h.writeLoop(ctx, c)
	h.reply(c, hubmsg.OutConnected, "", hubmsg.ConnectedData{ConnectionID: id, UserID: userID})
	logx.Log.Info().Str("conn_id", id).Str("user_id", userID).Msg("hub connection opened")
	return c, ctx, nil
}

func (h *Hub) writeLoop(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.State.send:
			if err := c.State.tr.Write(ctx, msg); err != nil {
				h.Close(c.ID, err)
				return
			}
		}
	}
}

// Close tears down id with cause: it leaves the registry and every channel,
// its context is cancelled and the transport is closed. Closing an unknown or
// already closed connection is a no-op.
func (h *Hub) Close(id string, cause error) {
	c, ok := h.conns.Remove(id)
	if !ok {
		return
	}
	c.State.once.Do(func() {
		h.mu.Lock()
		c.State.closed = true
		for ch := range c.State.channels {
			h.removeLocked(ch, id)
		}
		c.State.channels = nil
		h.mu.Unlock()

		if err := c.State.tr.Close(cause); err != nil {
			logx.Log.Debug().Err(err).Str("conn_id", id).Msg("transport close")
		}
		c.Close(cause)
		reason := closeReason(cause)
		metrics.HubDisconnected(reason)
		logx.Log.Info().Str("conn_id", id).Str("user_id", c.UserID).Str("reason", reason).Msg("hub connection closed")
	})
}

func closeReason(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, ErrClosed):
		return "closed"
	case errors.Is(cause, ErrLivenessTimeout):
		return "timeout"
	case errors.Is(cause, ErrUnsupportedData):
		return "protocol_error"
	case errors.Is(cause, ErrShuttingDown):
		return "shutdown"
	default:
		return "transport_error"
	}
}

// removeLocked drops id from channel and deletes the channel once empty.
func (h *Hub) removeLocked(channel, id string) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribe adds connID to channel. Subscribing twice is a no-op.
func (h *Hub) Subscribe(connID, channel string) error {
	c, ok := h.conns.Get(connID)
	if !ok {
		return connreg.ErrNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.State.closed {
		return ErrClosed
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*Conn)
		h.channels[channel] = subs
	}
	subs[connID] = c
	c.State.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe removes connID from channel.
func (h *Hub) Unsubscribe(connID, channel string) error {
	c, ok := h.conns.Get(connID)
	if !ok {
		return connreg.ErrNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.State.channels[channel]; !ok {
		return ErrNotSubscribed
	}
	delete(c.State.channels, channel)
	h.removeLocked(channel, connID)
	return nil
}

// Subscribed reports whether connID is subscribed to channel.
func (h *Hub) Subscribed(connID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][connID]
	return ok
}

// Channels returns the channels connID is subscribed to, sorted.
func (h *Hub) Channels(connID string) []string {
	c, ok := h.conns.Get(connID)
	if !ok {
		return nil
	}
	h.mu.RLock()
	res := make([]string, 0, len(c.State.channels))
	for ch := range c.State.channels {
		res = append(res, ch)
	}
	h.mu.RUnlock()
	sort.Strings(res)
	return res
}

// Broadcast sends data on channel to every subscriber except excludeID and
// returns how many connections it was queued for. Slow subscribers whose
// queue is full miss the message.
func (h *Hub) Broadcast(channel string, data any, excludeID string) int {
	msg, err := hubmsg.Encode(hubmsg.OutMessage, channel, data)
	if err != nil {
		logx.Log.Warn().Err(err).Str("channel", channel).Msg("broadcast encode failed")
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.channels[channel]))
	for id, c := range h.channels[channel] {
		if id != excludeID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := h.deliver(targets, msg)
	metrics.HubDelivered("broadcast", delivered)
	logx.Log.Debug().Str("channel", channel).Int("subscribers", len(targets)).Int("delivered", delivered).Msg("broadcast")
	return delivered
}

// SendToUser sends data to the connections of userID that are subscribed to
// channel and returns how many connections it was queued for.
func (h *Hub) SendToUser(userID, channel string, data any) int {
	msg, err := hubmsg.Encode(hubmsg.OutMessage, channel, data)
	if err != nil {
		logx.Log.Warn().Err(err).Str("user_id", userID).Msg("send encode failed")
		return 0
	}
	h.mu.RLock()
	var targets []*Conn
	for _, c := range h.channels[channel] {
		if c.UserID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		logx.Log.Info().Str("user_id", userID).Str("channel", channel).Msg("no connections for user")
		return 0
	}
	delivered := h.deliver(targets, msg)
	metrics.HubDelivered("direct", delivered)
	return delivered
}

func (h *Hub) deliver(targets []*Conn, msg []byte) int {
	delivered := 0
	for _, c := range targets {
		if h.enqueue(c, msg) {
			delivered++
		}
	}
	if dropped := len(targets) - delivered; dropped > 0 {
		metrics.HubDropped(dropped)
	}
	return delivered
}

// enqueue never blocks. A full queue drops msg.
func (h *Hub) enqueue(c *Conn, msg []byte) bool {
	select {
	case c.State.send <- msg:
		return true
	default:
		logx.Log.Debug().Str("conn_id", c.ID).Msg("send queue full; dropping message")
		return false
	}
}

func (h *Hub) reply(c *Conn, t hubmsg.OutboundType, channel string, data any) {
	msg, err := hubmsg.Encode(t, channel, data)
	if err != nil {
		logx.Log.Warn().Err(err).Str("conn_id", c.ID).Msg("reply encode failed")
		return
	}
	h.enqueue(c, msg)
}

// HandleMessage processes one text frame received on c.
func (h *Hub) HandleMessage(c *Conn, raw []byte) {
	c.Touch()
	in, err := hubmsg.ParseInbound(raw)
	switch {
	case errors.Is(err, hubmsg.ErrUnknownType):
		logx.Log.Warn().Str("conn_id", c.ID).Str("type", string(in.Type)).Msg("ignoring unknown message type")
		return
	case errors.Is(err, hubmsg.ErrMissingChannel):
		h.reply(c, hubmsg.OutError, "", hubmsg.ErrorData{Message: err.Error()})
		return
	case err != nil:
		logx.Log.Warn().Err(err).Str("conn_id", c.ID).Msg("ignoring malformed message")
		return
	}

	switch in.Type {
	case hubmsg.InSubscribe:
		if err := h.Subscribe(c.ID, in.Channel); err != nil {
			return
		}
		logx.Log.Debug().Str("conn_id", c.ID).Str("channel", in.Channel).Msg("subscribed")
		h.reply(c, hubmsg.OutSubscribed, in.Channel, nil)
	case hubmsg.InUnsubscribe:
		if err := h.Unsubscribe(c.ID, in.Channel); err != nil {
			h.reply(c, hubmsg.OutError, in.Channel, hubmsg.ErrorData{Message: err.Error()})
			return
		}
		h.reply(c, hubmsg.OutUnsubscribed, in.Channel, nil)
	case hubmsg.InPing:
		h.reply(c, hubmsg.OutPong, "", nil)
	case hubmsg.InMessage:
		if !h.Subscribed(c.ID, in.Channel) {
			h.reply(c, hubmsg.OutError, in.Channel, hubmsg.ErrorData{Message: ErrNotSubscribed.Error()})
			return
		}
		h.Broadcast(in.Channel, in.Data, c.ID)
	}
}

// Stats is the hub's administrative snapshot.
type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

// Stats returns the connection count and the subscriber count per channel.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	chans := make(map[string]int, len(h.channels))
	for name, subs := range h.channels {
		chans[name] = len(subs)
	}
	h.mu.RUnlock()
	return Stats{Connections: h.conns.Len(), Channels: chans}
}

// Len returns the number of live connections.
func (h *Hub) Len() int { return h.conns.Len() }

// Run pings every connection each PingInterval and closes the ones that
// stayed silent past LivenessTimeout, until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass and returns how many connections were pinged
// and how many were closed.
func (h *Hub) Sweep(ctx context.Context) (pinged, closed int) {
	now := h.now()
	for _, c := range h.conns.IdleLongerThan(now, h.cfg.LivenessTimeout) {
		logx.Log.Info().Str("conn_id", c.ID).Dur("idle", c.Idle(now)).Msg("closing unresponsive connection")
		h.Close(c.ID, ErrLivenessTimeout)
		closed++
	}
	for _, c := range h.conns.Snapshot() {
		pinged++
		go func(c *Conn) {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := c.State.tr.Ping(pctx); err != nil {
				logx.Log.Debug().Err(err).Str("conn_id", c.ID).Msg("ping failed")
				return
			}
			c.Touch()
		}(c)
	}
	return pinged, closed
}

// CloseAll closes every connection with cause and returns the count.
func (h *Hub) CloseAll(cause error) int {
	snap := h.conns.Snapshot()
	for _, c := range snap {
		h.Close(c.ID, cause)
	}
	return len(snap)
}
