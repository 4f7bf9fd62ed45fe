// Package connreg is the in-memory connection registry shared by the gateway and the hub.
// Each component owns its own Registry instance; nothing here is process-global.
package connreg

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind is the transport kind of a connection.
type Kind string

const (
	KindStream Kind = "stream"
	KindDuplex Kind = "duplex"
)

var (
	ErrDuplicateID = errors.New("connection id already registered")
	ErrNotFound    = errors.New("connection not found")
)

// NewID returns a fresh connection id.
func NewID() string { return uuid.NewString() }

// Metrics are per-connection counters. All methods are safe for concurrent use.
type Metrics struct {
	frames     atomic.Int64
	tokens     atomic.Int64
	bytes      atomic.Int64
	firstToken atomic.Int64 // nanoseconds, 0 until observed
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Frames            int64         `json:"frames"`
	Tokens            int64         `json:"tokens"`
	Bytes             int64         `json:"bytes"`
	FirstTokenLatency time.Duration `json:"first_token_latency"`
}

// AddFrame records one forwarded frame of n bytes.
func (m *Metrics) AddFrame(n int64) {
	m.frames.Add(1)
	m.bytes.Add(n)
}

// AddToken records one forwarded token and returns true when it was the first.
func (m *Metrics) AddToken(sinceStart time.Duration) bool {
	m.tokens.Add(1)
	if sinceStart <= 0 {
		sinceStart = 1
	}
	return m.firstToken.CompareAndSwap(0, int64(sinceStart))
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Frames:            m.frames.Load(),
		Tokens:            m.tokens.Load(),
		Bytes:             m.bytes.Load(),
		FirstTokenLatency: time.Duration(m.firstToken.Load()),
	}
}

// Conn is the registry entry for one logical network session. T is the
// owning component's per-connection state.
type Conn[T any] struct {
	ID        string
	Kind      Kind
	UserID    string
	CreatedAt time.Time
	State     T
	Metrics   Metrics

	lastSeen atomic.Int64
	cancel   context.CancelCauseFunc
}

// NewConn builds an entry created now. cancel is invoked by Close and may be nil.
func NewConn[T any](id string, kind Kind, userID string, state T, cancel context.CancelCauseFunc) *Conn[T] {
	now := time.Now()
	c := &Conn[T]{ID: id, Kind: kind, UserID: userID, CreatedAt: now, State: state, cancel: cancel}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Touch records activity now.
func (c *Conn[T]) Touch() { c.TouchAt(time.Now()) }

// TouchAt records activity at t.
func (c *Conn[T]) TouchAt(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

// LastSeen returns the last activity time.
func (c *Conn[T]) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Age returns how long the connection has existed at now.
func (c *Conn[T]) Age(now time.Time) time.Duration { return now.Sub(c.CreatedAt) }

// Idle returns how long the connection has been silent at now.
func (c *Conn[T]) Idle(now time.Time) time.Duration { return now.Sub(c.LastSeen()) }

// Close asks the owner to tear the connection down with cause.
// The owner's cleanup path does the actual deregistration.
func (c *Conn[T]) Close(cause error) {
	if c.cancel != nil {
		c.cancel(cause)
	}
}

// Info is an exported view of one entry.
type Info struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	UserID    string          `json:"user_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	LastSeen  time.Time       `json:"last_seen"`
	Metrics   MetricsSnapshot `json:"metrics"`
}

// Info returns an exported view of c.
func (c *Conn[T]) Info() Info {
	return Info{ID: c.ID, Kind: c.Kind, UserID: c.UserID, CreatedAt: c.CreatedAt, LastSeen: c.LastSeen(), Metrics: c.Metrics.Snapshot()}
}

// Registry maps connection ids to entries.
type Registry[T any] struct {
	mu    sync.RWMutex
	conns map[string]*Conn[T]
}

// New returns an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{conns: make(map[string]*Conn[T])}
}

// Add registers c. A live entry with the same id is an error.
func (r *Registry[T]) Add(c *Conn[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; ok {
		return ErrDuplicateID
	}
	r.conns[c.ID] = c
	return nil
}

// Remove deletes id and returns the removed entry. Removing an unknown id
// reports false, which makes Remove safe to call from racing cleanup paths.
func (r *Registry[T]) Remove(id string) (*Conn[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// Get looks up id.
func (r *Registry[T]) Get(id string) (*Conn[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the live entries ordered by creation time.
func (r *Registry[T]) Snapshot() []*Conn[T] {
	r.mu.RLock()
	res := make([]*Conn[T], 0, len(r.conns))
	for _, c := range r.conns {
		res = append(res, c)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}

// Infos returns exported views of every live entry.
func (r *Registry[T]) Infos() []Info {
	snap := r.Snapshot()
	res := make([]Info, 0, len(snap))
	for _, c := range snap {
		res = append(res, c.Info())
	}
	return res
}

// OlderThan returns the entries whose age at now exceeds maxAge.
func (r *Registry[T]) OlderThan(now time.Time, maxAge time.Duration) []*Conn[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*Conn[T]
	for _, c := range r.conns {
		if c.Age(now) > maxAge {
			res = append(res, c)
		}
	}
	return res
}

// IdleLongerThan returns the entries silent for more than timeout at now.
func (r *Registry[T]) IdleLongerThan(now time.Time, timeout time.Duration) []*Conn[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*Conn[T]
	for _, c := range r.conns {
		if c.Idle(now) > timeout {
			res = append(res, c)
		}
	}
	return res
}
