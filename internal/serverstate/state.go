package serverstate

import (
	"sync"
	"sync/atomic"
)

// State holds the server status and draining flag. Both fields are written
// together so readers always see a consistent pair.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists the server state in memory or in an external service.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.RWMutex
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store. A nil store is ignored.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a process-local Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// Current returns the full state.
func Current() State { return current().Load() }

// SetState updates the status string and keeps the draining flag.
func SetState(status string) {
	s := current()
	st := s.Load()
	st.Status = status
	s.Store(st)
}

// GetState returns the current status.
func GetState() string { return current().Load().Status }

// StartDrain marks the server as draining. New streams and hub connections
// are refused from then on.
func StartDrain() {
	s := current()
	st := s.Load()
	st.Draining = true
	st.Status = "draining"
	s.Store(st)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool { return current().Load().Draining }
