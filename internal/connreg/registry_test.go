package connreg

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry(t *testing.T) {
	reg := New[string]()
	c := NewConn("c1", KindStream, "u1", "state", nil)
	if err := reg.Add(c); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(NewConn("c1", KindStream, "", "other", nil)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	got, ok := reg.Get("c1")
	if !ok || got.State != "state" || got.UserID != "u1" {
		t.Fatalf("unexpected entry %+v", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d", reg.Len())
	}
	if _, ok := reg.Remove("c1"); !ok {
		t.Fatalf("expected first remove to succeed")
	}
	if _, ok := reg.Remove("c1"); ok {
		t.Fatalf("second remove should be a no-op")
	}
	if _, ok := reg.Get("c1"); ok {
		t.Fatalf("removed entry still found")
	}
}

func TestRegistrySweeps(t *testing.T) {
	reg := New[struct{}]()
	now := time.Now()
	old := NewConn("old", KindStream, "", struct{}{}, nil)
	old.CreatedAt = now.Add(-time.Hour)
	quiet := NewConn("quiet", KindDuplex, "", struct{}{}, nil)
	quiet.TouchAt(now.Add(-2 * time.Minute))
	fresh := NewConn("fresh", KindDuplex, "", struct{}{}, nil)
	for _, c := range []*Conn[struct{}]{old, quiet, fresh} {
		if err := reg.Add(c); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	aged := reg.OlderThan(now, 30*time.Minute)
	if len(aged) != 1 || aged[0].ID != "old" {
		t.Fatalf("OlderThan = %v", aged)
	}
	idle := reg.IdleLongerThan(now, time.Minute)
	ids := map[string]bool{}
	for _, c := range idle {
		ids[c.ID] = true
	}
	if !ids["quiet"] || ids["fresh"] {
		t.Fatalf("IdleLongerThan = %v", ids)
	}

	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].ID != "old" {
		t.Fatalf("snapshot not ordered by creation: %v", snap[0].ID)
	}
}

func TestConnClose(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := NewConn("c", KindStream, "", 0, cancel)
	boom := errors.New("expired")
	c.Close(boom)
	c.Close(errors.New("second"))
	if !errors.Is(context.Cause(ctx), boom) {
		t.Fatalf("cause = %v", context.Cause(ctx))
	}
	NewConn("n", KindStream, "", 0, nil).Close(boom)
}

func TestMetrics(t *testing.T) {
	var m Metrics
	m.AddFrame(10)
	m.AddFrame(5)
	if !m.AddToken(20 * time.Millisecond) {
		t.Fatalf("first token not reported")
	}
	if m.AddToken(40 * time.Millisecond) {
		t.Fatalf("second token reported as first")
	}
	s := m.Snapshot()
	if s.Frames != 2 || s.Bytes != 15 || s.Tokens != 2 || s.FirstTokenLatency != 20*time.Millisecond {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}
