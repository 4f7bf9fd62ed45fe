package serverstate

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryStore(t *testing.T) {
	prev := current()
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("initial state = %q; want %q", got, "not_ready")
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}
	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("state after SetState = %q; want %q", got, "ready")
	}
	StartDrain()
	if st := Current(); st.Status != "draining" || !st.Draining {
		t.Fatalf("state after StartDrain = %#v", st)
	}
	SetState("ready")
	if !IsDraining() {
		t.Fatalf("SetState cleared the draining flag")
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedisStore(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer rs.Close()

	prev := current()
	UseStore(rs)
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("initial state = %q; want %q", got, "not_ready")
	}
	SetState("ready")
	StartDrain()
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}

	// another replica sees the persisted state
	rs2, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer rs2.Close()
	if st := rs2.Load(); st.Status != "draining" || !st.Draining {
		t.Fatalf("persisted state = %#v", st)
	}

	mr.Close()
	if st := rs.Load(); st.Status != "unknown" {
		t.Fatalf("state with redis down = %#v", st)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisStore(context.Background(), addr); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"redis://host1:6379,host2:6379/0", 2, "", 0, false},
		{"rediss://localhost:6380?db=3", 1, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v; want %v", tt.url, opts.TLSConfig != nil, tt.tls)
		}
	}
	for _, bad := range []string{"http://localhost", "redis://localhost/abc", "redis-sentinel://localhost:26379"} {
		if _, err := parseRedisURL(bad); err == nil {
			t.Fatalf("parseRedisURL(%q) succeeded", bad)
		}
	}
}
