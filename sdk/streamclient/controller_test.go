package streamclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaspardpetit/streamhub/core/reconnect"
	"github.com/gaspardpetit/streamhub/sdk/contracts/stream"
)

func fastPolicy(attempts int) reconnect.Policy {
	return reconnect.Policy{Initial: 5 * time.Millisecond, Multiplier: 1.5, Max: 20 * time.Millisecond, MaxAttempts: attempts}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gateway is a scripted stream endpoint. Each request runs the next script;
// the last one repeats.
type gateway struct {
	mu      sync.Mutex
	ids     []string
	scripts []func(w http.ResponseWriter, r *http.Request)
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	n := len(g.ids)
	g.ids = append(g.ids, r.URL.Query().Get("connection_id"))
	script := g.scripts[len(g.scripts)-1]
	if n < len(g.scripts) {
		script = g.scripts[n]
	}
	g.mu.Unlock()
	script(w, r)
}

func (g *gateway) requests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ids...)
}

func sse(w http.ResponseWriter, r *http.Request, payloads ...stream.Payload) *stream.Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	sw := stream.NewWriter(w)
	_, _ = sw.Write(stream.Metadata{ConnectionID: r.URL.Query().Get("connection_id"), StartedAt: time.Now().UnixMilli()})
	for _, p := range payloads {
		_, _ = sw.Write(p)
	}
	return sw
}

func completes(w http.ResponseWriter, r *http.Request) {
	sse(w, r, stream.Token{Content: "hi"}, stream.Done{Metrics: stream.Metrics{TokensReceived: 1}})
}

func fails(w http.ResponseWriter, r *http.Request) {
	sse(w, r, stream.Token{Content: "x"}, stream.Error{Code: stream.CodeUpstreamError, Message: "boom"})
}

func hangs(w http.ResponseWriter, r *http.Request) {
	sse(w, r)
	<-r.Context().Done()
}

func unavailable(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "nope", http.StatusBadGateway)
}

type recorder struct {
	mu     sync.Mutex
	frames []stream.Frame
	errs   []error
}

func (r *recorder) onFrame(f stream.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]stream.Frame, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Frame(nil), r.frames...), append([]error(nil), r.errs...)
}

func newController(srvURL string, rec *recorder, opts Options) *Controller {
	opts.URL = srvURL
	opts.OnFrame = rec.onFrame
	opts.OnError = rec.onError
	return New(opts)
}

func TestDoneEndsStreamWithoutReconnect(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){completes}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	rec := &recorder{}
	c := newController(srv.URL, rec, Options{Policy: fastPolicy(3)})
	if err := c.Connect(url.Values{"q": {"hello"}}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	time.Sleep(50 * time.Millisecond)
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("requests %d, want 1", n)
	}
	frames, _ := rec.snapshot()
	if len(frames) != 3 || frames[2].Type() != stream.TypeDone {
		t.Fatalf("frames %#v", frames)
	}
	st := c.Stats()
	if st.Connects != 1 || st.Messages != 3 || st.Errors != 0 || st.ReconnectAttempts != 0 || st.SequenceGaps != 0 {
		t.Fatalf("stats %#v", st)
	}
	if ids := gw.requests(); ids[0] != c.ConnectionID() || ids[0] == "" {
		t.Fatalf("connection id %q vs %q", ids[0], c.ConnectionID())
	}
}

func TestErrorFrameReconnectsWithFreshID(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){fails, completes}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	rec := &recorder{}
	c := newController(srv.URL, rec, Options{Policy: fastPolicy(3)})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })

	ids := gw.requests()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("connection ids %v", ids)
	}
	frames, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("terminal error reported: %v", errs)
	}
	// metadata of each connection starts at sequence zero
	var metas int
	for _, f := range frames {
		if f.Type() == stream.TypeMetadata {
			metas++
			if f.Sequence != 0 {
				t.Fatalf("metadata sequence %d", f.Sequence)
			}
		}
	}
	if metas != 2 {
		t.Fatalf("metadata frames %d", metas)
	}
	st := c.Stats()
	if st.Connects != 2 || st.Errors != 1 || st.ReconnectAttempts != 1 || st.SequenceGaps != 0 {
		t.Fatalf("stats %#v", st)
	}
}

func TestBackoffExhaustionAndReset(t *testing.T) {
	var healthy atomic.Bool
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			completes(w, r)
			return
		}
		unavailable(w, r)
	}}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	rec := &recorder{}
	var states []State
	var smu sync.Mutex
	c := newController(srv.URL, rec, Options{
		Policy: fastPolicy(3),
		OnStateChange: func(s State) {
			smu.Lock()
			states = append(states, s)
			smu.Unlock()
		},
	})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateFailed })
	_, errs := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], ErrReconnectExhausted) {
		t.Fatalf("errors %v", errs)
	}
	var se *StatusError
	if !errors.As(errs[0], &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("last cause %v", errs[0])
	}
	if n := len(gw.requests()); n != 4 {
		t.Fatalf("requests %d, want 1 + 3 retries", n)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(gw.requests()); n != 4 {
		t.Fatalf("retried after exhaustion: %d requests", n)
	}

	healthy.Store(true)
	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	smu.Lock()
	defer smu.Unlock()
	if states[0] != StateConnecting || states[len(states)-1] != StateDone {
		t.Fatalf("state transitions %v", states)
	}
}

func TestHeartbeatMonitorReconnects(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){hangs, completes}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	rec := &recorder{}
	c := newController(srv.URL, rec, Options{
		Policy:            fastPolicy(3),
		HeartbeatInterval: 10 * time.Millisecond,
	})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	if n := len(gw.requests()); n != 2 {
		t.Fatalf("requests %d", n)
	}
	if st := c.Stats(); st.Errors != 1 {
		t.Fatalf("errors %d", st.Errors)
	}
}

func TestHeartbeatsKeepStreamAlive(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){func(w http.ResponseWriter, r *http.Request) {
		sw := sse(w, r)
		for i := 0; i < 10; i++ {
			time.Sleep(10 * time.Millisecond)
			_, _ = sw.Write(stream.Heartbeat{})
		}
		_, _ = sw.Write(stream.Done{})
	}}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	rec := &recorder{}
	c := newController(srv.URL, rec, Options{Policy: fastPolicy(3), HeartbeatInterval: 25 * time.Millisecond})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("requests %d, heartbeats did not reset the monitor", n)
	}
}

func TestMessageTimeoutReconnects(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){hangs, completes}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	rec := &recorder{}
	c := newController(srv.URL, rec, Options{
		Policy:            fastPolicy(3),
		HeartbeatInterval: -1,
		MessageTimeout:    20 * time.Millisecond,
	})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	if n := len(gw.requests()); n != 2 {
		t.Fatalf("requests %d", n)
	}
}

func TestIncompleteStreamReconnects(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) { sse(w, r, stream.Token{Content: "a"}) },
		completes,
	}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newController(srv.URL, &recorder{}, Options{Policy: fastPolicy(3)})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	if st := c.Stats(); st.Connects != 2 || st.ReconnectAttempts != 1 {
		t.Fatalf("stats %#v", st)
	}
}

func TestDisconnectStopsEverything(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){hangs}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newController(srv.URL, &recorder{}, Options{Policy: fastPolicy(3), HeartbeatInterval: 50 * time.Millisecond})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateOpen })
	c.Disconnect()
	c.Disconnect()
	if c.State() != StateIdle {
		t.Fatalf("state %s", c.State())
	}
	time.Sleep(150 * time.Millisecond)
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("reconnected after disconnect: %d requests", n)
	}
	st := c.Stats()
	if st.Disconnects != 1 || st.Errors != 0 || st.ConnectedTime <= 0 {
		t.Fatalf("stats %#v", st)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){unavailable}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newController(srv.URL, &recorder{}, Options{
		Policy: reconnect.Policy{Initial: 50 * time.Millisecond, Multiplier: 1.5, Max: time.Second, MaxAttempts: 5},
	})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateReconnecting })
	c.Disconnect()
	time.Sleep(120 * time.Millisecond)
	if n := len(gw.requests()); n != 1 {
		t.Fatalf("retry fired after disconnect: %d requests", n)
	}
}

func TestSequenceGapsAreCounted(t *testing.T) {
	gw := &gateway{scripts: []func(http.ResponseWriter, *http.Request){func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range []stream.Frame{
			{Sequence: 0, Payload: stream.Metadata{ConnectionID: "x"}},
			{Sequence: 0, Payload: stream.Token{Content: "a"}},
			{Sequence: 2, Payload: stream.Token{Content: "c"}},
			{Sequence: 3, Payload: stream.Done{}},
		} {
			b, _ := stream.Encode(f)
			_, _ = w.Write(b)
		}
	}}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newController(srv.URL, &recorder{}, Options{Policy: fastPolicy(3)})
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return c.State() == StateDone })
	if st := c.Stats(); st.SequenceGaps != 1 || st.Messages != 4 {
		t.Fatalf("stats %#v", st)
	}
}

func TestResetWithoutConnect(t *testing.T) {
	c := New(Options{URL: "http://127.0.0.1:1"})
	if err := c.Reset(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("reset: %v", err)
	}
	if err := New(Options{}).Connect(nil); err == nil {
		t.Fatalf("connect without url succeeded")
	}
}
