package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/streamhub/internal/serverstate"
)

func TestRequestIDMiddleware(t *testing.T) {
	chain := MiddlewareChain()
	var captured string
	var flushable bool
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chiMiddleware.GetReqID(r.Context())
		_, flushable = w.(http.Flusher)
	})
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if captured == "" {
		t.Fatalf("missing request id")
	}
	if !flushable {
		t.Fatalf("wrapped writer lost http.Flusher")
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	h := APIKeyMiddleware("sekret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// missing header
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	// wrong key
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	// correct key
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	// auth disabled
	h = APIKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestStateHandlers(t *testing.T) {
	prev := serverstate.Current()
	serverstate.UseStore(serverstate.NewMemoryStore())
	defer func() {
		ms := serverstate.NewMemoryStore()
		ms.Store(prev)
		serverstate.UseStore(ms)
	}()
	serverstate.SetState("ready")

	reg := serverstate.NewRegistry()
	reg.Add(serverstate.Element{ID: "gateway", Data: func() any { return map[string]int{"active": 3} }})

	rr := httptest.NewRecorder()
	StateHandler(reg)(rr, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	var body struct {
		Status     string                    `json:"status"`
		Draining   bool                      `json:"draining"`
		Components map[string]map[string]int `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ready" || body.Draining || body.Components["gateway"]["active"] != 3 {
		t.Fatalf("state body %#v", body)
	}

	rr = httptest.NewRecorder()
	HealthzHandler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz %d", rr.Code)
	}
	serverstate.StartDrain()
	rr = httptest.NewRecorder()
	HealthzHandler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz while draining %d", rr.Code)
	}
}
