package hub

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/streamhub/core/logx"
)

const maxAdminBody = 1 << 20

type broadcastRequest struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	ExcludeID string          `json:"excludeId,omitempty"`
}

type sendRequest struct {
	UserID  string          `json:"userId"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type deliveredResponse struct {
	Delivered int `json:"delivered"`
}

// AdminRoutes exposes Stats, Broadcast and SendToUser over HTTP. Callers are
// expected to mount it behind authentication.
func AdminRoutes(h *Hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Stats())
	})
	r.Post("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Channel == "" {
			writeError(w, http.StatusBadRequest, "channel required")
			return
		}
		n := h.Broadcast(req.Channel, req.Data, req.ExcludeID)
		logx.Log.Info().Str("channel", req.Channel).Int("delivered", n).Msg("admin broadcast")
		writeJSON(w, http.StatusOK, deliveredResponse{Delivered: n})
	})
	r.Post("/send", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" || req.Channel == "" {
			writeError(w, http.StatusBadRequest, "userId and channel required")
			return
		}
		n := h.SendToUser(req.UserID, req.Channel, req.Data)
		writeJSON(w, http.StatusOK, deliveredResponse{Delivered: n})
	})
	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
