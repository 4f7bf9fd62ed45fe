package api

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/streamhub/core/logx"
	"github.com/gaspardpetit/streamhub/internal/serverstate"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	serverstate.State
	Components map[string]any `json:"components"`
}

// HealthzHandler reports liveness. It answers 503 while draining so load
// balancers stop routing new streams here.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := serverstate.Current()
		code := http.StatusOK
		if st.Draining {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": st.Status})
	}
}

// StateHandler serves the server state together with every registered
// component snapshot.
func StateHandler(reg *serverstate.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StateResponse{State: serverstate.Current(), Components: reg.Snapshot()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write json")
	}
}
