package hub

import (
	"encoding/json"
	"net/http"
	"time"
)

// Handler returns the hub's HTTP routes: the websocket endpoint at wsPath
// plus /health, /stats and /sessions.
func (h *Hub) Handler(wsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, h.ServeWS)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /sessions", h.handleSessions)
	return mux
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Hub) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sessions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Hub) writeError(w http.ResponseWriter, err error) {
	h.log.Warn().Err(err).Msg("request failed")
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
}

func (h *Hub) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("write response")
	}
}
