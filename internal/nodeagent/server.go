package nodeagent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/node"
)

type createSessionRequest struct {
	RequestID    data.RequestID    `json:"requestId"`
	Capabilities data.Capabilities `json:"capabilities"`
}

type createSessionResponse struct {
	Session data.Session `json:"session"`
	Error   string       `json:"error,omitempty"`
}

// Handler serves the node wire endpoints the distributor's RemoteNode
// wrapper speaks.
func Handler(n *node.LocalNode) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/se/grid/node/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
			return
		}
		session, err := n.NewSession(r.Context(), node.CreateRequest{RequestID: req.RequestID, Capabilities: req.Capabilities})
		if err != nil {
			writeJSON(w, sessionFailureCode(err), createSessionResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, createSessionResponse{Session: session})
	})
	mux.HandleFunc("/se/grid/node/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/se/grid/node/session/")
		if err := n.Stop(r.Context(), data.SessionID(id)); err != nil {
			if errors.Is(err, data.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
	})
	mux.HandleFunc("/se/grid/node/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		writeJSON(w, http.StatusOK, n.Status())
	})
	mux.HandleFunc("/se/grid/node/drain", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		n.Drain()
		writeJSON(w, http.StatusOK, map[string]bool{"draining": true})
	})
	return mux
}

// sessionFailureCode maps node failure kinds to the codes RemoteNode decodes
// on the distributor side.
func sessionFailureCode(err error) int {
	switch {
	case errors.Is(err, data.ErrNoCapacity):
		return http.StatusConflict
	case errors.Is(err, data.ErrDraining):
		return http.StatusServiceUnavailable
	case errors.Is(err, data.ErrNoMatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
