// Package api is the distributor's HTTP edge. It converts wire payloads to
// component calls and failure kinds to status codes; no scheduling decisions
// are made here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	auth "github.com/abbot/go-http-auth"
	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/distributor"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/internal/observability"
	"github.com/example/grid/internal/sessionmap"
	"github.com/example/grid/internal/status"
	"github.com/example/grid/pkg/gridapi"
)

type Server struct {
	dist     *distributor.LocalDistributor
	sessions sessionmap.Map
	gridURI  string
	guard    *auth.BasicAuth
	log      *zap.Logger
}

// NewServer builds the edge. usersFile enables htpasswd basic auth on the
// destructive node endpoints; empty leaves them open.
func NewServer(dist *distributor.LocalDistributor, sessions sessionmap.Map, gridURI, usersFile string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		dist:     dist,
		sessions: sessions,
		gridURI:  gridURI,
		log:      log,
	}
	if usersFile != "" {
		s.guard = auth.NewBasicAuthenticator("grid", auth.HtpasswdFileProvider(usersFile))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, observability.Default.Snapshot())
	})
	mux.HandleFunc("/v1/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
	})
	mux.HandleFunc("/se/grid/distributor/session", s.handleSession)
	mux.HandleFunc("/se/grid/distributor/session/", s.handleSessionByID)
	mux.HandleFunc("/se/grid/distributor/node", s.handleRegisterNode)
	mux.HandleFunc("/se/grid/distributor/node/", s.handleNodeByID)
	mux.HandleFunc("/se/grid/distributor/status", s.handleStatus)
	mux.HandleFunc("/se/grid/status", s.handleGridView)
	return s.withLogging(mux)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
		return
	}
	var payload gridapi.NewSessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeWireError(w, http.StatusBadRequest, "invalid argument", "malformed new session payload")
		return
	}
	alternatives, err := payload.Alternatives()
	if err != nil {
		writeWireError(w, http.StatusBadRequest, "invalid argument", err.Error())
		return
	}

	session, err := s.dist.NewSession(r.Context(), alternatives)
	if err != nil {
		code, kind := mapFailure(err)
		writeWireError(w, code, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gridapi.CreateSessionResponse{
		Value: gridapi.CreateSessionValue{SessionID: session.ID, Capabilities: session.Capabilities},
	})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/se/grid/distributor/session/")
	if id == "" {
		writeWireError(w, http.StatusNotFound, "invalid argument", "session id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		session, err := s.sessions.Get(data.SessionID(id))
		if err != nil {
			writeWireError(w, http.StatusNotFound, "invalid argument", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, session)
	case http.MethodDelete:
		if err := s.dist.StopSession(r.Context(), data.SessionID(id)); err != nil {
			code, kind := mapFailure(err)
			writeWireError(w, code, kind, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
	default:
		writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
	}
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
		return
	}
	var req gridapi.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWireError(w, http.StatusBadRequest, "invalid argument", "malformed registration payload")
		return
	}
	if req.Status.NodeID == "" || req.Status.ExternalURI == "" {
		writeWireError(w, http.StatusBadRequest, "invalid argument", "nodeId and externalUri are required")
		return
	}
	remote := node.NewRemoteNode(req.Status, data.Secret(req.Secret))
	if err := s.dist.Add(remote); err != nil {
		code, kind := mapFailure(err)
		writeWireError(w, code, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gridapi.RegisterNodeResponse{Added: true})
}

func (s *Server) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/se/grid/distributor/node/")
	parts := strings.SplitN(rest, "/", 2)
	id := data.NodeID(parts[0])
	if id == "" {
		writeWireError(w, http.StatusNotFound, "invalid argument", "node id is required")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		s.guarded(w, r, func(w http.ResponseWriter, _ *http.Request) {
			s.dist.Remove(id)
			writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
		})
	case sub == "heartbeat" && r.Method == http.MethodPost:
		var nodeStatus data.NodeStatus
		if err := json.NewDecoder(r.Body).Decode(&nodeStatus); err != nil {
			writeWireError(w, http.StatusBadRequest, "invalid argument", "malformed heartbeat payload")
			return
		}
		nodeStatus.NodeID = id
		if !s.dist.Heartbeat(nodeStatus) {
			writeWireError(w, http.StatusNotFound, "invalid argument", "node is not registered")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case sub == "drain" && r.Method == http.MethodPost:
		s.guarded(w, r, func(w http.ResponseWriter, _ *http.Request) {
			if err := s.dist.Drain(id); err != nil {
				code, kind := mapFailure(err)
				writeWireError(w, code, kind, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, gridapi.DrainNodeResponse{Draining: true})
		})
	default:
		writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.dist.GetStatus())
}

func (s *Server) handleGridView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeWireError(w, http.StatusMethodNotAllowed, "invalid argument", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, status.View(s.gridURI, s.dist, s.sessions))
}

// guarded applies htpasswd basic auth when a users file is configured.
func (s *Server) guarded(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	if s.guard == nil {
		h(w, r)
		return
	}
	s.guard.Wrap(func(w http.ResponseWriter, ar *auth.AuthenticatedRequest) {
		h(w, &ar.Request)
	})(w, r)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// mapFailure converts a failure kind to its HTTP status and wire error kind.
func mapFailure(err error) (int, string) {
	switch {
	case errors.Is(err, data.ErrTimeout):
		return http.StatusRequestTimeout, "timeout"
	case errors.Is(err, data.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid argument"
	case errors.Is(err, data.ErrUnsupportedCapabilities):
		return http.StatusBadRequest, "session not created"
	case errors.Is(err, data.ErrNodeRejected):
		return http.StatusUnauthorized, "session not created"
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound, "invalid argument"
	default:
		return http.StatusInternalServerError, "session not created"
	}
}

func writeWireError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, gridapi.ErrorResponse{
		Value: gridapi.ErrorValue{Error: kind, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
