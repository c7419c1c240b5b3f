package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/wricardo/mcp-pool/pool/service"
	"github.com/wricardo/mcp-pool/pool/session"
	"github.com/wricardo/mcp-pool/transport/websocket"
	"go.uber.org/zap"
)

// Server represents the REST API server
type Server struct {
	service service.PoolService
	hub     *websocket.Hub
	router  *mux.Router
	logger  *zap.Logger
}

// NewServer creates a new API server. hub may be nil, in which case /ws is
// not routed.
func NewServer(poolService service.PoolService, hub *websocket.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: poolService,
		hub:     hub,
		router:  mux.NewRouter(),
		logger:  logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/workers", s.handleListWorkers).Methods("GET")
	api.HandleFunc("/workers/{port:[0-9]+}", s.handleGetWorker).Methods("GET")
	api.HandleFunc("/workers/{port:[0-9]+}", s.handleKillWorker).Methods("DELETE")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Mount routes path to h. Used for the MCP endpoint.
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Status(r.Context()))
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.service.ListWorkers(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(workers),
		"workers": workers,
	})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}

	for _, info := range s.service.ListWorkers(r.Context()) {
		if info.Port == port {
			respondJSON(w, http.StatusOK, info)
			return
		}
	}
	respondError(w, http.StatusNotFound, fmt.Sprintf("no worker on port %d", port))
}

func (s *Server) handleKillWorker(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}

	err := s.service.KillWorker(r.Context(), port)
	switch {
	case errors.Is(err, session.ErrWorkerNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Warn("Kill request failed", zap.Int("port", port), zap.Error(err))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Worker on port %d killed", port),
	})
}

func portParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil || port <= 0 || port > 65535 {
		respondError(w, http.StatusBadRequest, "invalid port")
		return 0, false
	}
	return port, true
}

// handleWebSocket streams worker lifecycle events. Without a session query
// parameter the client receives events for every session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, r.URL.Query().Get("session_id"))
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"session_id": s.service.SessionID(),
	})
}
