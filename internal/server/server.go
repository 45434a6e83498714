// Package server exposes the session actor's request surface over HTTP.
// Rate-limit rejections (429), validation failures (400), and upstream
// invocation failures (502) are distinct outcomes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shiyoukh/cf-ai-agent/pkg/actor"
	"github.com/shiyoukh/cf-ai-agent/pkg/history"
	metrics "github.com/shiyoukh/cf-ai-agent/pkg/observability"
)

// Server serves the chat API.
type Server struct {
	registry   *actor.Registry
	httpServer *http.Server
	port       int
}

// New creates an API server over the given actor registry.
func New(registry *actor.Registry, port int) *Server {
	return &Server{
		registry: registry,
		port:     port,
	}
}

// Handler returns the API routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /v1/sessions/{id}/schedule", s.handleSchedule)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistoryGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}/history", s.handleHistoryClear)

	return mux
}

// Start starts the API server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

type chatRequest struct {
	ClientKey string `json:"client_key"`
	Text      string `json:"text"`
}

type scheduleRequest struct {
	ClientKey string    `json:"client_key"`
	DueAt     time.Time `json:"due_at"`
	Prompt    string    `json:"prompt"`
}

type historyResponse struct {
	History []history.Turn `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ClientKey == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("client_key is required"))
		return
	}

	a := s.registry.Actor(r.PathValue("id"))
	res, err := a.HandleChatTurn(r.Context(), req.ClientKey, req.Text)
	if err != nil {
		writeActorError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ClientKey == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("client_key is required"))
		return
	}

	a := s.registry.Actor(r.PathValue("id"))
	res, err := a.HandleScheduleRequest(r.Context(), req.ClientKey, req.DueAt, req.Prompt)
	if err != nil {
		writeActorError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	a := s.registry.Actor(r.PathValue("id"))
	turns, err := a.HandleHistoryQuery(r.Context())
	if err != nil {
		writeActorError(w, r, err)
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}

	writeJSON(w, r, http.StatusOK, historyResponse{History: turns})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	a := s.registry.Actor(r.PathValue("id"))
	if err := a.HandleHistoryClear(r.Context()); err != nil {
		writeActorError(w, r, err)
		return
	}

	metrics.RecordHTTPRequest(r.Method, r.Pattern, strconv.Itoa(http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}

func writeActorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, actor.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, err)
	case actor.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, err)
	case actor.IsUpstream(err):
		writeError(w, r, http.StatusBadGateway, err)
	default:
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	metrics.RecordHTTPRequest(r.Method, r.Pattern, strconv.Itoa(status))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
