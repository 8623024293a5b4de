package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
	"github.com/KennethAtchon/loctelli-guard/internal/guard"
	"github.com/KennethAtchon/loctelli-guard/internal/monitor"
)

// Server exposes the validation pipeline and monitoring snapshots over HTTP
// for the chat collaborator and the ops surface.
type Server struct {
	pipeline *guard.Pipeline
	analyzer *guard.Analyzer
	monitor  *monitor.Monitor
	alerts   *core.AlertPipeline
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cfg core.ServerConfig, pipeline *guard.Pipeline, analyzer *guard.Analyzer, mon *monitor.Monitor, alerts *core.AlertPipeline, logger zerolog.Logger) *Server {
	s := &Server{
		pipeline: pipeline,
		analyzer: analyzer,
		monitor:  mon,
		alerts:   alerts,
		logger:   logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/validate", s.handleValidate)
	mux.HandleFunc("/api/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/v1/dashboard", s.handleDashboard)
	mux.HandleFunc("/api/v1/alerts", s.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      loggingMiddleware(mux, s.logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type validateRequest struct {
	Message            string   `json:"message"`
	LeadID             string   `json:"lead_id"`
	UserID             string   `json:"user_id"`
	MessageID          string   `json:"message_id"`
	History            []string `json:"history"`
	MessageCount       int      `json:"message_count"`
	ConversationAgeSec int      `json:"conversation_age_seconds"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result := s.pipeline.Validate(r.Context(), &guard.ValidationRequest{
		Message:         req.Message,
		LeadID:          req.LeadID,
		UserID:          req.UserID,
		MessageID:       req.MessageID,
		History:         req.History,
		ConversationAge: time.Duration(req.ConversationAgeSec) * time.Second,
		MessageCount:    req.MessageCount,
	})
	writeJSON(w, http.StatusOK, result)
}

type analyzeRequest struct {
	Message string `json:"message"`
	LeadID  string `json:"lead_id"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	writeJSON(w, http.StatusOK, s.analyzer.AnalyzeInput(req.Message, req.LeadID))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Dashboard())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, s.alerts.Recent())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs every request with method, path, and duration.
func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}
