// Package server exposes the operational HTTP endpoints: health, status and
// manual check triggering.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"linuxdo-notifier/poll"
	"linuxdo-notifier/state"
)

// Poller interface for triggering checks.
type Poller interface {
	TriggerCheck() bool
	Phase() poll.Phase
}

// Store interface for reading the seen-item state.
type Store interface {
	Snapshot() state.Snapshot
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	store  Store
	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller Poller
	Store  Store
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller: cfg.Poller,
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/statusz", s.handleStatus)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.poller.Phase() != poll.Running {
		http.Error(w, "Monitor not running", http.StatusServiceUnavailable)
		return
	}

	s.logger.Info("Poll endpoint triggered")
	status := "scheduled"
	if !s.poller.TriggerCheck() {
		status = "already scheduled"
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

type userStatus struct {
	Topics      int  `json:"topics"`
	Replies     int  `json:"replies"`
	Initialized bool `json:"initialized"`
}

type statusResponse struct {
	LastCheck *time.Time            `json:"lastCheck"`
	Users     map[string]userStatus `json:"users"`
	Phase     string                `json:"phase"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.store.Snapshot()
	resp := statusResponse{
		Phase:     s.poller.Phase().String(),
		LastCheck: snap.LastCheck,
		Users:     make(map[string]userStatus, len(snap.Users)),
	}
	for name, u := range snap.Users {
		resp.Users[name] = userStatus{
			Topics:      len(u.TopicIDs),
			Replies:     len(u.PostIDs),
			Initialized: u.Initialized,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
