// Package web serves the keep-alive health endpoint hosting platforms poll
// to keep the bot process awake, plus a small status API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"kagemusha/agent"
)

type Server struct {
	router     *agent.Router
	httpServer *http.Server
}

func New(addr string, router *agent.Router) *Server {
	s := &Server{router: router}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Debug("health write failed", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.router.Status()); err != nil {
		slog.Error("encode status", "error", err)
	}
}
