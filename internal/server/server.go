// Package server exposes the chat engine over HTTP plus a websocket event
// stream. The surface is intentionally thin: session lifecycle, persona
// maintenance, and push events. No user management or rendering.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/afslabs/companion/internal/config"
)

// Server is the HTTP front of the engine.
type Server struct {
	httpServer *http.Server
	hub        *EventHub
}

// New builds the routing table and wraps it in auth and rate limiting.
func New(cfg *config.Config, handlers *Handlers, hub *EventHub) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health)
	mux.HandleFunc("POST /api/sessions", handlers.CreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", handlers.SessionStatus)
	mux.HandleFunc("POST /api/sessions/{id}/messages", handlers.SendMessage)
	mux.HandleFunc("POST /api/sessions/{id}/resume", handlers.ResumeSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handlers.EndSession)
	mux.HandleFunc("POST /api/personas/{id}/reindex", handlers.RebuildIndex)
	mux.HandleFunc("GET /api/personas/{id}/index", handlers.IndexStats)
	mux.HandleFunc("GET /api/personas/{id}/affinity", handlers.AffinityStats)
	mux.HandleFunc("GET /api/personas/{id}/affinity/{interlocutor}/history", handlers.AffinityHistory)
	mux.Handle("GET /ws", hub)

	limiter := NewRateLimiter(20, 40)
	var handler http.Handler = mux
	handler = RateLimitMiddleware(handler, limiter)
	handler = RequireAuth(handler, cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub: hub,
	}
}

// Start runs the hub loop and serves HTTP until Shutdown.
func (s *Server) Start() error {
	go s.hub.Run()
	log.Printf("[Server] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	return err
}
