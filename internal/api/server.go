// Package api serves the dashboard: a REST control surface over the engine
// lifecycle, config, targets and portfolio, plus a WebSocket that streams
// engine events to connected UIs.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/paper"
	"polycopy/internal/store"
	"polycopy/internal/supervisor"
)

// Server is the dashboard HTTP/WebSocket server.
type Server struct {
	sup      *supervisor.Supervisor
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. book is nil outside paper mode.
func NewServer(cfg *config.Config, sup *supervisor.Supervisor, st *store.Store, book *paper.Book, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(sup, cfg, st, book, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /api/bot/start", handlers.HandleStart)
	mux.HandleFunc("POST /api/bot/stop", handlers.HandleStop)
	mux.HandleFunc("POST /api/bot/restart", handlers.HandleRestart)
	mux.HandleFunc("GET /api/bot/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/config", handlers.HandleGetConfig)
	mux.HandleFunc("PUT /api/config", handlers.HandleUpdateConfig)
	mux.HandleFunc("POST /api/targets", handlers.HandleAddTarget)
	mux.HandleFunc("DELETE /api/targets", handlers.HandleRemoveTarget)
	mux.HandleFunc("GET /api/stats", handlers.HandleStats)
	mux.HandleFunc("GET /api/portfolio", handlers.HandlePortfolio)
	mux.HandleFunc("GET /api/trades", handlers.HandleTrades)
	mux.HandleFunc("GET /api/performance", handlers.HandlePerformance)
	mux.HandleFunc("POST /api/position/sell", handlers.HandleSellPosition)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	return &Server{
		sup:      sup,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 35 * time.Second, // manual sell waits for the fill
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event fan-out and the listener. Blocks until the
// server shuts down.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents fans engine events out to the dashboard sockets and feeds
// the trade log.
func (s *Server) consumeEvents() {
	for ev := range s.sup.Events() {
		if ev.Type == supervisor.EventExecuted {
			s.handlers.recordTrade(ev)
		}
		s.hub.BroadcastEvent(ev)
	}
}
