// Package api is the control surface: strategy CRUD, run control,
// performance reads and the WebSocket event stream, served to the dashboard
// over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trad-core/internal/config"
	"trad-core/internal/ledger"
	"trad-core/internal/runtime"
)

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server and registers itself as the runtime's
// event sink, so run lifecycle and log events stream out over /ws.
func NewServer(
	cfg config.DashboardConfig,
	led *ledger.Ledger,
	host *runtime.RuntimeHost,
	market MarketData,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(led, host, market, hub, cfg.AdminToken, logger)
	host.SetEventSink(hub.BroadcastEvent)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/strategies", handlers.HandleListStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.HandleGetStrategy)
	mux.HandleFunc("POST /api/strategies", handlers.requireAdmin(handlers.HandleCreateStrategy))
	mux.HandleFunc("PUT /api/strategies/{id}", handlers.requireAdmin(handlers.HandleUpdateStrategy))
	mux.HandleFunc("DELETE /api/strategies/{id}", handlers.requireAdmin(handlers.HandleDeleteStrategy))
	mux.HandleFunc("POST /api/strategies/{id}/start", handlers.requireAdmin(handlers.HandleStart))
	mux.HandleFunc("POST /api/strategies/{id}/stop", handlers.requireAdmin(handlers.HandleStop))

	mux.HandleFunc("GET /api/strategies/{id}/runs", handlers.HandleRuns)
	mux.HandleFunc("GET /api/strategies/{id}/performance", handlers.HandlePerformance)
	mux.HandleFunc("GET /api/strategies/{id}/logs", handlers.HandleLogs)
	mux.HandleFunc("GET /api/runs/{id}/trades", handlers.HandleTrades)
	mux.HandleFunc("GET /api/runs/{id}/positions", handlers.HandlePositions)

	mux.HandleFunc("GET /api/coins", handlers.HandleCoins)

	mux.HandleFunc("GET /api/venues", handlers.HandleListVenues)
	mux.HandleFunc("PUT /api/venues/{venue}/secret", handlers.requireAdmin(handlers.HandlePutVenueSecret))
	mux.HandleFunc("DELETE /api/venues/{venue}/secret", handlers.requireAdmin(handlers.HandleDeleteVenueSecret))

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub. Blocks until the server exits.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
