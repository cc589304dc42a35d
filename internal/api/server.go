// Package api is the HTTP ingress the MT5 expert advisor posts trade
// events to. It is deliberately thin: decode, route, acknowledge.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"copybridge/internal/config"
	"copybridge/pkg/types"
)

// Router is the event sink the ingress feeds; the engine implements it.
type Router interface {
	HandleTradeEvent(ctx context.Context, ev *types.TradeEvent) error
	Ready() bool
}

// Server runs the HTTP ingress.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the ingress server bound to the configured host/port.
func NewServer(cfg config.ServerConfig, router Router, logger *slog.Logger) *Server {
	handlers := NewHandlers(router, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlers.HandleEvent)
	mux.HandleFunc("/health", handlers.HandleHealth)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("ingress listening", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
