// Package server runs the account server's HTTP listeners.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/config"
	"github.com/devrev/pairdb/account-server/internal/middleware"
)

// AccountServer serves the account verbs on the data port
type AccountServer struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// NewAccountServer routes every request through the middleware chain to
// dispatcher
func NewAccountServer(cfg *config.Config, dispatcher http.Handler, logger *zap.Logger) *AccountServer {
	router := mux.NewRouter()
	// account and container names may hold "//" or "..", which must reach
	// path validation as sent
	router.SkipClean(true)

	chain := []func(http.Handler) http.Handler{middleware.TransID}
	if cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.BurstSize, logger)
		chain = append(chain, limiter.Limit)
	}
	router.PathPrefix("/").Handler(middleware.Chain(chain...)(dispatcher))

	return &AccountServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		logger: logger,
	}
}

// Handler returns the server's root handler
func (s *AccountServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *AccountServer) Start() error {
	s.logger.Info("Starting account server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("account server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *AccountServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping account server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("account server shutdown failed: %w", err)
	}
	return nil
}
