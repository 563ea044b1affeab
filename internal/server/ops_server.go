package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/model"
)

// StatusSource reports node liveness and readiness
type StatusSource interface {
	IsLive() bool
	IsReady() bool
	GetStatus() model.HealthStatus
}

// OpsServer serves Prometheus metrics and health probes on their own port
type OpsServer struct {
	router     *mux.Router
	httpServer *http.Server
	status     StatusSource
	logger     *zap.Logger
}

// OpsServerConfig holds configuration for the ops server
type OpsServerConfig struct {
	Host        string
	Port        int
	MetricsPath string
}

// NewOpsServer creates a new ops server
func NewOpsServer(cfg *OpsServerConfig, gatherer prometheus.Gatherer, status StatusSource, logger *zap.Logger) *OpsServer {
	router := mux.NewRouter()

	s := &OpsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		status: status,
		logger: logger,
	}

	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	return s
}

// Handler returns the server's root handler
func (s *OpsServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *OpsServer) Start() error {
	s.logger.Info("Starting ops server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the ops server
func (s *OpsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping ops server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	return nil
}

// healthHandler handles liveness probe requests
func (s *OpsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.status.IsLive() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// readyHandler fails while no device can take traffic
func (s *OpsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	status := s.status.GetStatus()
	body := map[string]interface{}{
		"status":    "ready",
		"node_id":   status.NodeID,
		"node":      status.Status,
		"devices":   status.Devices,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if !s.status.IsReady() {
		body["status"] = "not_ready"
		body["reason"] = "no_usable_device"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write readiness body", zap.Error(err))
	}
}
