package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/whisper-stream-service/internal/config"
	"github.com/skypro1111/whisper-stream-service/internal/metrics"
	"github.com/skypro1111/whisper-stream-service/internal/session"
)

// MetricsServer serves Prometheus metrics and a health check on a separate
// internal port, keeping the service port WebSocket-only.
type MetricsServer struct {
	server     *http.Server
	logger     *slog.Logger
	sessionMgr *session.Manager

	startTime time.Time
}

// NewMetricsServer creates the internal metrics listener.
func NewMetricsServer(cfg config.MetricsConfig, logger *slog.Logger, sessionMgr *session.Manager, m *metrics.Metrics) *MetricsServer {
	ms := &MetricsServer{
		logger:     logger,
		sessionMgr: sessionMgr,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.handleHealth)

	ms.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return ms
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server",
		slog.String("address", ms.server.Addr),
	)

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server...")
	return ms.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint.
func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(ms.startTime).String(),
		"service": map[string]interface{}{
			"name":    "whisper-stream-service",
			"version": "1.0.0",
		},
		"sessions": map[string]interface{}{
			"active": ms.sessionMgr.ActiveSessionCount(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
