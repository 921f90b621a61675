package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/devrev/paircache/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusFunc reports the current status of the node
type StatusFunc func(ctx context.Context) (*model.NodeStatus, error)

// ServerConfig holds configuration for the metrics server
type ServerConfig struct {
	Port int
	Path string
}

// Server serves Prometheus metrics and the health endpoints via HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	status     StatusFunc
	logger     *zap.Logger
	stopChan   chan struct{}
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	NodeID    string         `json:"node_id,omitempty"`
	Role      model.NodeRole `json:"role,omitempty"`
	Epoch     model.Epoch    `json:"epoch,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// NewServer creates a metrics server exposing the collectors of gatherer
func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, m *Metrics, status StatusFunc, logger *zap.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		status:   status,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves in the background
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting metrics server", zap.String("addr", lis.Addr().String()))

	go s.collectSystemMetrics()
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// healthHandler reports liveness along with the role of the node
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().Format(time.RFC3339)}
	if s.status != nil {
		if st, err := s.status(r.Context()); err == nil {
			resp.NodeID, resp.Role, resp.Epoch = st.NodeID, st.Role, st.Epoch
			resp.Status = string(st.Health())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// readyHandler answers 200 only while the node is active or passive
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ready", Timestamp: time.Now().Format(time.RFC3339)}
	if s.status == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := s.status(ctx)
	if err != nil {
		s.logger.Error("Failed to get node status", zap.Error(err))
		resp.Status, resp.Reason = "not_ready", "status_unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.NodeID, resp.Role, resp.Epoch = st.NodeID, st.Role, st.Epoch
	if st.Health() != model.HealthStatusHealthy {
		resp.Status, resp.Reason = "not_ready", string(st.Role)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())
}
