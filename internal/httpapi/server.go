// Package httpapi exposes the indexer's operational surface over HTTP:
// liveness, readiness, per-instance status, and Prometheus metrics.
// Grounded on the teacher's internal/metrics/server.go (mux + promhttp
// handler + graceful Shutdown), generalized with /ready and /status
// backed by the instance registry instead of a metrics-only mux.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/instance"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/pgpool"
)

// Server is the indexer's HTTP surface: /health, /ready, /status, /metrics.
type Server struct {
	cfg        config.MetricsConfig
	pool       *pgpool.Pool
	registry   *instance.Registry
	instanceID string
	log        *logger.Logger

	server *http.Server
}

// New builds a Server. instanceID is the running process's own instance,
// reported by /status; registry is used to read back its current row.
func New(cfg config.MetricsConfig, pool *pgpool.Pool, registry *instance.Registry, instanceID string, log *logger.Logger) *Server {
	return &Server{
		cfg:        cfg,
		pool:       pool,
		registry:   registry,
		instanceID: instanceID,
		log:        log.WithComponent("httpapi"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully. A disabled server (cfg.Enabled == false) returns nil
// immediately without binding a port.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("httpapi: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi: shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleHealth reports process liveness only: it never touches the
// database, so a stuck connection pool can't turn a live process into a
// failing health check and trigger a needless restart.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady reports whether the process can currently serve: the
// database must be reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "database unreachable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// statusResponse is the JSON body served at /status.
type statusResponse struct {
	InstanceID string `json:"instanceId"`
	BuildID    string `json:"buildId"`
	Status     string `json:"status"`
	Checkpoint struct {
		ChainID          uint64 `json:"chainId"`
		BlockTimestamp   uint64 `json:"blockTimestamp"`
		BlockNumber      uint64 `json:"blockNumber"`
		TransactionIndex uint32 `json:"transactionIndex"`
		EventIndex       uint32 `json:"eventIndex"`
	} `json:"checkpoint"`
	DatabasePool pgpool.Stats `json:"databasePool"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Status(r.Context(), s.instanceID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "read instance status: %v", err)
		return
	}
	if inst == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var resp statusResponse
	resp.InstanceID = inst.InstanceID
	resp.BuildID = inst.BuildID
	resp.Status = string(inst.Status)
	resp.Checkpoint.ChainID = inst.Checkpoint.ChainID
	resp.Checkpoint.BlockTimestamp = inst.Checkpoint.BlockTimestamp
	resp.Checkpoint.BlockNumber = inst.Checkpoint.BlockNumber
	resp.Checkpoint.TransactionIndex = inst.Checkpoint.TransactionIndex
	resp.Checkpoint.EventIndex = inst.Checkpoint.EventIndex
	resp.DatabasePool = s.pool.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warnf("encode status response: %v", err)
	}
}
