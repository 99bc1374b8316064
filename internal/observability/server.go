// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides HTTP endpoints for metrics and health
// probes, and the Prometheus counters behind auth outcomes.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/holomush/gatewarden/internal/storage"
)

// StatusFunc reports the active storage mode and whether the backend is
// reachable. Drives the readiness probe.
type StatusFunc func(ctx context.Context) (storage.Mode, bool)

// Metrics holds the Prometheus counters for auth outcomes. It satisfies the
// Coordinator's metrics contract.
type Metrics struct {
	AuthAttemptsTotal *prometheus.CounterVec
	LockoutsTotal     prometheus.Counter
}

// NewMetrics creates and registers the gatewarden counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_auth_attempts_total",
				Help: "Total number of register/login attempts by outcome",
			},
			[]string{"outcome"},
		),
		LockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatewarden_lockouts_total",
				Help: "Total number of triggered brute-force lockouts",
			},
		),
	}

	reg.MustRegister(m.AuthAttemptsTotal)
	reg.MustRegister(m.LockoutsTotal)

	return m
}

// AuthAttempt counts one register/login outcome.
func (m *Metrics) AuthAttempt(outcome string) {
	m.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
}

// Lockout counts one triggered lockout.
func (m *Metrics) Lockout() {
	m.LockoutsTotal.Inc()
}

// Server provides HTTP endpoints for observability (metrics and health
// probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	status     StatusFunc
	running    atomic.Bool
}

// NewServer creates an observability server listening on addr
// ("host:port"; ":9100" for all interfaces).
func NewServer(addr string, status StatusFunc) *Server {
	// Own registry so tests and embedders never pollute the global one
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		status:   status,
	}
}

// Metrics returns the counters for recording auth events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints. It returns an error channel
// that receives any error from the HTTP server after it starts; the channel
// is closed on graceful stop. Callers should monitor it to detect failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		// Local httpSrv avoids a race with a subsequent Start
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness reports the storage mode. File mode still answers ready:
// degraded persistence is an operating state, not an outage.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.status == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		//nolint:errcheck // health check write error is acceptable
		w.Write([]byte("no status\n"))
		return
	}

	mode, connected := s.status(r.Context())
	if !connected {
		w.WriteHeader(http.StatusServiceUnavailable)
		//nolint:errcheck // health check write error is acceptable
		fmt.Fprintf(w, "not ready mode=%s\n", mode)
		return
	}
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable
	fmt.Fprintf(w, "ready mode=%s\n", mode)
}
