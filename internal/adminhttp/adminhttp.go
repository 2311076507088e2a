// Package adminhttp hosts the /metrics, /healthz, /readyz surface shared by
// both binaries.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the admin HTTP listener. It is a no-op if Address is empty.
type Server struct {
	log    *zap.Logger
	http   *http.Server
	ready  *atomic.Bool
}

// New builds (but does not start) the admin server. Address == "" disables
// it entirely, matching the reference's startAdminServer short-circuit.
func New(log *zap.Logger, address string, readHeaderTimeout time.Duration, reg *prometheus.Registry, ready *atomic.Bool) *Server {
	if address == "" {
		return &Server{log: log}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready == nil || ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	return &Server{
		log:   log,
		ready: ready,
		http: &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start runs the admin server in the background. No-op when disabled.
func (s *Server) Start() {
	if s.http == nil {
		return
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.http.Addr))
}

// Shutdown gracefully stops the admin server. No-op when disabled.
func (s *Server) Shutdown(ctx context.Context) {
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}
