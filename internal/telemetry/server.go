// Package telemetry exposes a small HTTP listener for health and metrics.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/metrics"
)

// Server serves /healthz and /metrics for the long-lived batch process.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New builds the telemetry server. addr is the listen address; an empty addr
// disables telemetry and New returns nil.
func New(addr string, logger *zap.Logger) *Server {
	if addr == "" {
		return nil
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	if s == nil {
		return
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("telemetry listener stopped", zap.Error(err))
		}
	}()
	s.logger.Info("telemetry listener started", zap.String("addr", s.srv.Addr))
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) {
	if s == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
