package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vskurikhin/go-pg-sync/config"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq/slot"
)

type SlotInfoProvider interface {
	Info(ctx context.Context) (*slot.Info, error)
}

type Server interface {
	Listen()
	Shutdown()
}

type server struct {
	slotInfoProvider SlotInfoProvider
	server           http.Server
	syncConfig       config.Config
	closed           bool
}

func NewServer(cfg config.Config, registry metric.Registry, slotInfoProvider SlotInfoProvider) Server {
	s := &server{
		syncConfig:       cfg,
		slotInfoProvider: slotInfoProvider,
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry.Prometheus(), promhttp.HandlerOpts{EnableOpenMetrics: true}))

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /slot", s.handleSlotInfo)

	if cfg.DebugMode {
		mux.Handle("GET /pprof", pprof.Handler("go-pg-sync"))
	}

	s.server = http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Metric.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

func (s *server) Listen() {
	logger.Info(fmt.Sprintf("server starting on port :%d", s.syncConfig.Metric.Port))

	err := s.server.ListenAndServe()
	if err != nil {
		if errors.Is(err, http.ErrServerClosed) && s.closed {
			logger.Info("server stopped")
			return
		}
		logger.Error("server cannot start", "port", s.syncConfig.Metric.Port, "error", err)
	}
}

func (s *server) Shutdown() {
	if s == nil {
		return
	}
	s.closed = true
	if err := s.server.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}

func (s *server) handleSlotInfo(w http.ResponseWriter, r *http.Request) {
	if s.slotInfoProvider == nil {
		http.Error(w, "slot info not available", http.StatusServiceUnavailable)
		return
	}

	info, err := s.slotInfoProvider.Info(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		logger.Error("failed to encode slot info response", "error", err)
	}
}
