package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/runs"
	"github.com/haasonsaas/relay/internal/sessions"
)

const shutdownTimeout = 10 * time.Second

// Server is the relay gateway: websocket control plane, health
// endpoint, and metrics listener around one Coordinator.
type Server struct {
	config      *config.Config
	coordinator *Coordinator
	store       *sessions.SQLiteStore
	logger      *slog.Logger
	registry    *prometheus.Registry

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer assembles the coordinator and its collaborators from
// configuration. A nil runner defers to the agent.runner config
// selector; an explicit runner wins over the config.
func NewServer(cfg *config.Config, runner agent.Runner, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		switch cfg.Agent.Runner {
		case "", "echo":
			runner = &agent.EchoRunner{Delay: time.Duration(cfg.Agent.EchoDelayMs) * time.Millisecond}
		default:
			return nil, fmt.Errorf("unknown agent runner %q", cfg.Agent.Runner)
		}
	}

	var (
		store  sessions.Store
		log    sessions.MessageLog
		sqlite *sessions.SQLiteStore
	)
	if cfg.Session.StorePath != "" {
		s, err := sessions.NewSQLiteStore(cfg.Session.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		sqlite = s
		store = s
		log = s
	} else {
		store = sessions.NewMemoryStore()
		log = sessions.NewMemoryLog()
	}

	resolver := sessions.NewResolver(store, cfg.SaveDelay(), logger)
	registry := runs.NewRegistry(logger)
	broadcaster := events.NewBroadcaster(logger)
	windows := history.NewBuilder(log, cfg.Session.HistoryMaxBytes, cfg.Session.HistoryLimit)

	// Each server carries its own metric registry so multiple instances
	// in one process never collide on registration.
	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	coordinator := NewCoordinator(resolver, registry, broadcaster, log, windows, runner, metrics, logger)

	return &Server{
		config:      cfg,
		coordinator: coordinator,
		store:       sqlite,
		logger:      logger,
		registry:    promRegistry,
	}, nil
}

// Coordinator exposes the run coordination core, mainly for tests.
func (s *Server) Coordinator() *Coordinator {
	return s.coordinator
}

// Start runs the listeners until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	control := newWSControlPlane(s.coordinator, s.config.Gateway.MaxPayloadBytes, s.config.TickInterval(), s.logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", control)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok")) //nolint:errcheck
	})

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("starting gateway server", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.config.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		metricsAddr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.MetricsPort)
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux}
		group.Go(func() error {
			s.logger.Info("starting metrics server", "addr", metricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return s.Stop()
	})

	return group.Wait()
}

// Stop gracefully shuts down the listeners and flushes session state.
func (s *Server) Stop() error {
	s.logger.Info("stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(shutdownCtx) //nolint:errcheck
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(shutdownCtx) //nolint:errcheck
	}

	s.coordinator.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("error closing session store", "error", err)
		}
	}
	return nil
}
