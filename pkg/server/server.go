package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

/*
Server exposes the oracle's operational state over HTTP.

  GET /healthz:
    - 200 when the persistence layer answers its health check, 503 otherwise

  GET /status:
    - Submitting identity and asset pair
    - Scheduler counters (in flight, completed, skipped ticks)
    - The last cycle result and recent history from persistence
    - The journaled in-flight submission, if any
    - The last confirmed submission

  GET /metrics:
    - Prometheus exposition of the metrics sink registry

No endpoint exposes key material.
*/

// IOracleStatus is the oracle's view for /status
type IOracleStatus interface {
	Identity() common.Address
	Pair() types.AssetPair
	LastResult() *types.CycleResult
}

// ISchedulerStatus is the scheduler's view for /status
type ISchedulerStatus interface {
	InFlight() bool
	Completed() uint64
	Skipped() uint64
	LastStarted() time.Time
}

type ServerConfig struct {
	Port         int
	HistoryLimit int
}

type Server struct {
	config     *ServerConfig
	oracle     IOracleStatus
	scheduler  ISchedulerStatus
	store      persistence.IOraclePersistence
	logger     *zap.Logger
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates a new server instance. registry may be nil, in which case
// /metrics is not served.
func NewServer(cfg *ServerConfig, oracle IOracleStatus, scheduler ISchedulerStatus, store persistence.IOraclePersistence, registry *prometheus.Registry, l *zap.Logger) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	s := &Server{
		config:    cfg,
		oracle:    oracle,
		scheduler: scheduler,
		store:     store,
		logger:    l,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting status server", "address", s.oracle.Identity().Hex(), "port", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("Status server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down, waiting for open requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
