package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/monitoring"
	"harvester/internal/site"
)

// Harvester runs harvesting jobs. Satisfied by *harvest.Orchestrator.
type Harvester interface {
	Search(ctx context.Context, a site.Adapter, rawURL string, index int) (*domain.HarvestResult, error)
	Reviews(ctx context.Context, a site.Adapter, rawURL string, exportCSV bool) (*domain.HarvestResult, error)
}

// SessionState reports the current browsing session, if any.
type SessionState interface {
	Current() *domain.Session
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	config     *config.Config
	router     http.Handler
	httpServer *http.Server
	harvester  Harvester
	sites      site.Registry
	sessions   SessionState
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, h Harvester, sites site.Registry, sessions SessionState, m *monitoring.Metrics, l *zap.Logger) *Server {
	s := &Server{
		config:    cfg,
		harvester: h,
		sites:     sites,
		sessions:  sessions,
		metrics:   m,
		logger:    l,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%s", s.config.ServerPort),
		Handler: s.router,
		// Harvest runs stream for a long time; only reads are bounded.
		ReadTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
