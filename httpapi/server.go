// Package httpapi exposes the orchestrator's REST and SSE surface.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/pslog"

	"github.com/Rushilwiz/director4/internal/eventbus"
	"github.com/Rushilwiz/director4/schema"
)

// SiteStore is the durable site definition store.
type SiteStore interface {
	Create(site schema.Site) (schema.Site, error)
	Get(id schema.SiteID) (schema.Site, error)
	Update(id schema.SiteID, mutate func(*schema.Site) error) (schema.Site, error)
	Delete(id schema.SiteID) error
	List() []schema.Site
}

// Orchestrator drives site process lifecycles.
type Orchestrator interface {
	Start(ctx context.Context, siteID schema.SiteID) error
	Stop(ctx context.Context, siteID schema.SiteID) error
	Restart(ctx context.Context, siteID schema.SiteID) error
	Status(ctx context.Context, siteID schema.SiteID) (schema.ProcessInstance, error)
	SiteUpdated(siteID schema.SiteID, revision uint64)
	Logs(ctx context.Context, siteID schema.SiteID, limit int) (stdout, stderr []string, err error)
	Forget(ctx context.Context, siteID schema.SiteID) error
}

// DatabaseDropper removes a site's database on deletion.
type DatabaseDropper interface {
	Drop(ctx context.Context, siteID schema.SiteID) error
}

// Server serves the orchestrator API.
type Server struct {
	router  chi.Router
	store   SiteStore
	orch    Orchestrator
	bus     *eventbus.Bus
	dropper DatabaseDropper
	metrics http.Handler
	logger  pslog.Logger
}

// Config assembles a Server.
type Config struct {
	Store   SiteStore
	Orch    Orchestrator
	Bus     *eventbus.Bus
	Dropper DatabaseDropper
	Metrics http.Handler
	Logger  pslog.Logger
}

// NewServer constructs the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Server{
		router:  chi.NewRouter(),
		store:   cfg.Store,
		orch:    cfg.Orch,
		bus:     cfg.Bus,
		dropper: cfg.Dropper,
		metrics: cfg.Metrics,
		logger:  logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(withRequestLogging(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleAllEvents)
		r.Route("/sites", func(r chi.Router) {
			r.Get("/", s.handleListSites)
			r.Post("/", s.handleCreateSite)
			r.Route("/{site}", func(r chi.Router) {
				r.Get("/", s.handleGetSite)
				r.Patch("/", s.handleUpdateSite)
				r.Delete("/", s.handleDeleteSite)
				r.Post("/start", s.handleStart)
				r.Post("/stop", s.handleStop)
				r.Post("/restart", s.handleRestart)
				r.Get("/status", s.handleStatus)
				r.Get("/logs", s.handleLogs)
				r.Get("/events", s.handleSiteEvents)
			})
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func siteParam(r *http.Request) schema.SiteID {
	return schema.SiteID(chi.URLParam(r, "site"))
}
