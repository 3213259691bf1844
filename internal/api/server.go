package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/covergrid/outreachd/internal/config"
	"github.com/covergrid/outreachd/internal/scheduler"
	"github.com/covergrid/outreachd/internal/storage"
	"github.com/covergrid/outreachd/internal/webhook"
)

type Server struct {
	cfg     config.ServerConfig
	store   storage.Store
	poller  *scheduler.Poller
	planner *scheduler.Planner
	engine  *webhook.Engine
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Store, poller *scheduler.Poller, planner *scheduler.Planner, engine *webhook.Engine, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		poller:  poller,
		planner: planner,
		engine:  engine,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	subHandler := NewSubscriptionHandler(s.store)
	triggerHandler := NewTriggerHandler(s.engine, s.poller)
	actionHandler := NewActionHandler(s.store, s.planner)
	statsHandler := NewStatsHandler(s.store)

	// Health check, no auth
	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Cron trigger uses its own secret so the platform scheduler can call it
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.CronSecret))
			r.Post("/cron/process-actions", triggerHandler.ProcessActions)
		})

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.AdminToken))

			// Event fan-out
			r.Post("/events", triggerHandler.TriggerEvent)

			// Follow-up planning
			r.Post("/leads/{leadID}/follow-ups", actionHandler.ScheduleFollowUp)
			r.Post("/leads/{leadID}/campaigns", actionHandler.ScheduleCampaign)
			r.Post("/leads/{leadID}/callbacks", actionHandler.ScheduleCallback)
			r.Delete("/leads/{leadID}/actions", actionHandler.CancelPending)
			r.Get("/leads/{leadID}/actions", actionHandler.ListByLead)
			r.Get("/actions/{id}", actionHandler.Get)

			// Webhook subscriptions
			r.Post("/partners/{partnerID}/webhooks", subHandler.Create)
			r.Get("/partners/{partnerID}/webhooks", subHandler.List)
			r.Get("/webhooks/{id}", subHandler.Get)
			r.Patch("/webhooks/{id}", subHandler.Update)
			r.Delete("/webhooks/{id}", subHandler.Delete)
			r.Get("/webhooks/{id}/deliveries", subHandler.ListDeliveries)

			// Stats
			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
