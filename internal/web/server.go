package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/auth"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/notification"
	"github.com/saltyorg/reqflow/internal/processor"
	"github.com/saltyorg/reqflow/internal/web/handlers"
	"github.com/saltyorg/reqflow/internal/web/middleware"
	"github.com/saltyorg/reqflow/internal/web/ws"
)

// Server represents the HTTP API server
type Server struct {
	db            *database.DB
	port          int
	bind          string
	allowedNet    *net.IPNet
	router        *chi.Mux
	apiKeyService *auth.APIKeyService
	hub           *ws.Hub
	processor     *processor.Processor
	handlers      *handlers.Handlers
}

// NewServer creates the API server and registers its websocket hub as the processor's broadcaster
func NewServer(db *database.DB, proc *processor.Processor, port int, bind string, allowedNet *net.IPNet) *Server {
	s := &Server{
		db:            db,
		port:          port,
		bind:          bind,
		allowedNet:    allowedNet,
		router:        chi.NewRouter(),
		apiKeyService: auth.NewAPIKeyService(db),
		hub:           ws.NewHub(),
		processor:     proc,
	}
	proc.SetBroadcaster(s.hub)

	s.handlers = handlers.New(db, s.apiKeyService, proc)
	s.handlers.SetEventCounter(s.hub)
	s.setupRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// SetNotificationManager sets the notification manager used by the notification endpoints
func (s *Server) SetNotificationManager(mgr *notification.Manager) {
	s.handlers.SetNotificationManager(mgr)
}

// SetVersionInfo sets the build information served by /api/version
func (s *Server) SetVersionInfo(version, commit, date string) {
	s.handlers.SetVersionInfo(version, commit, date)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	// Global middleware (applied to all routes, except timeout which is per-group)
	r.Use(chimiddleware.RequestID)
	// AllowSubnet must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnet(s.allowedNet))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)

	// Websocket endpoint - no timeout (long-lived connections)
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.apiKeyService))
		r.Get("/api/ws", s.hub.ServeHTTP)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(middleware.APIKeyAuth(s.apiKeyService))

		r.Get("/version", h.Version)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/movie", h.QueueMovie)
			r.Post("/series", h.QueueSeries)
			r.Delete("/{kind}/{id}", h.SkipItem)
			r.Post("/clear", h.ClearQueue)
			r.Get("/status", h.QueueStatus)
			r.Get("/validate", h.ValidateQueue)
			r.Post("/reconcile", h.ReconcileQueue)
			r.Post("/retry-failed", h.RetryFailed)
		})

		r.Post("/requests/sync", h.SyncRequests)

		r.Route("/media", func(r chi.Router) {
			r.Get("/", h.ListMedia)
			r.Post("/series/{id}/subscribe", h.SubscribeSeries)
			r.Get("/{kind}/{id}", h.GetMedia)
			r.Post("/{kind}/{id}/ignore", h.IgnoreMedia)
			r.Post("/{kind}/{id}/retry", h.RetryMedia)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/", h.Stats)
			r.Get("/failed", h.FailedStats)
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Get("/schedules", h.Schedules)
			r.Post("/{routine}/run", h.RunRoutine)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/providers", h.NotificationProviders)
			r.Get("/logs", h.NotificationLogs)
			r.Post("/{provider}/test", h.TestNotification)
		})
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// ReadTimeout is for reading request body
		ReadTimeout: 15 * time.Second,
		// WriteTimeout disabled (0) to allow long-lived websocket connections.
		// Chi middleware timeout (60s) protects regular requests
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Close websocket clients first, Shutdown does not wait for hijacked connections
		s.hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		s.hub.Stop()
		return err
	}
}
