// Package http provides the HTTP transport layer for arrivald.
//
// Routes:
//
//	GET    /health
//	GET    /metrics
//	GET    /archive
//	GET    /archive/{id}
//	GET    /
//	PUT    /{schedule}
//	DELETE /{schedule}
//	GET    /{schedule}/info
//	GET    /{schedule}/wait
//	POST   /{schedule}/start
//	POST   /{schedule}/stop
//	POST   /{schedule}/unget
//	GET    /{schedule}/ws
//	POST   /{schedule}/subscriptions
//	GET    /{schedule}/subscriptions
//	DELETE /subscriptions/{id}
package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rld013/arrival-rate-server/internal/archive"
	"github.com/rld013/arrival-rate-server/internal/config"
	"github.com/rld013/arrival-rate-server/internal/consumer"
	"github.com/rld013/arrival-rate-server/internal/metrics"
	"github.com/rld013/arrival-rate-server/internal/node"
	"github.com/rld013/arrival-rate-server/internal/registry"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
	transportws "github.com/rld013/arrival-rate-server/internal/transport/websocket"
)

// Deps are the components the HTTP layer serves. Archive and Metrics may be
// nil.
type Deps struct {
	Config   *config.Config
	Node     *node.Node
	Registry *registry.Registry
	Pacer    *scheduler.Pacer
	Consumer *consumer.Manager
	Archive  *archive.Archive
	Metrics  *metrics.Registry
	Log      zerolog.Logger
	Version  string
}

// Server wraps the stdlib HTTP server with arrivald route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps) *Server {
	cfg := d.Config
	log := d.Log.With().Str("component", "http").Logger()
	h := &Handler{
		cfg:      cfg.Schedule,
		reg:      d.Registry,
		pacer:    d.Pacer,
		consumer: d.Consumer,
		archive:  d.Archive,
		metrics:  d.Metrics,
		node:     d.Node,
		version:  d.Version,
		log:      log,
	}
	ws := &transportws.Handler{Registry: d.Registry, Pacer: d.Pacer, Log: d.Log}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(log),
		MetricsMiddleware(d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
	)

	r.Get("/health", h.health)
	if d.Metrics != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	r.Get("/archive", h.listArchive)
	r.Get("/archive/{id}", h.getArchived)
	r.Delete("/subscriptions/{id}", h.deleteSubscription)

	r.Get("/", h.listSchedules)
	r.Route("/{schedule}", func(r chi.Router) {
		r.Put("/", h.putSchedule)
		r.Delete("/", h.deleteSchedule)
		r.Get("/info", h.getInfo)
		r.Get("/wait", h.wait)
		r.Post("/start", h.start)
		r.Post("/stop", h.stop)
		r.Post("/unget", h.unget)
		r.Method(http.MethodGet, "/ws", ws)
		r.Post("/subscriptions", h.createSubscription)
		r.Get("/subscriptions", h.listSubscriptions)
	})

	return &Server{
		inner: &http.Server{
			Handler:      r,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
