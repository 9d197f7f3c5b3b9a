package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/world"
)

// Pinger reports backend connectivity for readiness checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	config      config.ServerConfig
	router      *chi.Mux
	coordinator *world.Coordinator
	pingers     []Pinger
}

// NewServer creates a new API server. The pingers back the /ready
// endpoint, typically the repository and the container runtime.
func NewServer(cfg config.ServerConfig, coordinator *world.Coordinator, pingers ...Pinger) *Server {
	s := &Server{
		config:      cfg,
		coordinator: coordinator,
		pingers:     pingers,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks (public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// Admin surface (event management) guarded by the admin token
	r.Route("/api/events", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Post("/", s.handleCreateEvent)
		r.Get("/", s.handleListEvents)
		r.Delete("/{event}", s.handleDeleteEvent)
	})

	// Participant-facing surface keyed by event and identity
	r.Get("/events", s.handleListEvents)
	r.Route("/{event}", func(r chi.Router) {
		r.Get("/", s.handleGetEvent)
		r.Get("/worlds", s.handleListWorlds)
		r.Post("/create/{identity}", s.handleCreateWorld)
		r.Post("/reset/{identity}", s.handleResetWorld)
		r.Delete("/delete/{identity}", s.handleDeleteWorld)
		r.Get("/status/{identity}", s.handleWorldStatus)
		r.Get("/config/{identity}", s.handleWorldConfig)
		r.Get("/wireguard/{identity}/config", s.handleWireguardConfig)
		r.Get("/wireguard/{identity}/network", s.handleWireguardNetwork)
		r.Get("/logs/{identity}/{service}", s.handleServiceLogs)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
