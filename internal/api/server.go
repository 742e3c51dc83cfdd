package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/auth"
	"github.com/iotgateway/gateway-core/internal/config"
	"github.com/iotgateway/gateway-core/internal/dispatch"
	"github.com/iotgateway/gateway-core/internal/metrics"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/storage"
	"github.com/iotgateway/gateway-core/internal/validation"
)

// Sessions is the read side of the session registry
type Sessions interface {
	List() []models.DeviceSession
	Find(clientID string) (models.DeviceSession, bool)
}

// Statistics is the read side of the statistics aggregator
type Statistics interface {
	Snapshot(deviceID string) []models.CmdStat
}

// Dispatcher sends operator commands
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, action string) (*dispatch.Result, error)
	DispatchRaw(ctx context.Context, deviceID string, frame []byte) (*dispatch.Result, error)
	DispatchStructured(ctx context.Context, deviceID, typ string, fields map[string]interface{}) (*dispatch.Result, error)
}

// HealthCheck reports the state of one dependency
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the REST API
type Deps struct {
	Store      storage.Store
	Sessions   Sessions
	Statistics Statistics
	Dispatcher Dispatcher
	Live       http.Handler
	Gatherer   prometheus.Gatherer
	Checks     map[string]HealthCheck
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	deps      Deps
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		deps:      deps,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	// no WriteTimeout: websocket connections are long lived
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.config.Metrics.Enabled && s.deps.Gatherer != nil {
		s.router.Method(http.MethodGet, s.config.Metrics.Path, metrics.Handler(s.deps.Gatherer))
	}

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware. With no secret
// configured every request passes.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		// Get token from header, or from the query for websocket clients
		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		} else {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// requestLogger logs one line per request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
