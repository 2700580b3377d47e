package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/uber-go/tally/v6"
	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/config"
	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
	"github.com/Clark-Hu/marketplace-ratings/internal/identity"
	"github.com/Clark-Hu/marketplace-ratings/internal/limiter"
	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
	"github.com/Clark-Hu/marketplace-ratings/internal/metrics"
	"github.com/Clark-Hu/marketplace-ratings/internal/rating"
	"github.com/Clark-Hu/marketplace-ratings/internal/repository"
)

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Directory serves profile and review reads outside the rating transaction.
type Directory interface {
	CreateUser(ctx context.Context, params repository.UserCreateParams) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	ListUsers(ctx context.Context, filters repository.UserListFilters) (repository.UserListResult, error)
	ListRatings(ctx context.Context, filters repository.RatingListFilters) (repository.RatingListResult, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Health         HealthChecker
	Ratings        *rating.Service
	Directory      Directory
	Identity       identity.Resolver
	Limiter        *limiter.Limiter
	Scope          tally.Scope
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg            config.Config
	health         HealthChecker
	ratings        *rating.Service
	directory      Directory
	identity       identity.Resolver
	limiter        *limiter.Limiter
	scope          tally.Scope
	metricsHandler http.Handler
	logger         *zap.Logger
	validate       *validator.Validate
	router         chi.Router
	httpSrv        *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String(logging.FieldComponent, "http"))

	scope := deps.Scope
	if scope == nil {
		scope = tally.NoopScope
	}
	resolver := deps.Identity
	if resolver == nil {
		resolver = identity.HeaderResolver{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:            cfg,
		health:         deps.Health,
		ratings:        deps.Ratings,
		directory:      deps.Directory,
		identity:       resolver,
		limiter:        deps.Limiter,
		scope:          scope,
		metricsHandler: deps.MetricsHandler,
		logger:         logger,
		validate:       newValidator(),
		router:         r,
	}
	s.httpSrv = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	s.router.Route("/users", func(r chi.Router) {
		r.Get("/", s.instrument("list_users", s.handleListUsers))
		r.Post("/", s.instrument("create_user", s.handleCreateUser))
		r.Route("/{userId}", func(r chi.Router) {
			r.Get("/", s.instrument("get_user", s.handleGetUser))
			r.Get("/rating", s.instrument("fetch_user_rating", s.handleGetRating))
			r.Get("/ratings", s.instrument("list_ratings", s.handleListRatings))
			r.Post("/ratings", s.instrument("submit_rating", s.handleSubmitRating))
			r.Get("/ratings/mine", s.instrument("has_rated", s.handleHasRated))
		})
	})
}

// ServeHTTP lets the server be mounted or exercised directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start boots the HTTP server and blocks until ctx ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String(logging.FieldPort, s.cfg.Port))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Graceful shutdown failed", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server. It is safe to call while Start
// is running or after it returned.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			s.respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Store is unreachable")
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument counts calls and outcomes per endpoint.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	m := metrics.NewEndpointMetrics(s.scope, endpoint)
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		m.Observe(ww.Status())
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				zap.String(logging.FieldRequestID, middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
