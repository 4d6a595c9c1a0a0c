// Package chi serves the local live refresh API with the chi router.
package chi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/errors"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/models"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/response"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/validation"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/logging"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// CORS origins; empty allows any
	AllowedOrigins []string

	// Leave /metrics unrouted
	DisableMetrics bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8090",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 20 * time.Second,
	}
}

// ChiAPI handles HTTP endpoints using Chi router
type ChiAPI struct {
	config    Config
	router    *chi.Mux
	serverMu  sync.Mutex
	server    *http.Server
	dashboard Dashboard
	stream    http.Handler
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewChiAPI creates the API. stream serves the relay websocket and may be nil.
func NewChiAPI(config Config, dashboard Dashboard, stream http.Handler) *ChiAPI {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	a := &ChiAPI{
		config:    config,
		dashboard: dashboard,
		stream:    stream,
		logger:    log.With().Str("component", "api-chi").Logger(),
		metrics:   metrics.GetMetrics(),
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the routed handler
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

func (a *ChiAPI) newRouter() *chi.Mux {
	r := chi.NewRouter()

	origins := a.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(telemetry.TracerName))
	r.Use(a.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	return r
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ok"})
	})
	r.Get("/readyz", a.handleReady)

	// Metrics endpoint
	if !a.config.DisableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// The relay stream is long lived and stays outside the request timeout
	if a.stream != nil {
		r.Handle("/stream", a.stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Get("/status", a.handleStatus)
		r.Get("/contexts", a.handleListContexts)
		r.Get("/resources/{context}", a.handleGetResources)
		r.Post("/invalidate", a.handleInvalidate)
	})
}

// instrument records request metrics by route pattern
func (a *ChiAPI) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.dashboard.Ready() {
		response.Error(w, r, apierrors.UnavailableError("not_ready", "Dashboard is not running"))
		return
	}
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ready"})
}

func (a *ChiAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.dashboard.Status())
}

// handleListContexts lists every known context with its subscribers
func (a *ChiAPI) handleListContexts(w http.ResponseWriter, r *http.Request) {
	counts := a.dashboard.Status().Subscriptions

	items := make([]models.ContextResponse, 0, len(livecontext.All()))
	for _, name := range livecontext.All() {
		item := models.ContextResponse{Name: name, Subscribers: counts[name]}
		for _, res := range a.dashboard.Resources(name) {
			item.Resources = append(item.Resources, res.Key())
		}
		items = append(items, item)
	}
	response.List(w, r, items)
}

// handleGetResources returns the current value of every hook on a context
func (a *ChiAPI) handleGetResources(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "context")
	if !livecontext.IsKnown(raw) {
		response.Error(w, r, apierrors.NotFoundError("unknown_context", "Unknown live refresh context: "+raw))
		return
	}
	name := livecontext.Name(raw)

	ctx := a.dashboard.Context(r.Context())
	resources := a.dashboard.Resources(name)
	items := make([]models.ResourceResponse, 0, len(resources))
	for _, res := range resources {
		data, err := res.Document(ctx)
		item := models.ResourceResponse{Info: res.Info(), Data: data}
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Debug().Err(err).Str("resource", res.Key()).Msg("Resource unavailable")
			item.Data = nil
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	response.List(w, r, items)
}

// handleInvalidate injects an invalidation event
func (a *ChiAPI) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req models.InvalidateRequest
	if err := validation.ParseAndValidate(w, r, models.MaxInvalidateBytes, &req); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Debug().Err(err).Msg("Invalid invalidation request")
		response.Error(w, r, err)
		return
	}

	telemetry.AddSpanAttributes(r.Context(),
		attribute.StringSlice("livesync.contexts", livecontext.Strings(req.Contexts)))
	if len(req.Contexts) > 0 {
		a.dashboard.Notify(req.Contexts)
	}

	accepted := req.Contexts
	if accepted == nil {
		accepted = []livecontext.Name{}
	}
	response.JSON(w, r, http.StatusOK, models.InvalidateResponse{Accepted: accepted})
}

// Start serves until ctx is cancelled or the listener fails
func (a *ChiAPI) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled or serving fails
func (a *ChiAPI) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.serverMu.Lock()
	a.server = server
	a.serverMu.Unlock()

	a.logger.Info().Str("addr", listener.Addr().String()).Msg("API server started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.serverMu.Lock()
	server := a.server
	a.serverMu.Unlock()

	if server == nil {
		return nil
	}
	a.logger.Info().Msg("Shutting down API server")
	return server.Shutdown(ctx)
}
