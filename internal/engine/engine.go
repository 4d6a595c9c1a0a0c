// Package engine wires the live refresh daemon together and runs it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/chi"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/backend"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/channel"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/config"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/dashboard"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/logging"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/notifier"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/resource"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/storage"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Option configures an Engine
type Option func(*Engine)

// WithTokenSource replaces the configured bearer token
func WithTokenSource(token func() string) Option {
	return func(e *Engine) {
		e.token = token
	}
}

// WithDialer replaces the push transport dialer
func WithDialer(dial channel.DialFunc) Option {
	return func(e *Engine) {
		e.dialer = dial
	}
}

// Engine is the coordinator of all daemon components
type Engine struct {
	config   *config.Config
	token    func() string
	dialer   channel.DialFunc
	store    storage.Store
	backend  *backend.Client
	notifier *notifier.Notifier
	shell    *dashboard.Shell
	queries  []*resource.Query[json.RawMessage]
	api      *chi.ChiAPI

	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// New creates an Engine with every component built from cfg
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config: cfg,
		token:  cfg.Token,
		logger: logging.Component("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	store, err := storage.Open(cfg.ToStorageFactoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	e.store = store

	e.backend = backend.New(cfg.Backend.BaseURL,
		append(cfg.ToBackendOptions(), backend.WithTokenSource(e.token))...)

	deps := dashboard.Deps{GetToken: e.token, Dialer: e.dialer}
	var stream http.Handler
	if cfg.Notifier.Enabled {
		e.notifier = notifier.NewNotifier(cfg.ToNotifierConfig(),
			notifier.WithVisibilityHandler(e.setVisible))
		deps.Relay = e.notifier
		stream = e.notifier
	}
	e.shell = dashboard.New(cfg.ToDashboardConfig(), deps)

	for _, rc := range cfg.Resources {
		q := resource.NewQuery(rc.ResourceKey(), e.backend.Getter(rc.Path), resource.Options[json.RawMessage]{
			Store:    e.store,
			Timeout:  rc.Timeout(),
			Fallback: rc.FallbackDocument(),
		})
		e.shell.Watch(livecontext.Name(rc.Context), q)
		e.queries = append(e.queries, q)
	}

	e.api = chi.NewChiAPI(cfg.ToAPIConfig(), e.shell, stream)
	return e, nil
}

func (e *Engine) setVisible(visible bool) {
	e.shell.SetVisible(visible)
}

// Shell returns the dashboard shell
func (e *Engine) Shell() *dashboard.Shell {
	return e.shell
}

// Handler returns the API handler
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}

// Start runs all components until ctx is cancelled
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("user_id", e.config.User.ID).
		Int("resources", len(e.queries)).
		Msg("Starting live refresh engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	if e.notifier != nil {
		if err := e.notifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notifier: %w", err)
		}
	}

	if err := e.shell.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Live refresh engine stopped")
	return nil
}

// Shutdown stops the engine, last started first
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down live refresh engine")

	// Stop accepting requests first
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	if err := e.shell.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close dashboard")
	}

	if e.notifier != nil {
		if err := e.notifier.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down notifier")
		}
	}

	for _, q := range e.queries {
		q.Close()
	}

	// Storage last
	if err := e.store.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close snapshot store")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	return nil
}
