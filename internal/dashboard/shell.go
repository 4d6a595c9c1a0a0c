// Package dashboard owns the live refresh lifecycle of one signed-in
// dashboard: the push channel, the polling fallback and the registry that
// data hooks subscribe to.
package dashboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/channel"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/dashsync"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/liverefresh"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/polling"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/resource"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrStarted is returned by a second Start
	ErrStarted = errors.New("dashboard: already started")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("dashboard: closed")
)

// Mode is how the dashboard currently learns about changes
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
	ModeOffline Mode = "offline"
	ModeClosed  Mode = "closed"
)

// Config contains shell configuration
type Config struct {
	UserID string
	Role   string

	// Value of the dashboard sync flag handed to data hooks
	SyncEnabled bool

	// Push transport and the event it carries
	Transport    transport.Config
	AuthEndpoint string
	Event        string

	Polling  polling.Config
	Registry liverefresh.Config
}

// Relay receives every invalidation the shell applies
type Relay interface {
	Publish(names []livecontext.Name)
}

// Resource is a data hook tracked by the shell
type Resource interface {
	Key() string
	Refetch(ctx context.Context) error
	Document(ctx context.Context) (any, error)
	Info() resource.Info
}

// Deps are the collaborators of a shell
type Deps struct {
	// Current bearer token; empty means signed out
	GetToken func() string

	// Optional
	Relay  Relay
	Dialer channel.DialFunc
}

// Status describes the shell for status output
type Status struct {
	Mode              Mode                     `json:"mode"`
	UserID            string                   `json:"user_id"`
	Role              string                   `json:"role,omitempty"`
	SyncEnabled       bool                     `json:"sync_enabled"`
	Visible           bool                     `json:"visible"`
	PollingEnabled    bool                     `json:"polling_enabled"`
	PollState         string                   `json:"poll_state"`
	PollFailures      int                      `json:"poll_failures"`
	LiveUpdatesPaused bool                     `json:"live_updates_paused"`
	LastError         string                   `json:"last_error,omitempty"`
	LastInvalidation  time.Time                `json:"last_invalidation,omitempty"`
	StartedAt         time.Time                `json:"started_at,omitempty"`
	Subscriptions     map[livecontext.Name]int `json:"subscriptions"`
	Resources         []resource.Info          `json:"resources"`
}

// Shell runs live refresh for one dashboard
type Shell struct {
	config   Config
	deps     Deps
	registry *liverefresh.Registry

	mu               sync.Mutex
	mode             Mode
	started          bool
	closed           bool
	visible          bool
	paused           bool
	lastErr          error
	lastInvalidation time.Time
	startedAt        time.Time
	teardown         channel.Teardown
	poller           *polling.Poller
	cancel           context.CancelFunc
	ctx              context.Context
	resources        map[livecontext.Name][]Resource

	logger zerolog.Logger
}

// New creates a shell. Nothing connects until Start.
func New(config Config, deps Deps) *Shell {
	if config.Registry.DispatchTimeout <= 0 {
		config.Registry = liverefresh.DefaultConfig()
	}
	return &Shell{
		config:    config,
		deps:      deps,
		registry:  liverefresh.NewRegistry(config.Registry),
		mode:      ModeIdle,
		visible:   true,
		resources: make(map[livecontext.Name][]Resource),
		logger:    log.With().Str("component", "dashboard").Str("user_id", config.UserID).Logger(),
	}
}

// Registry returns the registry data hooks subscribe to
func (s *Shell) Registry() *liverefresh.Registry {
	return s.registry
}

// Context returns parent carrying the dashboard sync flag
func (s *Shell) Context(parent context.Context) context.Context {
	return dashsync.WithEnabled(parent, s.config.SyncEnabled)
}

func (s *Shell) token() string {
	if s.deps.GetToken == nil {
		return ""
	}
	return s.deps.GetToken()
}

// Start connects live updates. Without a token, or when the connection
// fails, the shell falls back to polling. Degradation is not an error.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if s.token() == "" {
		s.logger.Info().Msg("No auth token, using polling fallback")
		s.fallback(nil)
		return nil
	}

	var opts []channel.Option
	if s.deps.Dialer != nil {
		opts = append(opts, channel.WithDialer(s.deps.Dialer))
	}

	teardown, err := channel.Connect(runCtx, channel.Config{
		UserID:       s.config.UserID,
		Role:         s.config.Role,
		GetToken:     s.token,
		AuthEndpoint: s.config.AuthEndpoint,
		Transport:    s.config.Transport,
		Event:        s.config.Event,
		OnDisconnect: s.onDisconnect,
	}, s, opts...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Live updates unavailable, using polling fallback")
		s.fallback(err)
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		teardown()
		return ErrClosed
	}
	s.teardown = teardown
	if s.poller == nil {
		s.mode = ModeLive
	}
	s.mu.Unlock()
	return nil
}

// onDisconnect runs on the channel reader; it must not wait for teardown
func (s *Shell) onDisconnect(err error) {
	s.logger.Warn().Err(err).Msg("Live updates disconnected, using polling fallback")
	s.fallback(err)
}

// fallback switches to polling when enabled
func (s *Shell) fallback(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason != nil {
		s.lastErr = reason
	}
	if s.closed || s.poller != nil {
		return
	}
	if !s.config.Polling.Enabled {
		s.mode = ModeOffline
		s.logger.Info().Msg("Polling disabled, dashboard updates on demand only")
		return
	}

	s.poller = polling.New(s.config.Polling, s.pollRefresh,
		polling.WithErrorHandler(s.onPollError),
		polling.WithVisible(s.visible),
	)
	s.mode = ModePolling
	s.poller.Start(s.ctx)
}

// pollRefresh refetches every subscribed context
func (s *Shell) pollRefresh(ctx context.Context) error {
	if err := s.registry.Refresh(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	if s.deps.Relay != nil {
		if names := s.subscribed(); len(names) > 0 {
			s.deps.Relay.Publish(names)
		}
	}
	return nil
}

func (s *Shell) onPollError(e *polling.Error) {
	s.mu.Lock()
	s.lastErr = e.Err
	if e.StopPolling {
		s.paused = true
	}
	s.mu.Unlock()

	if e.StopPolling {
		s.logger.Error().
			Err(e.Err).
			Int("consecutive_failures", e.ConsecutiveFailures).
			Msg("Live updates paused after repeated refresh failures")
	}
}

// subscribed lists contexts with subscribers in registry order
func (s *Shell) subscribed() []livecontext.Name {
	counts := s.registry.Snapshot()
	var names []livecontext.Name
	for _, name := range livecontext.All() {
		if counts[name] > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Notify applies an invalidation: registry subscribers refetch and the relay
// forwards it to local views. Implements channel.Sink.
func (s *Shell) Notify(names []livecontext.Name) {
	names = livecontext.Normalize(livecontext.Strings(names))
	if len(names) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastInvalidation = time.Now()
	s.mu.Unlock()

	s.registry.Notify(names)
	if s.deps.Relay != nil {
		s.deps.Relay.Publish(names)
	}
}

// Watch binds r to name and tracks it for resource output
func (s *Shell) Watch(name livecontext.Name, r Resource, opts ...liverefresh.SubscribeOption) *liverefresh.Subscription {
	s.mu.Lock()
	s.resources[name] = append(s.resources[name], r)
	s.mu.Unlock()

	opts = append([]liverefresh.SubscribeOption{liverefresh.WithLabel(r.Key())}, opts...)
	return s.registry.Subscribe(name, r.Refetch, opts...)
}

// Resources returns the hooks watching name
func (s *Shell) Resources(name livecontext.Name) []Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resource(nil), s.resources[name]...)
}

// SetVisible pauses or resumes polling with the dashboard's visibility
func (s *Shell) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	poller := s.poller
	s.mu.Unlock()

	if poller != nil {
		poller.SetVisible(visible)
	}
}

// Status returns a snapshot of the shell state
func (s *Shell) Status() Status {
	s.mu.Lock()
	status := Status{
		Mode:              s.mode,
		UserID:            s.config.UserID,
		Role:              s.config.Role,
		SyncEnabled:       s.config.SyncEnabled,
		Visible:           s.visible,
		PollingEnabled:    s.config.Polling.Enabled,
		PollState:         polling.Idle.String(),
		LiveUpdatesPaused: s.paused,
		LastInvalidation:  s.lastInvalidation,
		StartedAt:         s.startedAt,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	poller := s.poller
	var all []Resource
	for _, rs := range s.resources {
		all = append(all, rs...)
	}
	s.mu.Unlock()

	if poller != nil {
		status.PollState = poller.State().String()
		status.PollFailures = poller.Failures()
	}
	status.Subscriptions = s.registry.Snapshot()

	status.Resources = make([]resource.Info, 0, len(all))
	for _, r := range all {
		status.Resources = append(status.Resources, r.Info())
	}
	sort.Slice(status.Resources, func(i, j int) bool {
		return status.Resources[i].Key < status.Resources[j].Key
	})
	return status
}

// Ready reports whether the shell is started and not closed
func (s *Shell) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Close tears down live updates and polling and drops every subscription.
// Safe to call more than once.
func (s *Shell) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mode = ModeClosed
	teardown := s.teardown
	poller := s.poller
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info().Msg("Closing dashboard")

	if teardown != nil {
		teardown()
	}
	if poller != nil {
		poller.Stop()
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return s.registry.Shutdown(ctx)
}
