package liverefresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RefreshFunc is invoked when the context it is registered under is invalidated
type RefreshFunc func(ctx context.Context) error

// Config contains registry configuration
type Config struct {
	// Upper bound for one Notify fan-out
	DispatchTimeout time.Duration
}

// DefaultConfig returns a default registry configuration
func DefaultConfig() Config {
	return Config{
		DispatchTimeout: 30 * time.Second,
	}
}

// Subscription is one (context, callback) registration
type Subscription struct {
	ID      string
	Context livecontext.Name
	Label   string

	fn        RefreshFunc
	enabled   atomic.Bool
	enabledFn func() bool
	active    atomic.Bool
	once      sync.Once
	registry  *Registry
}

// SubscribeOption configures a subscription
type SubscribeOption func(*Subscription)

// WithEnabled sets the initial enabled flag (default true)
func WithEnabled(enabled bool) SubscribeOption {
	return func(s *Subscription) {
		s.enabled.Store(enabled)
	}
}

// WithEnabledFunc adds a predicate consulted at every dispatch
func WithEnabledFunc(fn func() bool) SubscribeOption {
	return func(s *Subscription) {
		s.enabledFn = fn
	}
}

// WithLabel names the subscriber in logs
func WithLabel(label string) SubscribeOption {
	return func(s *Subscription) {
		s.Label = label
	}
}

// Unsubscribe removes the subscription. Safe to call more than once and from
// inside a callback. Once it returns no dispatch starts the callback again; a
// call already running is not interrupted.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.registry.remove(s)
	})
}

// SetEnabled suppresses or resumes delivery without unsubscribing.
// Events missed while disabled are not replayed.
func (s *Subscription) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Enabled reports whether the next dispatch would invoke the callback
func (s *Subscription) Enabled() bool {
	if !s.enabled.Load() {
		return false
	}
	if s.enabledFn != nil {
		return s.enabledFn()
	}
	return true
}

// Active reports whether the subscription is still registered
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Registry maps each context to its live subscribers
type Registry struct {
	config Config
	subs   map[livecontext.Name][]*Subscription // copy-on-write, never mutated in place
	mu     sync.RWMutex

	// Dispatches in flight, guarded by mu
	active int
	idle   chan struct{}
	closed bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a new live refresh registry
func NewRegistry(config ...Config) *Registry {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}

	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}

	return &Registry{
		config:  cfg,
		subs:    make(map[livecontext.Name][]*Subscription),
		logger:  log.With().Str("component", "liverefresh").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Subscribe registers fn under name. Subscribers of one context are invoked
// in registration order.
func (r *Registry) Subscribe(name livecontext.Name, fn RefreshFunc, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{
		ID:       generateID(),
		Context:  name,
		fn:       fn,
		registry: r,
	}
	sub.enabled.Store(true)
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	r.mu.Lock()
	current := r.subs[name]
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	r.subs[name] = append(next, sub)
	count := len(r.subs[name])
	r.mu.Unlock()

	r.metrics.RegistrySubscriptionsActive.WithLabelValues(string(name)).Set(float64(count))
	r.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("context", string(name)).
		Str("label", sub.Label).
		Msg("Subscribed")

	return sub
}

// remove drops sub from its context list
func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	current := r.subs[sub.Context]
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(r.subs, sub.Context)
	} else {
		r.subs[sub.Context] = next
	}
	r.mu.Unlock()

	r.metrics.RegistrySubscriptionsActive.WithLabelValues(string(sub.Context)).Set(float64(len(next)))
	r.logger.Debug().Str("subscription_id", sub.ID).Str("context", string(sub.Context)).Msg("Unsubscribed")
}

// Notify starts the callbacks of every enabled subscriber of the given
// contexts and returns without waiting for them. Repeated names count once.
// Callbacks share a context cancelled after DispatchTimeout. Failures are
// logged and never reach the caller or sibling subscribers.
func (r *Registry) Notify(names []livecontext.Name) {
	if len(names) == 0 || !r.begin() {
		return
	}
	names = append([]livecontext.Name(nil), names...)

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DispatchTimeout)
	go func() {
		defer r.end()
		defer cancel()

		if err := r.dispatch(ctx, names); err != nil {
			r.logger.Debug().Err(err).Msg("Notify completed with callback failures")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn().
				Strs("contexts", livecontext.Strings(names)).
				Dur("timeout", r.config.DispatchTimeout).
				Msg("Refresh callbacks outlived the dispatch timeout")
		}
	}()
}

// Refresh runs the same fan-out as Notify on the caller's goroutine and
// returns the first callback failure. With no names every context that has
// subscribers is refreshed.
func (r *Registry) Refresh(ctx context.Context, names ...livecontext.Name) error {
	if !r.begin() {
		return nil
	}
	defer r.end()

	if len(names) == 0 {
		names = r.contexts()
	}
	return r.dispatch(ctx, names)
}

// Wait blocks until no dispatch is in flight or ctx is done
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.active == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.idle == nil {
		r.idle = make(chan struct{})
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin records a dispatch; false once the registry is shut down
func (r *Registry) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.active++
	return true
}

// end releases a dispatch recorded by begin
func (r *Registry) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if r.active == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
}

// dispatch runs one invalidation event. Contexts go one after another and
// subscribers of one context in registration order.
func (r *Registry) dispatch(ctx context.Context, names []livecontext.Name) error {
	start := time.Now()
	defer func() {
		r.metrics.RegistryDispatchDuration.Observe(time.Since(start).Seconds())
	}()

	var first error
	seen := make(map[livecontext.Name]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		subs := r.snapshot(name)
		if len(subs) == 0 {
			continue
		}
		r.metrics.RegistryNotificationsTotal.WithLabelValues(string(name)).Inc()

		for _, sub := range subs {
			if err := r.invoke(ctx, sub); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// invoke runs one callback in isolation
func (r *Registry) invoke(ctx context.Context, sub *Subscription) (err error) {
	name := string(sub.Context)

	if !sub.Active() {
		return nil
	}
	if !sub.Enabled() {
		r.metrics.RegistryCallbacksTotal.WithLabelValues(name, "skipped").Inc()
		return nil
	}
	// The predicate may have run while another goroutine unsubscribed
	if !sub.Active() {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("refresh callback %s panicked: %v", sub.ID, rec)
			r.metrics.RegistryCallbacksTotal.WithLabelValues(name, "panic").Inc()
			r.logger.Error().
				Str("subscription_id", sub.ID).
				Str("context", name).
				Str("label", sub.Label).
				Interface("panic", rec).
				Msg("Refresh callback panicked")
		}
	}()

	if err := sub.fn(ctx); err != nil {
		r.metrics.RegistryCallbacksTotal.WithLabelValues(name, "error").Inc()
		r.logger.Warn().
			Err(err).
			Str("subscription_id", sub.ID).
			Str("context", name).
			Str("label", sub.Label).
			Msg("Refresh callback failed")
		return fmt.Errorf("refresh %s for %s: %w", sub.ID, name, err)
	}

	r.metrics.RegistryCallbacksTotal.WithLabelValues(name, "ok").Inc()
	return nil
}

// snapshot returns the current subscriber list of one context
func (r *Registry) snapshot(name livecontext.Name) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[name]
}

// contexts lists contexts with at least one subscriber, in registry order
func (r *Registry) contexts() []livecontext.Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]livecontext.Name, 0, len(r.subs))
	for _, name := range livecontext.All() {
		if len(r.subs[name]) > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Count returns the number of subscribers for name
func (r *Registry) Count(name livecontext.Name) int {
	return len(r.snapshot(name))
}

// Snapshot returns subscriber counts per context
func (r *Registry) Snapshot() map[livecontext.Name]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[livecontext.Name]int, len(r.subs))
	for name, subs := range r.subs {
		out[name] = len(subs)
	}
	return out
}

// Shutdown deactivates and drops every subscription, then waits for
// dispatches in flight until ctx is done. Later Notify calls do nothing.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down live refresh registry")

	r.mu.Lock()
	r.closed = true
	for name, subs := range r.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
		r.metrics.RegistrySubscriptionsActive.WithLabelValues(string(name)).Set(0)
	}
	r.subs = make(map[livecontext.Name][]*Subscription)
	r.mu.Unlock()

	if err := r.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for refresh callbacks: %w", err)
	}
	return nil
}

// Variable for generating unique subscription IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
