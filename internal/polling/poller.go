// Package polling implements the degraded transport: interval refresh with a
// consecutive-failure breaker and visibility-driven pausing.
package polling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultInterval is used when no interval is configured
	DefaultInterval = 30 * time.Second

	// DefaultMaxConsecutiveErrors stops polling after this many failures in a row
	DefaultMaxConsecutiveErrors = 5
)

// State is the poller lifecycle state
type State int32

const (
	Idle State = iota
	Polling
	Paused
	Stopped
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config contains polling configuration
type Config struct {
	// Global feature flag
	Enabled bool

	// Time between refreshes
	Interval time.Duration

	// Consecutive failures before polling stops for good
	MaxConsecutiveErrors int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Interval:             DefaultInterval,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
	}
}

// Error is reported to the error handler after every failed refresh
type Error struct {
	Err                 error
	ConsecutiveFailures int

	// StopPolling is true when the breaker tripped and polling stopped
	StopPolling bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.StopPolling {
		return fmt.Sprintf("polling stopped after %d consecutive failures: %v", e.ConsecutiveFailures, e.Err)
	}
	return fmt.Sprintf("poll failed (%d consecutive): %v", e.ConsecutiveFailures, e.Err)
}

// Unwrap returns the refresh error
func (e *Error) Unwrap() error {
	return e.Err
}

// Option configures a Poller
type Option func(*Poller)

// WithErrorHandler sets the callback for failed refreshes. The handler runs
// on the polling goroutine and must not call Stop.
func WithErrorHandler(fn func(*Error)) Option {
	return func(p *Poller) {
		p.onError = fn
	}
}

// WithVisible sets the initial visibility (default visible)
func WithVisible(visible bool) Option {
	return func(p *Poller) {
		p.visible = visible
	}
}

// Poller runs a refresh function on an interval
type Poller struct {
	config  Config
	refresh func(ctx context.Context) error
	onError func(*Error)

	mu       sync.Mutex
	state    State
	failures int
	visible  bool
	parent   context.Context
	gen      uint64
	cancel   context.CancelFunc

	// Held while the error handler runs
	reportMu sync.Mutex

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a poller in the Idle state
func New(config Config, refresh func(ctx context.Context) error, opts ...Option) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}

	p := &Poller{
		config:  config,
		refresh: refresh,
		visible: true,
		state:   Idle,
		logger:  log.With().Str("component", "poller").Logger(),
		metrics: metrics.GetMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start leaves Idle: Polling when enabled and visible, Paused when enabled
// but hidden. A disabled poller stays Idle.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Idle {
		return
	}
	if !p.config.Enabled {
		p.logger.Debug().Msg("Polling disabled by configuration")
		return
	}

	p.parent = ctx
	p.failures = 0
	p.metrics.PollConsecutiveErrors.Set(0)

	if !p.visible {
		p.setState(Paused)
		return
	}

	p.logger.Info().Dur("interval", p.config.Interval).Msg("Starting polling")
	p.launch(false)
}

// SetVisible pauses polling while hidden and resumes it, with an immediate
// refresh, once visible again.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.visible == visible {
		return
	}
	p.visible = visible

	switch {
	case !visible && p.state == Polling:
		p.halt()
		p.setState(Paused)
		p.logger.Debug().Msg("Polling paused")
	case visible && p.state == Paused:
		p.logger.Debug().Msg("Polling resumed")
		p.launch(true)
	}
}

// Stop returns to Idle and cancels the pending timer and refresh. Results
// that arrive later are discarded; once Stop returns the error handler is
// not called again for the stopped run.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state != Idle {
		p.halt()
		p.setState(Idle)
		p.logger.Debug().Msg("Polling stopped")
	}
	p.mu.Unlock()

	// Wait out a handler that is already running
	p.reportMu.Lock()
	p.reportMu.Unlock()
}

// State returns the current state
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Failures returns the consecutive failure count
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// launch starts a new loop generation. p.mu must be held.
func (p *Poller) launch(immediate bool) {
	p.gen++
	gen := p.gen

	ctx, cancel := context.WithCancel(p.parent)
	p.cancel = cancel
	p.setState(Polling)

	go p.loop(ctx, gen, immediate)
}

// halt invalidates the running generation. p.mu must be held.
func (p *Poller) halt() {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// setState records the state. p.mu must be held.
func (p *Poller) setState(s State) {
	p.state = s
	p.metrics.PollState.Set(float64(s))
}

// loop drives one generation until it is cancelled or the breaker trips
func (p *Poller) loop(ctx context.Context, gen uint64, immediate bool) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	if immediate && !p.poll(ctx, gen) {
		return
	}

	for {
		select {
		case <-ticker.C:
			if !p.poll(ctx, gen) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// poll runs one refresh and applies its outcome; false ends the loop
func (p *Poller) poll(ctx context.Context, gen uint64) bool {
	p.mu.Lock()
	current := p.gen == gen && ctx.Err() == nil
	p.mu.Unlock()
	if !current {
		return false
	}

	// Stop cancels ctx, so a refresh started past this point sees it done
	err := p.run(ctx)

	p.mu.Lock()
	if p.gen != gen || ctx.Err() != nil {
		// Stopped, paused or shut down while refreshing
		p.mu.Unlock()
		return false
	}

	if err == nil {
		p.failures = 0
		p.metrics.PollConsecutiveErrors.Set(0)
		p.metrics.PollRefreshTotal.WithLabelValues("ok").Inc()
		p.mu.Unlock()
		return true
	}

	p.failures++
	perr := &Error{Err: err, ConsecutiveFailures: p.failures}
	if p.failures >= p.config.MaxConsecutiveErrors {
		perr.StopPolling = true
		p.halt()
		p.setState(Stopped)
	}
	p.metrics.PollConsecutiveErrors.Set(float64(p.failures))
	p.metrics.PollRefreshTotal.WithLabelValues("error").Inc()
	reportGen := p.gen
	p.mu.Unlock()

	if perr.StopPolling {
		p.logger.Error().Err(err).Int("consecutive_failures", perr.ConsecutiveFailures).Msg("Polling stopped after repeated failures")
	} else {
		p.logger.Warn().Err(err).Int("consecutive_failures", perr.ConsecutiveFailures).Msg("Poll refresh failed")
	}

	p.report(reportGen, perr)
	return !perr.StopPolling
}

// report calls the error handler unless the poller moved past gen
func (p *Poller) report(gen uint64, perr *Error) {
	if p.onError == nil {
		return
	}

	p.reportMu.Lock()
	defer p.reportMu.Unlock()

	p.mu.Lock()
	current := p.gen == gen
	p.mu.Unlock()
	if current {
		p.onError(perr)
	}
}

// run calls refresh, converting a panic into an error
func (p *Poller) run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("poll refresh panicked: %v", rec)
		}
	}()
	return p.refresh(ctx)
}
