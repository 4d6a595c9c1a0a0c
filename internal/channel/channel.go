// Package channel joins the per-user (and, for admins, the shared) private
// live refresh channels and forwards their invalidation events to a sink.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultEvent is the broadcast name of an invalidation event
	DefaultEvent = "live-refresh.invalidated"

	// AdminChannel is shared by all admin-tier users
	AdminChannel = "private-live-refresh.admin"

	userChannelPrefix = "private-live-refresh.user."
	eventBuffer       = 64
)

// ErrEmptyPayload is returned when an event carries no contexts field
var ErrEmptyPayload = errors.New("channel: empty invalidation payload")

// Sink receives validated invalidation events, one call at a time. Notify
// must not call the session's Teardown.
type Sink interface {
	Notify(names []livecontext.Name)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(names []livecontext.Name)

// Notify implements Sink
func (f SinkFunc) Notify(names []livecontext.Name) {
	f(names)
}

// Teardown disconnects the channel and returns once no goroutine of the
// session is left running. Safe to call more than once.
type Teardown func()

// Config contains connection configuration
type Config struct {
	UserID string
	Role   string

	// GetToken returns the current bearer token; empty means signed out
	GetToken func() string

	// Overrides Transport.AuthEndpoint when set
	AuthEndpoint string

	Transport transport.Config

	// Event name to accept (default DefaultEvent)
	Event string

	// Called once when the connection drops without a teardown
	OnDisconnect func(error)
}

// Conn is the connection surface channel needs from transport
type Conn interface {
	Subscribe(ctx context.Context, channel string) error
	Run(ctx context.Context, handle func(transport.Message)) error
	Close() error
}

// DialFunc opens a connection
type DialFunc func(ctx context.Context, config transport.Config, token string) (Conn, error)

// Option configures Connect
type Option func(*options)

type options struct {
	dial DialFunc
}

// WithDialer replaces the transport dialer
func WithDialer(dial DialFunc) Option {
	return func(o *options) {
		o.dial = dial
	}
}

func defaultDial(ctx context.Context, config transport.Config, token string) (Conn, error) {
	return transport.Dial(ctx, config, token)
}

// IsAdminTier reports whether role joins the admin channel
func IsAdminTier(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "super_admin":
		return true
	default:
		return false
	}
}

// UserChannel returns the private channel of one user
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// Channels returns the channels a user joins, user channel first
func Channels(userID, role string) []string {
	channels := []string{UserChannel(userID)}
	if IsAdminTier(role) {
		channels = append(channels, AdminChannel)
	}
	return channels
}

// ParseInvalidation decodes {"contexts": [...]} and keeps known names only.
// The payload may arrive double-encoded as a JSON string.
func ParseInvalidation(data []byte) ([]livecontext.Name, error) {
	var payload struct {
		Contexts []json.RawMessage `json:"contexts"`
	}
	if err := transport.DecodeData(data, &payload); err != nil {
		return nil, fmt.Errorf("channel: malformed invalidation payload: %w", err)
	}
	if payload.Contexts == nil {
		return nil, ErrEmptyPayload
	}

	// Non-string entries are dropped like unknown names
	raw := make([]string, 0, len(payload.Contexts))
	for _, entry := range payload.Contexts {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			raw = append(raw, s)
		}
	}
	return livecontext.Normalize(raw), nil
}

// session is one live connection
type session struct {
	conn     Conn
	sink     Sink
	event    string
	channels map[string]bool
	onDrop   func(error)

	cancel  context.CancelFunc
	events  chan []livecontext.Name
	reader  sync.WaitGroup
	workers sync.WaitGroup
	closed  atomic.Bool
	once    sync.Once
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Connect dials the transport and joins the user's channels. Without a token
// it does nothing and returns a no-op teardown. Dial and subscription
// failures are returned so the caller can fall back to polling.
func Connect(ctx context.Context, config Config, sink Sink, opts ...Option) (Teardown, error) {
	logger := log.With().Str("component", "channel").Str("user_id", config.UserID).Logger()
	m := metrics.GetMetrics()

	o := options{dial: defaultDial}
	for _, opt := range opts {
		opt(&o)
	}

	token := ""
	if config.GetToken != nil {
		token = config.GetToken()
	}
	if token == "" {
		logger.Debug().Msg("No auth token, live updates not connected")
		return func() {}, nil
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("channel: user id is required")
	}
	if config.Event == "" {
		config.Event = DefaultEvent
	}

	tconfig := config.Transport
	if config.AuthEndpoint != "" {
		tconfig.AuthEndpoint = config.AuthEndpoint
	}

	conn, err := o.dial(ctx, tconfig, token)
	if err != nil {
		m.ChannelConnectsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("channel: connect: %w", err)
	}

	channels := Channels(config.UserID, config.Role)
	for _, name := range channels {
		if err := conn.Subscribe(ctx, name); err != nil {
			conn.Close()
			m.ChannelConnectsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("channel: join %s: %w", name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:     conn,
		sink:     sink,
		event:    config.Event,
		channels: make(map[string]bool, len(channels)),
		onDrop:   config.OnDisconnect,
		cancel:   cancel,
		events:   make(chan []livecontext.Name, eventBuffer),
		logger:   logger,
		metrics:  m,
	}
	for _, name := range channels {
		s.channels[name] = true
	}

	s.reader.Add(1)
	go s.read(runCtx)
	s.workers.Add(1)
	go s.dispatch()

	m.ChannelConnectsTotal.WithLabelValues("ok").Inc()
	m.ChannelConnected.Set(1)
	logger.Info().Strs("channels", channels).Msg("Live updates connected")

	return s.teardown, nil
}

// read runs the transport loop and queues accepted events
func (s *session) read(ctx context.Context) {
	defer s.reader.Done()
	defer close(s.events)

	err := s.conn.Run(ctx, func(msg transport.Message) {
		names, ok := s.accept(msg)
		if !ok {
			return
		}
		select {
		case s.events <- names:
		case <-ctx.Done():
		}
	})

	if s.closed.Load() {
		return
	}

	s.metrics.ChannelConnected.Set(0)
	s.metrics.ChannelDisconnects.Inc()
	s.logger.Warn().Err(err).Msg("Live updates disconnected")
	if s.onDrop != nil {
		s.onDrop(err)
	}
}

// accept validates one inbound message
func (s *session) accept(msg transport.Message) ([]livecontext.Name, bool) {
	if msg.Event != s.event || !s.channels[msg.Channel] {
		s.metrics.ChannelEventsTotal.WithLabelValues("ignored").Inc()
		return nil, false
	}

	names, err := ParseInvalidation(msg.Data)
	if err != nil {
		s.metrics.ChannelEventsTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed invalidation")
		return nil, false
	}
	if len(names) == 0 {
		s.metrics.ChannelEventsTotal.WithLabelValues("empty").Inc()
		return nil, false
	}

	s.metrics.ChannelEventsTotal.WithLabelValues("accepted").Inc()
	return names, true
}

// dispatch forwards events to the sink in arrival order
func (s *session) dispatch() {
	defer s.workers.Done()
	for names := range s.events {
		if s.closed.Load() {
			continue
		}
		s.logger.Debug().Strs("contexts", livecontext.Strings(names)).Msg("Invalidation received")
		s.sink.Notify(names)
	}
}

// teardown closes the connection and waits for the read loop and the
// dispatcher, including a sink call in progress
func (s *session) teardown() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.conn.Close()
		s.reader.Wait()
		s.workers.Wait()

		s.metrics.ChannelConnected.Set(0)
		s.logger.Info().Msg("Live updates disconnected by teardown")
	})
}
