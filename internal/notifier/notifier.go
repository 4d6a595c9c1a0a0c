// Package notifier relays invalidation events to local dashboard views over
// websockets.
package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client actions
const (
	ActionSubscribe  = "subscribe"
	ActionVisibility = "visibility"
	ActionPing       = "ping"
)

// Server message types
const (
	TypeWelcome    = "welcome"
	TypeSubscribed = "subscribed"
	TypeInvalidate = "invalidate"
	TypeHeartbeat  = "heartbeat"
	TypePong       = "pong"
	TypeError      = "error"
)

const (
	writeWait    = 10 * time.Second
	maxReadBytes = 4096
)

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeats sent to each client
	HeartbeatInterval time.Duration

	// Broadcast buffer size for batching events
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration

	// Per-client event queue capacity
	ClientBufferSize int

	// Origins allowed to open the stream; empty or "*" allows any
	AllowedOrigins []string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:            30 * time.Second,
		HeartbeatInterval:      5 * time.Second,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 50 * time.Millisecond,
		ClientBufferSize:       100,
	}
}

// Message is sent from the relay to a client
type Message struct {
	Type      string             `json:"type"`
	ClientID  string             `json:"client_id,omitempty"`
	Contexts  []livecontext.Name `json:"contexts,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Request is sent from a client to the relay
type Request struct {
	Action   string   `json:"action"`
	Contexts []string `json:"contexts,omitempty"`
	Visible  *bool    `json:"visible,omitempty"`
}

// Client represents a connected view
type Client struct {
	ID string

	conn    *websocket.Conn
	events  <-chan Event
	control chan Message
	done    chan struct{}

	mu         sync.Mutex
	contexts   map[livecontext.Name]struct{} // nil receives every context
	visible    bool
	lastActive time.Time
}

// filter returns the names this client is subscribed to
func (c *Client) filter(names []livecontext.Name) []livecontext.Name {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.contexts == nil {
		return names
	}
	var out []livecontext.Name
	for _, name := range names {
		if _, ok := c.contexts[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Option configures a Notifier
type Option func(*Notifier)

// WithVisibilityHandler is called whenever the combined visibility of the
// connected views changes. With no views connected the dashboard counts as
// visible.
func WithVisibilityHandler(fn func(visible bool)) Option {
	return func(n *Notifier) {
		n.onVisibility = fn
	}
}

// Notifier handles real-time notifications to clients
type Notifier struct {
	config          Config
	clients         map[string]*Client
	mu              sync.RWMutex
	closed          bool
	logger          zerolog.Logger
	broadcastBuffer *BroadcastBuffer
	metrics         *metrics.Metrics
	upgrader        websocket.Upgrader

	visMu        sync.Mutex
	visible      bool
	onVisibility func(bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a new notification manager
func NewNotifier(config Config, opts ...Option) *Notifier {
	defaults := DefaultConfig()
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.BroadcastBufferSize <= 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval <= 0 {
		config.BroadcastFlushInterval = defaults.BroadcastFlushInterval
	}
	if config.ClientBufferSize <= 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}

	n := &Notifier{
		config:          config,
		clients:         make(map[string]*Client),
		logger:          log.With().Str("component", "notifier").Logger(),
		broadcastBuffer: NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		metrics:         metrics.GetMetrics(),
		visible:         true,
	}
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     n.checkOrigin,
	}

	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start begins idle client cleanup
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting event notifier")

	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.cleanupIdleClients(ctx)
	}()
	return nil
}

// Publish relays an invalidation to subscribed clients
func (n *Notifier) Publish(names []livecontext.Name) {
	n.broadcastBuffer.Publish(names)
}

// Clients returns the number of connected clients
func (n *Notifier) Clients() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// Visible reports whether any connected view is visible
func (n *Notifier) Visible() bool {
	n.visMu.Lock()
	defer n.visMu.Unlock()
	return n.visible
}

func (n *Notifier) checkOrigin(r *http.Request) bool {
	if len(n.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range n.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// An optional "contexts" query parameter sets the initial subscription.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		http.Error(w, "notifier is shut down", http.StatusServiceUnavailable)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		n.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := n.addClient(conn, initialContexts(r.URL.Query().Get("contexts")))
	if client == nil {
		conn.Close()
		return
	}
	n.readLoop(client)
}

// initialContexts parses a comma separated context list; empty means all
func initialContexts(raw string) map[livecontext.Name]struct{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return contextSet(livecontext.Normalize(strings.Split(raw, ",")))
}

func contextSet(names []livecontext.Name) map[livecontext.Name]struct{} {
	set := make(map[livecontext.Name]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// addClient registers a connection and starts its writer
func (n *Notifier) addClient(conn *websocket.Conn, contexts map[livecontext.Name]struct{}) *Client {
	client := &Client{
		ID:         generateID(),
		conn:       conn,
		control:    make(chan Message, 8),
		done:       make(chan struct{}),
		contexts:   contexts,
		visible:    true,
		lastActive: time.Now(),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	client.events = n.broadcastBuffer.Subscribe(client.ID, n.config.ClientBufferSize)
	n.clients[client.ID] = client
	n.wg.Add(1)
	n.mu.Unlock()

	n.metrics.NotifierConnectionsActive.Inc()
	n.logger.Debug().Str("client_id", client.ID).Msg("Client connected")

	client.control <- Message{Type: TypeWelcome, ClientID: client.ID, Contexts: subscribed(contexts)}
	go func() {
		defer n.wg.Done()
		n.writeLoop(client)
	}()

	n.updateVisibility()
	return client
}

// subscribed lists a subscription set in registry order
func subscribed(set map[livecontext.Name]struct{}) []livecontext.Name {
	if set == nil {
		return livecontext.All()
	}
	var out []livecontext.Name
	for _, name := range livecontext.All() {
		if _, ok := set[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// readLoop processes client messages until the connection fails
func (n *Notifier) readLoop(client *Client) {
	defer n.removeClient(client.ID)

	client.conn.SetReadLimit(maxReadBytes)
	client.conn.SetPongHandler(func(string) error {
		client.touch()
		return nil
	})

	for {
		messageType, message, err := client.conn.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}

		client.touch()
		if messageType == websocket.TextMessage {
			n.processClientMessage(client, message)
		}
	}
}

// writeLoop is the only writer of data frames on the connection
func (n *Notifier) writeLoop(client *Client) {
	defer n.removeClient(client.ID)

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.events:
			if !ok {
				return
			}
			names := client.filter(event.Contexts)
			if len(names) == 0 {
				continue
			}
			if err := n.write(client, Message{Type: TypeInvalidate, Contexts: names, Timestamp: event.At}); err != nil {
				return
			}
			n.metrics.NotifierEventsPublished.WithLabelValues("websocket").Inc()

		case msg := <-client.control:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			if err := n.write(client, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := n.write(client, Message{Type: TypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-client.done:
			return
		}
	}
}

func (n *Notifier) write(client *Client, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal message")
		return nil
	}

	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
		return err
	}
	return nil
}

// reply queues a control message without blocking the reader
func (n *Notifier) reply(client *Client, msg Message) {
	select {
	case client.control <- msg:
	case <-client.done:
	default:
		n.logger.Warn().Str("client_id", client.ID).Str("type", msg.Type).Msg("Control queue full, dropping reply")
	}
}

// processClientMessage handles messages from clients
func (n *Notifier) processClientMessage(client *Client, message []byte) {
	var request Request
	if err := json.Unmarshal(message, &request); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		n.reply(client, Message{Type: TypeError, Message: "invalid message"})
		return
	}

	switch request.Action {
	case ActionSubscribe:
		names := livecontext.Normalize(request.Contexts)
		if len(names) == 0 {
			n.reply(client, Message{Type: TypeError, Message: "no known contexts"})
			return
		}

		set := contextSet(names)
		client.mu.Lock()
		client.contexts = set
		client.mu.Unlock()

		n.logger.Debug().
			Str("client_id", client.ID).
			Strs("contexts", livecontext.Strings(names)).
			Msg("Client updated subscription contexts")
		n.reply(client, Message{Type: TypeSubscribed, Contexts: subscribed(set)})

	case ActionVisibility:
		if request.Visible == nil {
			n.reply(client, Message{Type: TypeError, Message: "visible is required"})
			return
		}
		client.mu.Lock()
		client.visible = *request.Visible
		client.mu.Unlock()
		n.updateVisibility()

	case ActionPing:
		n.reply(client, Message{Type: TypePong})

	default:
		n.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
		n.reply(client, Message{Type: TypeError, Message: "unknown action"})
	}
}

// updateVisibility recomputes combined visibility and reports changes
func (n *Notifier) updateVisibility() {
	n.visMu.Lock()
	defer n.visMu.Unlock()

	n.mu.RLock()
	visible := len(n.clients) == 0
	for _, client := range n.clients {
		client.mu.Lock()
		v := client.visible
		client.mu.Unlock()
		if v {
			visible = true
			break
		}
	}
	n.mu.RUnlock()

	if visible == n.visible {
		return
	}
	n.visible = visible
	n.logger.Debug().Bool("visible", visible).Msg("Dashboard visibility changed")
	if n.onVisibility != nil {
		n.onVisibility(visible)
	}
}

// removeClient removes a client; safe to call more than once
func (n *Notifier) removeClient(clientID string) {
	n.mu.Lock()
	client, exists := n.clients[clientID]
	if !exists {
		n.mu.Unlock()
		return
	}
	delete(n.clients, clientID)
	closed := n.closed
	n.mu.Unlock()

	n.broadcastBuffer.Unsubscribe(clientID)
	close(client.done)
	client.conn.Close()
	n.metrics.NotifierConnectionsActive.Dec()

	n.logger.Debug().Str("client_id", clientID).Msg("Client removed")
	if !closed {
		n.updateVisibility()
	}
}

// cleanupIdleClients periodically removes idle clients
func (n *Notifier) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients that have been idle for too long
func (n *Notifier) performClientCleanup() {
	now := time.Now()
	var idleClients []string

	n.mu.RLock()
	for id, client := range n.clients {
		client.mu.Lock()
		lastActive := client.lastActive
		client.mu.Unlock()

		if now.Sub(lastActive) > n.config.MaxIdleTime {
			idleClients = append(idleClients, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range idleClients {
		n.removeClient(id)
		n.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// Shutdown closes every client and stops the notifier
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel := n.cancel
	ids := make([]string, 0, len(n.clients))
	for id, client := range n.clients {
		ids = append(ids, id)
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
	}
	n.mu.Unlock()

	n.logger.Info().Int("clients", len(ids)).Msg("Shutting down notifier")
	if cancel != nil {
		cancel()
	}

	for _, id := range ids {
		n.removeClient(id)
	}
	if err := n.broadcastBuffer.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing broadcast buffer")
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// generateID creates a unique client ID
func generateID() string {
	return uuid.NewString()
}
