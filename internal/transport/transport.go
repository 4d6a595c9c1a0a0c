// Package transport is a client for the Pusher websocket protocol (v7), the
// protocol spoken by the backend's broadcaster.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProtocolVersion is the Pusher protocol revision this client speaks
const ProtocolVersion = 7

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionError     = "pusher:subscription_error"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"

	defaultActivityTimeout = 120 * time.Second
	pongTimeout            = 30 * time.Second
	writeTimeout           = 10 * time.Second
)

var (
	// ErrHandshake is returned when the server does not establish the connection
	ErrHandshake = errors.New("transport: handshake failed")

	// ErrClosed is returned by Run after Close
	ErrClosed = errors.New("transport: connection closed")
)

// AuthError reports a rejected private channel authorisation
type AuthError struct {
	Channel string
	Status  int
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("transport: authorisation for %s rejected with status %d", e.Channel, e.Status)
}

// ProtocolError is a pusher:error or pusher:subscription_error sent by the server
type ProtocolError struct {
	Code    int
	Message string
	Channel string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("transport: %s: %s (code %d)", e.Channel, e.Message, e.Code)
	}
	return fmt.Sprintf("transport: %s (code %d)", e.Message, e.Code)
}

// Config contains transport configuration
type Config struct {
	// Websocket base URL, ws:// or wss://
	URL string

	// Application key, the last path segment of the socket URL
	AppKey string

	// Private channel authorisation endpoint
	AuthEndpoint string

	// Bound on the websocket handshake plus connection_established
	HandshakeTimeout time.Duration

	// Client for authorisation requests
	HTTPClient *http.Client
}

// Message is an application event received on a subscribed channel
type Message struct {
	Event   string
	Channel string
	Data    json.RawMessage
}

// frame is the protocol envelope in both directions
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Conn is an established protocol connection
type Conn struct {
	ws       *websocket.Conn
	config   Config
	token    string
	socketID string
	timeout  time.Duration

	writeMu  sync.Mutex
	closed   atomic.Bool
	once     sync.Once
	activity atomic.Int64
	logger   zerolog.Logger
}

// Dial connects and waits for pusher:connection_established
func Dial(ctx context.Context, config Config, token string) (*Conn, error) {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.HandshakeTimeout}
	}

	target, err := socketURL(config)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	c := &Conn{
		ws:      ws,
		config:  config,
		token:   token,
		timeout: defaultActivityTimeout,
		logger:  log.With().Str("component", "transport").Logger(),
	}

	if err := c.awaitEstablished(dialCtx); err != nil {
		ws.Close()
		return nil, err
	}

	c.logger.Debug().Str("socket_id", c.socketID).Dur("activity_timeout", c.timeout).Msg("Connection established")
	return c, nil
}

// socketURL builds <URL>/app/<key>?protocol=7
func socketURL(config Config) (string, error) {
	if config.AppKey == "" {
		return "", fmt.Errorf("transport: app key is required")
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return "", fmt.Errorf("transport: invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}

	u.Path = path.Join("/", u.Path, "app", config.AppKey)
	q := u.Query()
	q.Set("protocol", fmt.Sprint(ProtocolVersion))
	q.Set("client", "livesync-go")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitEstablished reads the first frame of the connection
func (c *Conn) awaitEstablished(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.HandshakeTimeout)
	}
	c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	var f frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	switch f.Event {
	case eventConnectionEstablished:
		var established struct {
			SocketID        string `json:"socket_id"`
			ActivityTimeout int    `json:"activity_timeout"`
		}
		if err := DecodeData(f.Data, &established); err != nil || established.SocketID == "" {
			return fmt.Errorf("%w: malformed connection_established", ErrHandshake)
		}
		c.socketID = established.SocketID
		c.activity.Store(time.Now().UnixNano())
		if established.ActivityTimeout > 0 {
			c.timeout = time.Duration(established.ActivityTimeout) * time.Second
		}
		return nil
	case eventError:
		return fmt.Errorf("%w: %v", ErrHandshake, decodeProtocolError(f))
	default:
		return fmt.Errorf("%w: unexpected event %q", ErrHandshake, f.Event)
	}
}

// SocketID returns the server-assigned socket id
func (c *Conn) SocketID() string {
	return c.socketID
}

// Subscribe joins a channel. Private channels are authorised first.
func (c *Conn) Subscribe(ctx context.Context, channel string) error {
	payload := map[string]string{"channel": channel}

	if strings.HasPrefix(channel, "private-") {
		auth, err := c.authorize(ctx, channel)
		if err != nil {
			return err
		}
		payload["auth"] = auth
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.write(frame{Event: eventSubscribe, Data: data}); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", channel, err)
	}

	c.logger.Debug().Str("channel", channel).Msg("Subscribe sent")
	return nil
}

// Unsubscribe leaves a channel
func (c *Conn) Unsubscribe(channel string) error {
	data, err := json.Marshal(map[string]string{"channel": channel})
	if err != nil {
		return err
	}
	return c.write(frame{Event: eventUnsubscribe, Data: data})
}

// authorize exchanges the bearer token for a channel signature
func (c *Conn) authorize(ctx context.Context, channel string) (string, error) {
	if c.config.AuthEndpoint == "" {
		return "", fmt.Errorf("transport: no auth endpoint for %s", channel)
	}

	form := url.Values{}
	form.Set("socket_id", c.socketID)
	form.Set("channel_name", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.AuthEndpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: authorise %s: %w", channel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("transport: authorise %s: %w", channel, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Channel: channel, Status: resp.StatusCode}
	}

	var result struct {
		Auth string `json:"auth"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Auth == "" {
		return "", fmt.Errorf("transport: authorise %s: malformed response", channel)
	}
	return result.Auth, nil
}

// Run reads frames until the connection ends, passing application events to
// handle on the calling goroutine. Protocol pings are answered here.
func (c *Conn) Run(ctx context.Context, handle func(Message)) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	go c.keepalive(done)

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.timeout + pongTimeout))

		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case c.closed.Load():
				return ErrClosed
			default:
				return fmt.Errorf("transport: read: %w", err)
			}
		}
		c.activity.Store(time.Now().UnixNano())

		switch f.Event {
		case eventPing:
			if err := c.write(frame{Event: eventPong, Data: json.RawMessage(`{}`)}); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to answer ping")
			}
		case eventPong:
		case eventSubscriptionSucceeded:
			c.logger.Debug().Str("channel", f.Channel).Msg("Subscription succeeded")
		case eventSubscriptionError:
			perr := decodeProtocolError(f)
			perr.Channel = f.Channel
			return perr
		case eventError:
			perr := decodeProtocolError(f)
			// 4000-4299 close the connection per protocol
			if perr.Code >= 4000 && perr.Code < 4300 {
				return perr
			}
			c.logger.Warn().Err(perr).Msg("Server reported error")
		default:
			if strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:") {
				continue
			}
			handle(Message{Event: f.Event, Channel: f.Channel, Data: f.Data})
		}
	}
}

// keepalive pings the server after a quiet activity timeout
func (c *Conn) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(c.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.activity.Load())
			if time.Since(last) < c.timeout {
				continue
			}
			if err := c.write(frame{Event: eventPing, Data: json.RawMessage(`{}`)}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// write sends one frame; gorilla connections allow a single writer
func (c *Conn) write(f frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

// Close ends the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// DecodeData unmarshals a frame's data field. Servers send data either as a
// JSON value or as a JSON string holding the encoded value.
func DecodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}
	return json.Unmarshal(raw, v)
}

// decodeProtocolError extracts {code, message} from an error frame
func decodeProtocolError(f frame) *ProtocolError {
	var body struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	perr := &ProtocolError{Message: "unknown error"}
	if err := DecodeData(f.Data, &body); err == nil {
		if body.Code != nil {
			perr.Code = *body.Code
		}
		if body.Message != "" {
			perr.Message = body.Message
		}
	}
	return perr
}
