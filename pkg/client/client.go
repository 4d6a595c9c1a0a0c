// Package client talks to a running livesync daemon over its local API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is an HTTP client for the livesync API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new livesync API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
	}

	for _, option := range options {
		option(client)
	}
	return client
}

// APIError is a failed API call
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// Status is the daemon's dashboard state
type Status struct {
	Mode              string         `json:"mode"`
	UserID            string         `json:"user_id"`
	Role              string         `json:"role,omitempty"`
	SyncEnabled       bool           `json:"sync_enabled"`
	Visible           bool           `json:"visible"`
	PollingEnabled    bool           `json:"polling_enabled"`
	PollState         string         `json:"poll_state"`
	PollFailures      int            `json:"poll_failures"`
	LiveUpdatesPaused bool           `json:"live_updates_paused"`
	LastError         string         `json:"last_error,omitempty"`
	LastInvalidation  time.Time      `json:"last_invalidation,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	Subscriptions     map[string]int `json:"subscriptions"`
}

// Context is one live refresh context
type Context struct {
	Name        string   `json:"name"`
	Subscribers int      `json:"subscribers"`
	Resources   []string `json:"resources,omitempty"`
}

// Resource is the current value of one data hook
type Resource struct {
	Key       string          `json:"key"`
	HasValue  bool            `json:"has_value"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Status returns the dashboard state
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Contexts lists every context with its subscribers
func (c *Client) Contexts(ctx context.Context) ([]Context, error) {
	var contexts []Context
	if err := c.do(ctx, http.MethodGet, "/contexts", nil, &contexts); err != nil {
		return nil, err
	}
	return contexts, nil
}

// Resources returns the resources watching one context
func (c *Client) Resources(ctx context.Context, name string) ([]Resource, error) {
	var resources []Resource
	if err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(name), nil, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// Invalidate injects an invalidation and returns the contexts it reached
func (c *Client) Invalidate(ctx context.Context, names ...string) ([]string, error) {
	req := struct {
		Contexts []string `json:"contexts"`
	}{Contexts: names}

	var resp struct {
		Accepted []string `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodPost, "/invalidate", req, &resp); err != nil {
		return nil, err
	}
	return resp.Accepted, nil
}

// do makes a request and decodes the envelope data into out
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *APIError       `json:"error"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !envelope.Success {
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Invalidation is one relayed invalidation
type Invalidation struct {
	Contexts  []string  `json:"contexts"`
	Timestamp time.Time `json:"timestamp"`
}

// streamMessage is any message the relay sends
type streamMessage struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	Contexts  []string  `json:"contexts,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription receives invalidations from the relay stream
type Subscription struct {
	ClientID string
	Events   chan Invalidation
	Done     chan struct{}

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Subscribe opens the relay stream for contexts; none means all
func (c *Client) Subscribe(ctx context.Context, contexts ...string) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	if len(contexts) > 0 {
		q := u.Query()
		q.Set("contexts", strings.Join(contexts, ","))
		u.RawQuery = q.Encode()
	}

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	// The relay greets every client before anything else
	var welcome streamMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}

	sub := &Subscription{
		ClientID: welcome.ClientID,
		Events:   make(chan Invalidation, 100),
		Done:     make(chan struct{}),
		conn:     conn,
	}
	go sub.receiveEvents()
	return sub, nil
}

// receiveEvents processes stream messages
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.conn.Close()
	}()

	for {
		var msg streamMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "invalidate" {
			continue
		}

		select {
		case s.Events <- Invalidation{Contexts: msg.Contexts, Timestamp: msg.Timestamp}:
		default:
			// Full, drop
		}
	}
}

// SetVisible reports whether the view is visible to the user
func (s *Subscription) SetVisible(visible bool) error {
	return s.send(map[string]any{"action": "visibility", "visible": visible})
}

// SetContexts replaces the subscribed contexts
func (s *Subscription) SetContexts(contexts ...string) error {
	return s.send(map[string]any{"action": "subscribe", "contexts": contexts})
}

func (s *Subscription) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the subscription
func (s *Subscription) Close() error {
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.conn.Close()
		<-s.Done
	}
	return err
}
