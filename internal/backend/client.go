// Package backend is an HTTP client for the CAMS REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StatusError is a non-2xx response
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d) %s %s: %s", e.Status, e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("API error (%d) %s %s", e.Status, e.Method, e.Path)
}

// Unauthorized reports a rejected or expired token
func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// TokenSource returns the current bearer token; empty sends none
type TokenSource func() string

// Client talks to the backend API
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	token      TokenSource
	logger     zerolog.Logger
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithTokenSource sets the bearer token accessor
func WithTokenSource(token TokenSource) ClientOption {
	return func(c *Client) {
		c.token = token
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

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// New creates a backend client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("X-Requested-With", "XMLHttpRequest")

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		headers:    headers,
		logger:     log.With().Str("component", "backend").Logger(),
	}

	for _, option := range options {
		option(client)
	}
	return client
}

// envelope is the backend's standard response wrapper
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// GetJSON fetches path and returns its data document. Responses wrapped in
// {success, data, message} are unwrapped; bare payloads pass through.
func (c *Client) GetJSON(ctx context.Context, path string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return unwrap(http.MethodGet, path, body)
}

// PostJSON sends body and returns the response data document
func (c *Client) PostJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return unwrap(http.MethodPost, path, resp)
}

// unwrap normalizes the response envelope
func unwrap(method, path string, body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if body[0] != '{' {
		return json.RawMessage(body), nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Success == nil {
		// Not an envelope
		return json.RawMessage(body), nil
	}
	if !*env.Success {
		return nil, &StatusError{Method: method, Path: path, Status: http.StatusOK, Message: env.Message}
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}

// do makes an HTTP request and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "backend."+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(data)}
		telemetry.MarkSpanError(ctx, statusErr)
		return nil, statusErr
	}
	return data, nil
}

// errorMessage extracts a message from an error body
func errorMessage(body []byte) string {
	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}
	if errResp.Message != "" {
		return errResp.Message
	}
	return errResp.Error
}

// Getter returns a fetch function for one path, for use as a query fetcher
func (c *Client) Getter(path string) func(ctx context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.GetJSON(ctx, path)
	}
}
