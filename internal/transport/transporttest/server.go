// Package transporttest provides an in-process broadcaster speaking the
// Pusher websocket protocol, for tests.
package transporttest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// AuthPath is where the server authorises private channels
const AuthPath = "/broadcasting/auth"

// Subscription is a subscribe frame accepted by the server
type Subscription struct {
	SocketID string
	Channel  string
}

// Server is a fake broadcaster
type Server struct {
	AppKey string
	Secret string

	// Bearer token the auth endpoint accepts
	Token string

	// Non-zero makes the auth endpoint reply with this status
	AuthStatus atomic.Int32

	// Non-empty makes the socket reply with pusher:error instead of connection_established
	RejectHandshake atomic.Value

	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	conns      map[string]*serverConn
	subscribed chan Subscription
	pongs      atomic.Int32
	nextID     atomic.Int64
}

type serverConn struct {
	id       string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	channels map[string]bool
}

// NewServer starts a broadcaster; Close it when done
func NewServer(appKey, token string) *Server {
	s := &Server{
		AppKey:     appKey,
		Secret:     "test-secret",
		Token:      token,
		conns:      make(map[string]*serverConn),
		subscribed: make(chan Subscription, 64),
	}
	s.RejectHandshake.Store("")

	r := chi.NewRouter()
	r.Get("/app/{key}", s.handleSocket)
	r.Post(AuthPath, s.handleAuth)

	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the websocket base URL
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// AuthEndpoint returns the channel authorisation URL
func (s *Server) AuthEndpoint() string {
	return s.httpServer.URL + AuthPath
}

// Subscribed delivers every accepted subscription
func (s *Server) Subscribed() <-chan Subscription {
	return s.subscribed
}

// Pongs counts pong frames received
func (s *Server) Pongs() int {
	return int(s.pongs.Load())
}

// Connections returns the number of open sockets
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Publish sends an event to every socket subscribed to channel. The payload
// is double-encoded as a JSON string, as real broadcasters do.
func (s *Server) Publish(channel, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.PublishRaw(channel, event, encoded, true)
}

// PublishRaw sends data verbatim, or string-wrapped when wrap is set
func (s *Server) PublishRaw(channel, event string, data []byte, wrap bool) error {
	raw := json.RawMessage(data)
	if wrap {
		quoted, err := json.Marshal(string(data))
		if err != nil {
			return err
		}
		raw = quoted
	}

	for _, c := range s.snapshot() {
		if !c.subscribedTo(channel) {
			continue
		}
		if err := c.send(map[string]any{"event": event, "channel": channel, "data": raw}); err != nil {
			return err
		}
	}
	return nil
}

// Ping sends pusher:ping to every socket
func (s *Server) Ping() error {
	for _, c := range s.snapshot() {
		if err := c.send(map[string]any{"event": "pusher:ping", "data": json.RawMessage(`{}`)}); err != nil {
			return err
		}
	}
	return nil
}

// SendError sends pusher:error with code to every socket
func (s *Server) SendError(code int, message string) error {
	for _, c := range s.snapshot() {
		data := map[string]any{"code": code, "message": message}
		if err := c.send(map[string]any{"event": "pusher:error", "data": data}); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every socket without a close handshake
func (s *Server) DropConnections() {
	for _, c := range s.snapshot() {
		c.ws.Close()
	}
}

// Close shuts the server down
func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}

// Sign returns the auth signature for socketID and channel
func (s *Server) Sign(socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(socketID + ":" + channel))
	return s.AppKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if status := s.AuthStatus.Load(); status != 0 {
		http.Error(w, http.StatusText(int(status)), int(status))
		return
	}
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	socketID := r.PostForm.Get("socket_id")
	channel := r.PostForm.Get("channel_name")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"auth": s.Sign(socketID, channel)})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "key") != s.AppKey || r.URL.Query().Get("protocol") == "" {
		http.Error(w, "unknown app", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	n := s.nextID.Add(1)
	c := &serverConn{
		id:       fmt.Sprintf("%d.%d", n, 1000+n),
		ws:       ws,
		channels: make(map[string]bool),
	}

	if reason, _ := s.RejectHandshake.Load().(string); reason != "" {
		c.send(map[string]any{"event": "pusher:error", "data": map[string]any{"code": 4001, "message": reason}})
		ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		ws.Close()
	}()

	established, _ := json.Marshal(map[string]any{"socket_id": c.id, "activity_timeout": 120})
	quoted, _ := json.Marshal(string(established))
	if err := c.send(map[string]any{"event": "pusher:connection_established", "data": json.RawMessage(quoted)}); err != nil {
		return
	}

	for {
		var f struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&f); err != nil {
			return
		}

		switch f.Event {
		case "pusher:pong":
			s.pongs.Add(1)
		case "pusher:ping":
			c.send(map[string]any{"event": "pusher:pong", "data": json.RawMessage(`{}`)})
		case "pusher:subscribe":
			var sub struct {
				Channel string `json:"channel"`
				Auth    string `json:"auth"`
			}
			if err := json.Unmarshal(f.Data, &sub); err != nil {
				continue
			}
			if strings.HasPrefix(sub.Channel, "private-") && !hmac.Equal([]byte(sub.Auth), []byte(s.Sign(c.id, sub.Channel))) {
				c.send(map[string]any{
					"event":   "pusher:subscription_error",
					"channel": sub.Channel,
					"data":    map[string]any{"type": "AuthError", "status": 403, "code": 403, "message": "invalid signature"},
				})
				continue
			}
			c.subscribe(sub.Channel)
			c.send(map[string]any{"event": "pusher_internal:subscription_succeeded", "channel": sub.Channel, "data": json.RawMessage(`"{}"`)})
			s.subscribed <- Subscription{SocketID: c.id, Channel: sub.Channel}
		case "pusher:unsubscribe":
			var sub struct {
				Channel string `json:"channel"`
			}
			if err := json.Unmarshal(f.Data, &sub); err == nil {
				c.unsubscribe(sub.Channel)
			}
		}
	}
}

func (c *serverConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *serverConn) subscribe(channel string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.channels[channel] = true
}

func (c *serverConn) unsubscribe(channel string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	delete(c.channels, channel)
}

func (c *serverConn) subscribedTo(channel string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.channels[channel]
}
