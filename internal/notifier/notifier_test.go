package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	return Config{
		MaxIdleTime:            time.Minute,
		HeartbeatInterval:      time.Hour,
		BroadcastFlushInterval: 5 * time.Millisecond,
	}
}

func newRelay(t *testing.T, config Config, opts ...Option) (*Notifier, *httptest.Server) {
	t.Helper()
	n := NewNotifier(config, opts...)
	require.NoError(t, n.Start(context.Background()))

	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { n.Shutdown(context.Background()) })
	return n, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads messages until one of the given type arrives
func next(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, req any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

func TestWelcome(t *testing.T) {
	n, srv := newRelay(t, testConfig())
	conn := dial(t, srv, "")

	msg := next(t, conn, TypeWelcome)
	assert.NotEmpty(t, msg.ClientID)
	assert.Equal(t, livecontext.All(), msg.Contexts)
	assert.Equal(t, 1, n.Clients())
}

func TestInvalidateFilteredByQuerySubscription(t *testing.T) {
	n, srv := newRelay(t, testConfig())
	conn := dial(t, srv, "contexts=bookings,not_a_context")

	welcome := next(t, conn, TypeWelcome)
	assert.Equal(t, []livecontext.Name{livecontext.Bookings}, welcome.Contexts)

	n.Publish([]livecontext.Name{livecontext.Payments, livecontext.Bookings})
	msg := next(t, conn, TypeInvalidate)
	assert.Equal(t, []livecontext.Name{livecontext.Bookings}, msg.Contexts)

	// Not subscribed, so the next invalidate seen is the later bookings one
	n.Publish([]livecontext.Name{livecontext.Payments})
	n.Publish([]livecontext.Name{livecontext.Bookings, livecontext.Children})
	msg = next(t, conn, TypeInvalidate)
	assert.Equal(t, []livecontext.Name{livecontext.Bookings}, msg.Contexts)
}

func TestSubscribeAction(t *testing.T) {
	n, srv := newRelay(t, testConfig())
	conn := dial(t, srv, "")
	next(t, conn, TypeWelcome)

	send(t, conn, Request{Action: ActionSubscribe, Contexts: []string{"payments", "bogus", "packages"}})
	msg := next(t, conn, TypeSubscribed)
	assert.Equal(t, []livecontext.Name{livecontext.Payments, livecontext.Packages}, msg.Contexts)

	n.Publish([]livecontext.Name{livecontext.Bookings, livecontext.Packages})
	msg = next(t, conn, TypeInvalidate)
	assert.Equal(t, []livecontext.Name{livecontext.Packages}, msg.Contexts)

	send(t, conn, Request{Action: ActionSubscribe, Contexts: []string{"bogus"}})
	msg = next(t, conn, TypeError)
	assert.Equal(t, "no known contexts", msg.Message)
}

func TestPingAndErrors(t *testing.T) {
	_, srv := newRelay(t, testConfig())
	conn := dial(t, srv, "")
	next(t, conn, TypeWelcome)

	send(t, conn, Request{Action: ActionPing})
	next(t, conn, TypePong)

	send(t, conn, Request{Action: "dance"})
	assert.Equal(t, "unknown action", next(t, conn, TypeError).Message)

	send(t, conn, Request{Action: ActionVisibility})
	assert.Equal(t, "visible is required", next(t, conn, TypeError).Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, "invalid message", next(t, conn, TypeError).Message)
}

func TestHeartbeat(t *testing.T) {
	config := testConfig()
	config.HeartbeatInterval = 10 * time.Millisecond
	_, srv := newRelay(t, config)
	conn := dial(t, srv, "")

	msg := next(t, conn, TypeHeartbeat)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestVisibility(t *testing.T) {
	changes := make(chan bool, 10)
	n, srv := newRelay(t, testConfig(), WithVisibilityHandler(func(v bool) { changes <- v }))
	assert.True(t, n.Visible(), "no views counts as visible")

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-changes:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no visibility change to %v", want)
		}
	}

	first := dial(t, srv, "")
	next(t, first, TypeWelcome)

	hidden := false
	send(t, first, Request{Action: ActionVisibility, Visible: &hidden})
	expect(false)
	assert.False(t, n.Visible())

	second := dial(t, srv, "")
	next(t, second, TypeWelcome)
	expect(true)

	second.Close()
	expect(false)

	first.Close()
	expect(true)
	assert.Eventually(t, func() bool { return n.Clients() == 0 }, time.Second, time.Millisecond)
}

func TestIdleClientRemoved(t *testing.T) {
	config := testConfig()
	config.MaxIdleTime = 40 * time.Millisecond
	n, srv := newRelay(t, config)

	conn := dial(t, srv, "")
	next(t, conn, TypeWelcome)

	assert.Eventually(t, func() bool { return n.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestShutdown(t *testing.T) {
	n, srv := newRelay(t, testConfig())
	conn := dial(t, srv, "")
	next(t, conn, TypeWelcome)

	require.NoError(t, n.Shutdown(context.Background()))
	require.NoError(t, n.Shutdown(context.Background()))
	assert.Zero(t, n.Clients())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list", nil, "http://evil.example", true},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
		{"listed", []string{"http://localhost:3000"}, "http://LOCALHOST:3000", true},
		{"wildcard", []string{"*"}, "http://any.example", true},
		{"not listed", []string{"http://localhost:3000"}, "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &Notifier{config: Config{AllowedOrigins: tt.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/stream", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, n.checkOrigin(r))
		})
	}
}
