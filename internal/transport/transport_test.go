package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T) (*transporttest.Server, Config) {
	t.Helper()
	srv := transporttest.NewServer("test-key", "token-123")
	t.Cleanup(srv.Close)

	return srv, Config{
		URL:              srv.URL(),
		AppKey:           "test-key",
		AuthEndpoint:     srv.AuthEndpoint(),
		HandshakeTimeout: 2 * time.Second,
	}
}

func awaitSubscription(t *testing.T, srv *transporttest.Server) transporttest.Subscription {
	t.Helper()
	select {
	case sub := <-srv.Subscribed():
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not received")
		return transporttest.Subscription{}
	}
}

func TestSocketURL(t *testing.T) {
	got, err := socketURL(Config{URL: "https://realtime.example.com", AppKey: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "wss://realtime.example.com/app/abc?client=livesync-go&protocol=7", got)

	got, err = socketURL(Config{URL: "ws://localhost:8080/ws", AppKey: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/app/abc?client=livesync-go&protocol=7", got)

	_, err = socketURL(Config{URL: "ftp://x", AppKey: "abc"})
	assert.Error(t, err)

	_, err = socketURL(Config{URL: "ws://x"})
	assert.Error(t, err)
}

func TestDialEstablishesConnection(t *testing.T) {
	_, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)
	defer conn.Close()

	assert.NotEmpty(t, conn.SocketID())
	assert.Equal(t, 120*time.Second, conn.timeout)
}

func TestDialRejected(t *testing.T) {
	srv, cfg := newServer(t)
	srv.RejectHandshake.Store("over capacity")

	_, err := Dial(context.Background(), cfg, "token-123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "over capacity")
}

func TestDialUnreachable(t *testing.T) {
	cfg := Config{URL: "ws://127.0.0.1:1", AppKey: "k", HandshakeTimeout: 500 * time.Millisecond}

	_, err := Dial(context.Background(), cfg, "t")
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestSubscribePrivateChannel(t *testing.T) {
	srv, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(context.Background(), "private-live-refresh.user.42"))

	sub := awaitSubscription(t, srv)
	assert.Equal(t, "private-live-refresh.user.42", sub.Channel)
	assert.Equal(t, conn.SocketID(), sub.SocketID)
}

func TestSubscribeAuthRejected(t *testing.T) {
	srv, cfg := newServer(t)
	srv.AuthStatus.Store(http.StatusForbidden)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Subscribe(context.Background(), "private-live-refresh.admin")
	require.Error(t, err)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusForbidden, authErr.Status)
	assert.Equal(t, "private-live-refresh.admin", authErr.Channel)
}

func TestSubscribeWrongToken(t *testing.T) {
	_, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "stale-token")
	require.NoError(t, err)
	defer conn.Close()

	var authErr *AuthError
	err = conn.Subscribe(context.Background(), "private-live-refresh.user.1")
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}

func TestRunDeliversEventsAndAnswersPings(t *testing.T) {
	srv, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(context.Background(), "private-live-refresh.user.7"))
	awaitSubscription(t, srv)

	messages := make(chan Message, 4)
	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(context.Background(), func(m Message) { messages <- m })
	}()

	require.NoError(t, srv.Ping())
	require.NoError(t, srv.Publish("private-live-refresh.user.7", "live-refresh.invalidated", map[string]any{
		"contexts": []string{"bookings"},
	}))

	select {
	case m := <-messages:
		assert.Equal(t, "live-refresh.invalidated", m.Event)
		assert.Equal(t, "private-live-refresh.user.7", m.Channel)

		var payload struct {
			Contexts []string `json:"contexts"`
		}
		require.NoError(t, DecodeData(m.Data, &payload))
		assert.Equal(t, []string{"bookings"}, payload.Contexts)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	assert.Eventually(t, func() bool { return srv.Pongs() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	_, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx, func(Message) {})
	}()

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsDrop(t *testing.T) {
	srv, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)
	defer conn.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(context.Background(), func(Message) {})
	}()

	srv.DropConnections()
	select {
	case err := <-runErr:
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after drop")
	}
}

func TestRunReturnsFatalProtocolError(t *testing.T) {
	srv, cfg := newServer(t)

	conn, err := Dial(context.Background(), cfg, "token-123")
	require.NoError(t, err)
	defer conn.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(context.Background(), func(Message) {})
	}()

	require.NoError(t, srv.SendError(4201, "pong reply not received"))
	select {
	case err := <-runErr:
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, 4201, perr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on protocol error")
	}
}

func TestDecodeData(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}

	require.NoError(t, DecodeData(json.RawMessage(`{"a":1}`), &v))
	assert.Equal(t, 1, v.A)

	require.NoError(t, DecodeData(json.RawMessage(`"{\"a\":2}"`), &v))
	assert.Equal(t, 2, v.A)

	assert.Error(t, DecodeData(json.RawMessage(`"not json"`), &v))
}
