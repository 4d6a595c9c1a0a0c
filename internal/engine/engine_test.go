package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/channel"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/config"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/dashboard"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeBackend serves bookings and counts requests
type fakeBackend struct {
	*httptest.Server
	bookings atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bookings":
			n := fb.bookings.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"success": true, "data": []map[string]any{{"id": n}}})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"success":false,"message":"not found"}`))
		}
	}))
	t.Cleanup(fb.Close)
	return fb
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.User.ID = "42"
	cfg.Backend.BaseURL = backendURL
	cfg.LiveRefresh.PollingEnabled = false
	cfg.Storage.DataDir = t.TempDir()
	cfg.Resources = []config.ResourceConfig{
		{Context: "bookings", Key: "bookings", Path: "/bookings"},
		{Context: "payments", Key: "payments", Path: "/payments"},
	}
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	return e
}

// run starts e and returns a stop func that shuts it down
func run(t *testing.T, e *Engine) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()
	require.Eventually(t, e.Shell().Ready, 2*time.Second, 5*time.Millisecond)

	return func() {
		cancel()
		require.NoError(t, <-done)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		require.NoError(t, e.Shutdown(shutdownCtx))
	}
}

func request(t *testing.T, h http.Handler, method, path, body string) (int, json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env.Data
}

func TestNewBindsConfiguredResources(t *testing.T) {
	e := newEngine(t, testConfig(t, "http://127.0.0.1:1"))
	defer e.Shutdown(context.Background())

	status := e.Shell().Status()
	assert.Equal(t, dashboard.ModeIdle, status.Mode)
	assert.Equal(t, 1, status.Subscriptions["bookings"])
	assert.Equal(t, 1, status.Subscriptions["payments"])
	require.Len(t, status.Resources, 2)
	assert.Equal(t, "bookings", status.Resources[0].Key)
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Type = "redis"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInvalidateRefetchesFromBackend(t *testing.T) {
	fb := newFakeBackend(t)
	e := newEngine(t, testConfig(t, fb.URL))
	stop := run(t, e)
	defer stop()

	assert.Equal(t, dashboard.ModeOffline, e.Shell().Status().Mode)

	code, data := request(t, e.Handler(), http.MethodPost, "/invalidate", `{"contexts":["bookings"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"accepted":["bookings"]}`, string(data))
	assert.Eventually(t, func() bool { return fb.bookings.Load() == 1 }, time.Second, 5*time.Millisecond)

	code, data = request(t, e.Handler(), http.MethodGet, "/resources/bookings", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[{"key":"bookings","has_value":true,"data":[{"id":1}]}]`, stripUpdatedAt(t, data))

	// A failing resource reports its error without failing the request
	code, data = request(t, e.Handler(), http.MethodGet, "/resources/payments", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"error"`)
}

// stripUpdatedAt drops the timestamp so documents compare exactly
func stripUpdatedAt(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var items []map[string]any
	require.NoError(t, json.Unmarshal(data, &items))
	for _, item := range items {
		delete(item, "updated_at")
	}
	out, err := json.Marshal(items)
	require.NoError(t, err)
	return string(out)
}

func TestPollingFallbackWithoutToken(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(t, fb.URL)
	cfg.LiveRefresh.PollingEnabled = true
	cfg.LiveRefresh.PollIntervalMs = 20
	cfg.Resources = cfg.Resources[:1]

	e := newEngine(t, cfg)
	stop := run(t, e)
	defer stop()

	assert.Equal(t, dashboard.ModePolling, e.Shell().Status().Mode)
	assert.Eventually(t, func() bool { return fb.bookings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestLivePushReachesBackend(t *testing.T) {
	fb := newFakeBackend(t)
	srv := transporttest.NewServer("cams", "token-1")
	defer srv.Close()

	cfg := testConfig(t, fb.URL)
	cfg.Auth.Endpoint = srv.AuthEndpoint()
	cfg.Transport.URL = srv.URL()
	cfg.Transport.AppKey = "cams"

	e := newEngine(t, cfg, WithTokenSource(func() string { return "token-1" }))
	stop := run(t, e)
	defer stop()

	require.Eventually(t, func() bool {
		return e.Shell().Status().Mode == dashboard.ModeLive
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Publish(channel.UserChannel("42"), channel.DefaultEvent,
		map[string]any{"contexts": []string{"bookings"}}))
	assert.Eventually(t, func() bool { return fb.bookings.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBadgerSnapshotsSurviveRestart(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(t, fb.URL)
	cfg.Storage.Type = "badger"

	e := newEngine(t, cfg)
	stop := run(t, e)
	code, _ := request(t, e.Handler(), http.MethodPost, "/invalidate", `{"contexts":["bookings"]}`)
	require.Equal(t, http.StatusOK, code)
	stop()

	// The restored snapshot is served without asking the backend
	e = newEngine(t, cfg)
	defer e.Shutdown(context.Background())
	status := e.Shell().Status()
	require.NotEmpty(t, status.Resources)
	assert.True(t, status.Resources[0].HasValue)
	assert.Equal(t, int32(1), fb.bookings.Load())
}

func TestStreamDisabled(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Notifier.Enabled = false
	e := newEngine(t, cfg)
	defer e.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
