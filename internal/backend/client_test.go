package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetJSONUnwrapsEnvelope(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bookings", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "cams", r.Header.Get("X-Client"))
		w.Write([]byte(`{"success":true,"data":[{"id":1}],"message":"ok"}`))
	})

	client := New(srv.URL+"/api/v1/",
		WithTokenSource(func() string { return "token-1" }),
		WithHeaders(map[string]string{"X-Client": "cams"}),
	)

	data, err := client.GetJSON(context.Background(), "/bookings")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(data))
}

func TestGetJSONBarePayloads(t *testing.T) {
	tests := map[string]string{
		"array":  `[1,2,3]`,
		"object": `{"total":4}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Empty(t, r.Header.Get("Authorization"))
				w.Write([]byte(body))
			})

			data, err := New(srv.URL).GetJSON(context.Background(), "stats")
			require.NoError(t, err)
			assert.JSONEq(t, body, string(data))
		})
	}
}

func TestGetJSONEmptyBody(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	data, err := New(srv.URL).GetJSON(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestGetJSONUnsuccessfulEnvelope(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"package expired"}`))
	})

	_, err := New(srv.URL).GetJSON(context.Background(), "/packages")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "package expired", statusErr.Message)
}

func TestGetJSONStatusError(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Unauthenticated."}`))
	})

	_, err := New(srv.URL).GetJSON(context.Background(), "/users")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	assert.Equal(t, "Unauthenticated.", statusErr.Message)
	assert.True(t, statusErr.Unauthorized())
	assert.Contains(t, statusErr.Error(), "401")
}

func TestPostJSON(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bar", body["foo"])
		w.Write([]byte(`{"success":true,"data":{"id":9}}`))
	})

	data, err := New(srv.URL).PostJSON(context.Background(), "/things", map[string]string{"foo": "bar"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9}`, string(data))
}

func TestTimeout(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	_, err := New(srv.URL, WithTimeout(20*time.Millisecond)).GetJSON(context.Background(), "/slow")
	assert.Error(t, err)
}

func TestGetter(t *testing.T) {
	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"path":"` + r.URL.Path + `"}}`))
	})

	fetch := New(srv.URL).Getter("/dashboard/stats")
	data, err := fetch(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/dashboard/stats"}`, string(data))
}
