package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostJSONSuccess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(WithLogger(discardLogger()))
	status, body, err := c.PostJSON(context.Background(), srv.URL, map[string]any{"event": "fired"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "fired", got["event"])
}

func TestPostJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithLogger(discardLogger()), WithRetries(3, time.Millisecond), WithMaxBackoff(5*time.Millisecond))
	status, _, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(WithLogger(discardLogger()), WithRetries(3, time.Millisecond))
	_, _, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostJSONDoesNotRetryMalformedURL(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("should not be reached")
	})

	c := New(WithLogger(discardLogger()), WithRetries(3, time.Millisecond), WithTransport(rt))
	_, _, err := c.PostJSON(context.Background(), "http://example.com/\x7f", nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestPostJSONHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var secondCall time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondCall = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	start := time.Now()
	c := New(WithLogger(discardLogger()), WithRetries(1, time.Millisecond))
	status, _, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, secondCall.Sub(start), time.Second)
}

func TestPostJSONStopsOnCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(WithLogger(discardLogger()), WithRetries(3, 10*time.Millisecond))
	_, _, err := c.PostJSON(ctx, srv.URL, nil)
	require.Error(t, err)
}

func TestPostJSONDefaultHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("X-Webhook-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithLogger(discardLogger()), WithHeaders(map[string]string{"X-Webhook-Token": "secret-token"}))
	_, _, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.NoError(t, err)
}
