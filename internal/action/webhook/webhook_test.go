package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedengine/internal/action"
	"schedengine/internal/platform/httpclient"
	"schedengine/internal/shared"
)

func newTestClient() *httpclient.Client {
	return httpclient.New(httpclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestWebhookDelivers(t *testing.T) {
	var got Delivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	handler := New(newTestClient())
	res, err := handler(context.Background(),
		map[string]any{"url": srv.URL, "payload": map[string]any{"note": "hi"}},
		action.Context{PartitionID: "default", ScheduleID: "s1", RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.Output, "status 200")

	assert.Equal(t, "default", got.PartitionID)
	assert.Equal(t, "s1", got.ScheduleID)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "hi", got.Payload["note"])
	assert.False(t, got.FiredAt.IsZero())
}

func TestWebhookRejectsBadURL(t *testing.T) {
	handler := New(newTestClient())

	for _, url := range []any{nil, "", "ftp://host", 42} {
		_, err := handler(context.Background(), map[string]any{"url": url}, action.Context{})
		require.Error(t, err)
		assert.Equal(t, shared.KindValidation, shared.KindOf(err))
	}
}

func TestWebhookReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	handler := New(newTestClient())
	_, err := handler(context.Background(), map[string]any{"url": srv.URL}, action.Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 403")
}
