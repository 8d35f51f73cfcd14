package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextHandler_AddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	logger.With("component", "worker").InfoContext(ctx, "test message")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "test-correlation-id", line["correlation_id"])
	require.Equal(t, "worker", line["component"])
}

func TestContextHandler_NoCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "json").InfoContext(context.Background(), "plain")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	_, ok := line["correlation_id"]
	require.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.NotEmpty(t, seen)
	require.Equal(t, seen, w.Header().Get(CorrelationHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "given")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "given", seen)
	require.Equal(t, "given", w.Header().Get(CorrelationHeader))
}

func TestWithCorrelationID_EmptyKeepsContext(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, ctx, WithCorrelationID(ctx, ""))
	require.Equal(t, "", CorrelationID(ctx))
}
