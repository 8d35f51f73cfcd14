package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FetchTracking_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tracking/SF/SF1234567890", r.URL.Path)
		require.Equal(t, "k", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "trackingNumber": "SF1234567890",
  "carrier": "SF",
  "traces": [
    {"time":"2025-01-01T02:00:00.000Z","description":"快件已签收","location":"北京市朝阳区"},
    {"time":"2025-01-01T01:00:00Z","description":"正在派送中"}
  ]
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	tr, err := c.FetchTracking(context.Background(), "SF1234567890", "SF")
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Len(t, tr.Events, 2)
	require.Equal(t, "快件已签收", tr.Events[0].Description)
	require.Equal(t, "北京市朝阳区", *tr.Events[0].Location)
	require.Nil(t, tr.Events[1].Location)
	require.WithinDuration(t, time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC), tr.Events[0].Timestamp, time.Second)
}

func TestClient_FetchTracking_AutoCarrier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tracking/auto/X1", r.URL.Path)
		_, _ = w.Write([]byte(`{"traces":[]}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL, "").FetchTracking(context.Background(), "X1", "")
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Empty(t, tr.Events)
}

func TestClient_FetchTracking_Malformed(t *testing.T) {
	bodies := []string{
		`{"carrier":"SF"}`,
		`{"traces":"nope"}`,
		`{"traces":[{"description":"运输中"}]}`,
		`{"traces":[{"time":"yesterday","description":"运输中"}]}`,
		`not json`,
	}
	for _, b := range bodies {
		srv := serve(t, http.StatusOK, b)
		tr, err := New(srv.URL, "").FetchTracking(context.Background(), "X1", "SF")
		require.NoError(t, err, b)
		require.Nil(t, tr, b)
	}
}

func TestClient_FetchTracking_StatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusRequestTimeout, false},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
	}
	for _, tc := range cases {
		srv := serve(t, tc.status, `{}`)
		_, err := New(srv.URL, "").FetchTracking(context.Background(), "X1", "SF")
		require.Error(t, err)
		require.Equal(t, tc.permanent, carrier.IsPermanent(err), tc.status)
		require.Equal(t, !tc.permanent, carrier.IsTransient(err), tc.status)
	}
}

func TestClient_FetchTracking_NetworkErrorTransient(t *testing.T) {
	srv := serve(t, http.StatusOK, `{}`)
	srv.Close()
	_, err := New(srv.URL, "").FetchTracking(context.Background(), "X1", "SF")
	require.Error(t, err)
	require.True(t, carrier.IsTransient(err))
}
