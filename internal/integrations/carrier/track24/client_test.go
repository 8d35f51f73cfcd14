package track24

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchTracking_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tracking.json.php", r.URL.Path)
		require.Equal(t, "demo", r.URL.Query().Get("apiKey"))
		require.Equal(t, "d", r.URL.Query().Get("domain"))
		require.Equal(t, "CODE", r.URL.Query().Get("code"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "status": "ok",
  "data": {
    "events": [
      {"operationDateTime":"01.01.2025 00:00:00","operationAttribute":"In transit","operationType":"TRANSIT","operationPlaceName":"Moscow"},
      {"operationDateTime":"01.01.2025 00:10:00","operationAttribute":"","operationType":"Delivered","operationPlaceName":""}
    ]
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo", "d")
	tr, err := c.FetchTracking(context.Background(), "CODE", "IGNORED")
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Len(t, tr.Events, 2)
	// most recent first
	require.Equal(t, "Delivered", tr.Events[0].Description)
	require.Nil(t, tr.Events[0].Location)
	require.WithinDuration(t, time.Date(2025, 1, 1, 0, 10, 0, 0, time.UTC), tr.Events[0].Timestamp, time.Second)
	require.Equal(t, "Moscow", *tr.Events[1].Location)
}

func TestClient_FetchTracking_Errors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"invalid code", 200, `{"status":"error","message":"Invalid tracking code"}`, true},
		{"busy", 200, `{"status":"error","message":"service busy"}`, false},
		{"server", 502, ``, false},
		{"forbidden", 403, ``, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "k", "d").FetchTracking(context.Background(), "CODE", "")
			require.Error(t, err)
			require.Equal(t, tc.permanent, carrier.IsPermanent(err))
		})
	}
}

func TestClient_FetchTracking_MissingEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","data":{}}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL, "k", "d").FetchTracking(context.Background(), "CODE", "")
	require.NoError(t, err)
	require.Nil(t, tr)
}

func TestRejectsCode(t *testing.T) {
	require.True(t, rejectsCode("Invalid tracking code"))
	require.True(t, rejectsCode("parcel not found"))
	require.False(t, rejectsCode("timeout upstream"))
}
