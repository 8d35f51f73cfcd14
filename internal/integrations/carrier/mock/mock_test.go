package mock

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/stretchr/testify/require"
)

func TestMockClient_Fixed(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(Fixed(), WithClock(func() time.Time { return now }))

	tr, err := c.FetchTracking(context.Background(), "SF1234567890", "SF")
	require.NoError(t, err)
	require.Len(t, tr.Events, 4)
	require.Equal(t, "快件已签收", tr.Events[0].Description)
	require.Equal(t, now, tr.Events[0].Timestamp)
	require.Equal(t, now.Add(-3*time.Hour), tr.Events[3].Timestamp)
	require.Equal(t, now, tr.FetchedAt)
}

func TestMockClient_Deterministic(t *testing.T) {
	c := New()
	a, err := c.FetchTracking(context.Background(), "YT0001", "YTO")
	require.NoError(t, err)
	b, err := c.FetchTracking(context.Background(), "YT0001", "YTO")
	require.NoError(t, err)
	require.Equal(t, len(a.Events), len(b.Events))
	require.Equal(t, a.Events[0].Description, b.Events[0].Description)
	require.NotEmpty(t, a.Events)
}

func TestMockClient_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().FetchTracking(ctx, "SF1", "SF")
	require.True(t, carrier.IsTransient(err))
}
