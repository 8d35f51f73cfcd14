package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/broker/redisq"
	"github.com/BearBump/parcelsync/internal/cache/rediscache"
	"github.com/BearBump/parcelsync/internal/integrations/carrier/mock"
	"github.com/BearBump/parcelsync/internal/logging"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/services/refresh"
	"github.com/BearBump/parcelsync/internal/storage/failedjobs"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestPipeline_CreatedRecordBecomesDelivered(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	q := redisq.New(mr.Addr(), redisq.Options{Prefix: "e2e:jobs", PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })

	st := newStore(t)
	dlq := failedjobs.New(st.DB(), failedjobs.SQLite)
	rl := rediscache.NewRateLimiter(mr.Addr())

	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	p := New(q, st, mock.New(mock.Fixed(), mock.WithClock(func() time.Time { return now }))).
		WithSettings(2, fastPolicy(3), time.Second).
		WithDeadLetters(dlq).
		WithRateLimiter(rl, 100)
	runPool(t, p)

	_, err := st.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "SF1234567890"})
	require.NoError(t, err)

	producer := refresh.New(q, time.Second)
	producer.OnRecordCreated(logging.WithCorrelationID(ctx, "req-42"), "SF1234567890", nil)
	require.Equal(t, int64(1), producer.Stats().Enqueued)

	require.Eventually(t, func() bool {
		rec, err := st.GetByTrackingNumber(ctx, "SF1234567890")
		return err == nil && rec.CanonicalStatus == models.StatusDelivered
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := st.GetByTrackingNumber(ctx, "SF1234567890")
	require.NoError(t, err)
	require.False(t, rec.AnomalyFlag)
	require.True(t, rec.LatestEventAt.Equal(now))
	require.NotNil(t, rec.LastSyncedAt)

	var events []models.TrackingEvent
	require.NoError(t, json.Unmarshal(rec.RawPayload, &events))
	require.Len(t, events, 4)
	require.Equal(t, "快件已签收", events[0].Description)

	require.Eventually(t, func() bool {
		d, err := q.Depth(ctx)
		return err == nil && d == redisq.Depth{}
	}, time.Second, 10*time.Millisecond)

	n, err := dlq.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int64(1), p.Stats().Succeeded)
}
