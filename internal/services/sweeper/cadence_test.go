package sweeper

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/storage/sqlitepackages"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (p *fakeProducer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func TestSweeper_UnchangedSyncPostponesNextSweep(t *testing.T) {
	st, err := sqlitepackages.New(filepath.Join(t.TempDir(), "parcelsync.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	ctx := context.Background()

	_, err = st.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "JT1"})
	require.NoError(t, err)

	base := time.Now().UTC()
	eventAt := base.Add(-3 * time.Hour).Truncate(time.Second)
	payload, err := json.Marshal([]models.TrackingEvent{{Timestamp: eventAt, Description: "运输中"}})
	require.NoError(t, err)
	upd := models.StatusUpdate{
		TrackingNumber:  "JT1",
		CanonicalStatus: models.StatusInTransit,
		RawPayload:      payload,
		LatestEventAt:   eventAt,
		FetchedAt:       base,
	}
	res, err := st.UpsertStatus(ctx, upd)
	require.NoError(t, err)
	require.True(t, res.Applied)

	clk := &testClock{}
	prod := &fakeProducer{}
	s := New(st, prod).WithClock(clk.Now)

	clk.Set(base.Add(61 * time.Minute))
	require.Equal(t, 1, s.RunOnce(ctx))

	// the refresh finds nothing new
	upd.FetchedAt = base.Add(61 * time.Minute)
	res, err = st.UpsertStatus(ctx, upd)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.True(t, res.Record.LastSyncedAt.Equal(upd.FetchedAt.Truncate(time.Microsecond)))

	clk.Set(base.Add(76 * time.Minute))
	require.Zero(t, s.RunOnce(ctx))
	clk.Set(base.Add(91 * time.Minute))
	require.Zero(t, s.RunOnce(ctx))

	clk.Set(base.Add(122 * time.Minute))
	require.Equal(t, 1, s.RunOnce(ctx))
	require.Equal(t, 2, prod.Len())
}
