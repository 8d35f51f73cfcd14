package cachedstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/cache/rediscache"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/BearBump/parcelsync/internal/storage/sqlitepackages"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (Store, *sqlitepackages.Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := sqlitepackages.New(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return New(st, rediscache.New(mr.Addr()), time.Minute), st, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, st, mr := setup(t)
	ctx := context.Background()

	_, err := st.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "SF1"})
	require.NoError(t, err)
	require.False(t, mr.Exists(currentKey("SF1")))

	rec, err := cs.GetByTrackingNumber(ctx, "SF1")
	require.NoError(t, err)
	require.Equal(t, "SF1", rec.TrackingNumber)
	require.True(t, mr.Exists(currentKey("SF1")))

	// served from cache even though the row is gone
	require.NoError(t, st.DeleteRecord(ctx, "SF1"))
	rec, err = cs.GetByTrackingNumber(ctx, "SF1")
	require.NoError(t, err)
	require.Equal(t, "SF1", rec.TrackingNumber)
}

func TestCachedStore_AppliedUpsertRefreshesCache(t *testing.T) {
	cs, _, _ := setup(t)
	ctx := context.Background()

	_, err := cs.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "YT1"})
	require.NoError(t, err)

	res, err := cs.UpsertStatus(ctx, models.StatusUpdate{
		TrackingNumber:  "YT1",
		CanonicalStatus: models.StatusDelivered,
		RawPayload:      []byte(`[{"time":"2025-01-01T00:00:00Z","description":"快件已签收"}]`),
		LatestEventAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		FetchedAt:       time.Now(),
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	rec, err := cs.GetByTrackingNumber(ctx, "YT1")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, rec.CanonicalStatus)
}

func TestCachedStore_DeleteDropsKey(t *testing.T) {
	cs, _, mr := setup(t)
	ctx := context.Background()

	_, err := cs.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "JD1"})
	require.NoError(t, err)
	require.True(t, mr.Exists(currentKey("JD1")))

	require.NoError(t, cs.DeleteRecord(ctx, "JD1"))
	require.False(t, mr.Exists(currentKey("JD1")))

	_, err = cs.GetByTrackingNumber(ctx, "JD1")
	require.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestCachedStore_CacheDownFallsBackToStore(t *testing.T) {
	cs, st, mr := setup(t)
	ctx := context.Background()

	_, err := st.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "ZTO1"})
	require.NoError(t, err)
	mr.Close()

	rec, err := cs.GetByTrackingNumber(ctx, "ZTO1")
	require.NoError(t, err)
	require.Equal(t, "ZTO1", rec.TrackingNumber)
}

// racingStore runs interleave after reading from the store and before the
// read is returned, once.
type racingStore struct {
	Store
	interleave func()
}

func (s *racingStore) GetByTrackingNumber(ctx context.Context, tn string) (*models.PackageRecord, error) {
	rec, err := s.Store.GetByTrackingNumber(ctx, tn)
	if f := s.interleave; f != nil {
		s.interleave = nil
		f()
	}
	return rec, err
}

func TestCachedStore_MissFillDoesNotOverwriteNewerWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := sqlitepackages.New(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	rs := &racingStore{Store: st}
	cs := New(rs, rediscache.New(mr.Addr()), time.Minute)
	ctx := context.Background()

	_, err = st.CreateRecord(ctx, models.PackageCreateInput{TrackingNumber: "EMS1"})
	require.NoError(t, err)

	rs.interleave = func() {
		res, err := cs.UpsertStatus(ctx, models.StatusUpdate{
			TrackingNumber:  "EMS1",
			CanonicalStatus: models.StatusDelivered,
			RawPayload:      []byte(`[{"time":"2025-01-01T00:00:00Z","description":"快件已签收"}]`),
			LatestEventAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			FetchedAt:       time.Now(),
		})
		require.NoError(t, err)
		require.True(t, res.Applied)
	}

	// the read saw the row before the upsert landed
	rec, err := cs.GetByTrackingNumber(ctx, "EMS1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.CanonicalStatus)

	rec, err = cs.GetByTrackingNumber(ctx, "EMS1")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, rec.CanonicalStatus)
}

type failingStore struct{ Store }

func (failingStore) GetByTrackingNumber(context.Context, string) (*models.PackageRecord, error) {
	return nil, errors.New("db down")
}

func TestNew_WithoutCacheReturnsStore(t *testing.T) {
	fs := failingStore{}
	require.Equal(t, Store(fs), New(fs, nil, time.Minute))
}
