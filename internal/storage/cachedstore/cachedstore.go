package cachedstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/parcelsync/internal/cache"
	"github.com/BearBump/parcelsync/internal/models"
)

type Store interface {
	CreateRecord(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.PackageRecord, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*models.PackageRecord, error)
	UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error)
	DeleteRecord(ctx context.Context, trackingNumber string) error
	UpsertStatus(ctx context.Context, upd models.StatusUpdate) (models.UpsertResult, error)
	ListDueForResync(ctx context.Context, status models.CanonicalStatus, syncedBefore time.Time, limit int) ([]*models.PackageRecord, error)
}

// CachedStore keeps the current state of single records in a cache.
// The cache is best effort: its errors are logged and never returned.
type CachedStore struct {
	Store
	cache cache.BytesCache
	ttl   time.Duration
}

func New(next Store, c cache.BytesCache, ttl time.Duration) Store {
	if c == nil || ttl <= 0 {
		return next
	}
	return &CachedStore{Store: next, cache: c, ttl: ttl}
}

func currentKey(trackingNumber string) string {
	return "package:" + trackingNumber + ":current"
}

func (s *CachedStore) put(ctx context.Context, rec *models.PackageRecord) {
	if rec == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, currentKey(rec.TrackingNumber), b, s.ttl); err != nil {
		slog.Warn("record cache set failed", "tracking_number", rec.TrackingNumber, "error", err.Error())
	}
}

// fill caches a record read from the store. It never replaces an entry,
// since a concurrent write may have cached a newer version after the read.
func (s *CachedStore) fill(ctx context.Context, rec *models.PackageRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := s.cache.Add(ctx, currentKey(rec.TrackingNumber), b, s.ttl); err != nil {
		slog.Warn("record cache fill failed", "tracking_number", rec.TrackingNumber, "error", err.Error())
	}
}

func (s *CachedStore) drop(ctx context.Context, trackingNumber string) {
	if err := s.cache.Del(ctx, currentKey(trackingNumber)); err != nil {
		slog.Warn("record cache del failed", "tracking_number", trackingNumber, "error", err.Error())
	}
}

func (s *CachedStore) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.PackageRecord, error) {
	b, ok, err := s.cache.Get(ctx, currentKey(trackingNumber))
	if err == nil && ok {
		var rec models.PackageRecord
		if json.Unmarshal(b, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.Store.GetByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, rec)
	return rec, nil
}

func (s *CachedStore) CreateRecord(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error) {
	rec, err := s.Store.CreateRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	s.put(ctx, rec)
	return rec, nil
}

func (s *CachedStore) UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error) {
	rec, err := s.Store.UpdateCarrier(ctx, trackingNumber, carrierID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, rec)
	return rec, nil
}

func (s *CachedStore) DeleteRecord(ctx context.Context, trackingNumber string) error {
	err := s.Store.DeleteRecord(ctx, trackingNumber)
	s.drop(ctx, trackingNumber)
	return err
}

func (s *CachedStore) UpsertStatus(ctx context.Context, upd models.StatusUpdate) (models.UpsertResult, error) {
	res, err := s.Store.UpsertStatus(ctx, upd)
	if err != nil {
		return res, err
	}
	if res.Applied {
		s.put(ctx, res.Record)
	}
	return res, nil
}
