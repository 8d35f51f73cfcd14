package sqlitepackages

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/pkg/errors"
)

const recordColumns = `
  id, tracking_number, carrier_id, canonical_status,
  raw_payload, anomaly_flag, latest_event_at, last_synced_at,
  created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func scanRecord(row scanner) (*models.PackageRecord, error) {
	var r models.PackageRecord
	var status string
	var payload []byte
	var latest, synced sql.NullInt64
	var created, updated int64
	if err := row.Scan(
		&r.ID, &r.TrackingNumber, &r.CarrierID, &status,
		&payload, &r.AnomalyFlag, &latest, &synced,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	r.CanonicalStatus = models.CanonicalStatus(status)
	if len(payload) > 0 {
		r.RawPayload = payload
	}
	r.LatestEventAt = fromMicros(latest)
	r.LastSyncedAt = fromMicros(synced)
	r.CreatedAt = time.UnixMicro(created).UTC()
	r.UpdatedAt = time.UnixMicro(updated).UTC()
	return &r, nil
}

func (s *Storage) CreateRecord(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error) {
	now := micros(time.Now())
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
INSERT INTO packages (tracking_number, carrier_id, canonical_status, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?4)
RETURNING`+recordColumns, in.TrackingNumber, in.CarrierID, models.StatusPending.String(), now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, storage.ErrAlreadyExists
		}
		return nil, errors.Wrap(err, "insert package")
	}
	return rec, nil
}

func (s *Storage) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.PackageRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT`+recordColumns+` FROM packages WHERE tracking_number = ?1`, trackingNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return rec, nil
}

func (s *Storage) ListRecords(ctx context.Context, limit, offset int) ([]*models.PackageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT`+recordColumns+`
FROM packages
ORDER BY updated_at DESC, id DESC
LIMIT ?1 OFFSET ?2`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	return collect(rows)
}

func (s *Storage) UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
UPDATE packages SET carrier_id = ?2, updated_at = ?3
WHERE tracking_number = ?1
RETURNING`+recordColumns, trackingNumber, carrierID, micros(time.Now())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update carrier")
	}
	return rec, nil
}

func (s *Storage) DeleteRecord(ctx context.Context, trackingNumber string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE tracking_number = ?1`, trackingNumber)
	if err != nil {
		return errors.Wrap(err, "delete package")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

// UpsertStatus follows the same freshness rule as the Postgres store.
func (s *Storage) UpsertStatus(ctx context.Context, upd models.StatusUpdate) (models.UpsertResult, error) {
	var latest any
	if !upd.LatestEventAt.IsZero() {
		latest = micros(upd.LatestEventAt)
	}
	var payload any
	if len(upd.RawPayload) > 0 {
		payload = string(upd.RawPayload)
	}
	fetchedAt := upd.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
UPDATE packages
SET
  canonical_status = ?2,
  raw_payload = ?3,
  anomaly_flag = ?4,
  latest_event_at = ?5,
  last_synced_at = ?6,
  updated_at = ?7
WHERE tracking_number = ?1
  AND (
    (?5 IS NOT NULL AND (latest_event_at IS NULL OR latest_event_at < ?5))
    OR (
      latest_event_at IS ?5
      AND (raw_payload IS NOT ?3 OR canonical_status <> ?2 OR anomaly_flag <> ?4)
    )
  )
RETURNING`+recordColumns,
		upd.TrackingNumber, upd.CanonicalStatus.String(), payload, upd.AnomalyFlag, latest,
		micros(fetchedAt), micros(time.Now())))
	if err == nil {
		return models.UpsertResult{Record: rec, Applied: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.UpsertResult{}, errors.Wrap(err, "upsert status")
	}

	// A stale result still counts as a sync for the sweeper.
	cur, err := scanRecord(s.db.QueryRowContext(ctx, `
UPDATE packages
SET last_synced_at = MAX(COALESCE(last_synced_at, 0), ?2)
WHERE tracking_number = ?1
RETURNING`+recordColumns, upd.TrackingNumber, micros(fetchedAt)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.UpsertResult{}, storage.ErrRecordNotFound
	}
	if err != nil {
		return models.UpsertResult{}, errors.Wrap(err, "touch sync time")
	}
	return models.UpsertResult{Record: cur, Applied: false}, nil
}

func (s *Storage) ListDueForResync(ctx context.Context, status models.CanonicalStatus, syncedBefore time.Time, limit int) ([]*models.PackageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT`+recordColumns+`
FROM packages
WHERE canonical_status = ?1 AND COALESCE(last_synced_at, updated_at) < ?2
ORDER BY COALESCE(last_synced_at, updated_at) ASC, id ASC
LIMIT ?3`, status.String(), micros(syncedBefore), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due packages")
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*models.PackageRecord, error) {
	defer rows.Close()
	out := make([]*models.PackageRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
