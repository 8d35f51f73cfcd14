package pgpackages

import (
	"context"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const recordColumns = `
  id, tracking_number, carrier_id, canonical_status,
  raw_payload, anomaly_flag, latest_event_at, last_synced_at,
  created_at, updated_at`

func scanRecord(row pgx.Row) (*models.PackageRecord, error) {
	var r models.PackageRecord
	var status string
	var payload []byte
	if err := row.Scan(
		&r.ID, &r.TrackingNumber, &r.CarrierID, &status,
		&payload, &r.AnomalyFlag, &r.LatestEventAt, &r.LastSyncedAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.CanonicalStatus = models.CanonicalStatus(status)
	if len(payload) > 0 {
		r.RawPayload = payload
	}
	return &r, nil
}

func (s *Storage) CreateRecord(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `
INSERT INTO packages (tracking_number, carrier_id, canonical_status, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (tracking_number) DO NOTHING
RETURNING`+recordColumns, in.TrackingNumber, in.CarrierID, models.StatusPending.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrAlreadyExists
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert package")
	}
	return rec, nil
}

func (s *Storage) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.PackageRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT`+recordColumns+` FROM packages WHERE tracking_number = $1`, trackingNumber))
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.db.Query(ctx, `SELECT`+recordColumns+`
FROM packages
ORDER BY updated_at DESC, id DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	return collect(rows)
}

func (s *Storage) UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `
UPDATE packages SET carrier_id = $2, updated_at = now()
WHERE tracking_number = $1
RETURNING`+recordColumns, trackingNumber, carrierID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update carrier")
	}
	return rec, nil
}

func (s *Storage) DeleteRecord(ctx context.Context, trackingNumber string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM packages WHERE tracking_number = $1`, trackingNumber)
	if err != nil {
		return errors.Wrap(err, "delete package")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

// UpsertStatus applies a worker result when it is fresher than what is
// stored. Fresher means the newest event is later than the stored
// watermark, or the watermark is equal but the payload differs. A payload
// without events never replaces one that has them.
func (s *Storage) UpsertStatus(ctx context.Context, upd models.StatusUpdate) (models.UpsertResult, error) {
	var latest *time.Time
	if !upd.LatestEventAt.IsZero() {
		t := upd.LatestEventAt.UTC().Truncate(time.Microsecond)
		latest = &t
	}
	var payload []byte
	if len(upd.RawPayload) > 0 {
		payload = upd.RawPayload
	}
	fetchedAt := upd.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	rec, err := scanRecord(s.db.QueryRow(ctx, `
UPDATE packages
SET
  canonical_status = $2,
  raw_payload = $3::jsonb,
  anomaly_flag = $4,
  latest_event_at = $5::timestamptz,
  last_synced_at = $6,
  updated_at = now()
WHERE tracking_number = $1
  AND (
    ($5::timestamptz IS NOT NULL AND (latest_event_at IS NULL OR latest_event_at < $5::timestamptz))
    OR (
      latest_event_at IS NOT DISTINCT FROM $5::timestamptz
      AND (
        raw_payload IS DISTINCT FROM $3::jsonb
        OR canonical_status <> $2
        OR anomaly_flag <> $4
      )
    )
  )
RETURNING`+recordColumns,
		upd.TrackingNumber, upd.CanonicalStatus.String(), payload, upd.AnomalyFlag, latest, fetchedAt.UTC()))
	if err == nil {
		return models.UpsertResult{Record: rec, Applied: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.UpsertResult{}, errors.Wrap(err, "upsert status")
	}

	// A stale result still counts as a sync for the sweeper.
	cur, err := scanRecord(s.db.QueryRow(ctx, `
UPDATE packages
SET last_synced_at = GREATEST(last_synced_at, $2)
WHERE tracking_number = $1
RETURNING`+recordColumns, upd.TrackingNumber, fetchedAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UpsertResult{}, storage.ErrRecordNotFound
	}
	if err != nil {
		return models.UpsertResult{}, errors.Wrap(err, "touch sync time")
	}
	return models.UpsertResult{Record: cur, Applied: false}, nil
}

// ListDueForResync returns records in status that were last synced (or,
// if never synced, last changed) before syncedBefore, oldest first.
func (s *Storage) ListDueForResync(ctx context.Context, status models.CanonicalStatus, syncedBefore time.Time, limit int) ([]*models.PackageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT`+recordColumns+`
FROM packages
WHERE canonical_status = $1 AND COALESCE(last_synced_at, updated_at) < $2
ORDER BY COALESCE(last_synced_at, updated_at) ASC, id ASC
LIMIT $3`, status.String(), syncedBefore.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due packages")
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*models.PackageRecord, error) {
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
