package sqlitepackages

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`
CREATE TABLE IF NOT EXISTS packages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tracking_number TEXT NOT NULL UNIQUE CHECK (length(tracking_number) <= 50),
  carrier_id TEXT NULL,
  canonical_status TEXT NOT NULL DEFAULT 'PENDING',
  raw_payload TEXT NULL,
  anomaly_flag INTEGER NOT NULL DEFAULT 0,
  latest_event_at INTEGER NULL,
  last_synced_at INTEGER NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_status_updated_at ON packages(canonical_status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_status_synced_at ON packages(canonical_status, COALESCE(last_synced_at, updated_at))`,
		`
CREATE TABLE IF NOT EXISTS failed_jobs (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  payload TEXT NOT NULL,
  reason TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
