package failedjobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// Repo is the dead-letter store for refresh jobs that failed terminally.
type Repo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Repo {
	return &Repo{db: db, dialect: dialect, now: time.Now}
}

// rebind turns $N placeholders into ?N for SQLite.
func (r *Repo) rebind(query string) string {
	if r.dialect == SQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (r *Repo) Save(ctx context.Context, job *models.FailedJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now().UTC()
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
INSERT INTO failed_jobs (id, job_id, tracking_number, payload, reason, error, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`),
		job.ID, job.JobID, job.TrackingNumber, string(job.Payload), job.Reason, job.Error, job.Attempts, job.CreatedAt)
	return errors.Wrap(err, "insert failed job")
}

const selectColumns = `id, job_id, tracking_number, payload, reason, error, attempts, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (models.FailedJob, error) {
	var j models.FailedJob
	var payload []byte
	if err := row.Scan(&j.ID, &j.JobID, &j.TrackingNumber, &payload, &j.Reason, &j.Error, &j.Attempts, &j.CreatedAt); err != nil {
		return models.FailedJob{}, err
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}

func (r *Repo) List(ctx context.Context, limit int) ([]models.FailedJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT `+selectColumns+` FROM failed_jobs ORDER BY created_at DESC LIMIT $1`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select failed jobs")
	}
	defer rows.Close()

	jobs := make([]models.FailedJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan failed job")
		}
		jobs = append(jobs, j)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return jobs, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*models.FailedJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, r.rebind(`SELECT `+selectColumns+` FROM failed_jobs WHERE id = $1`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFailedJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select failed job")
	}
	return &j, nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM failed_jobs WHERE id = $1`), id)
	if err != nil {
		return errors.Wrap(err, "delete failed job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return storage.ErrFailedJobNotFound
	}
	return nil
}

func (r *Repo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_jobs`).Scan(&n)
	return n, errors.Wrap(err, "count failed jobs")
}
