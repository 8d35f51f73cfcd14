package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/BearBump/parcelsync/internal/models"
)

// Event names, logged under the "event" key.
const (
	EventJobSucceeded       = "job_succeeded"
	EventJobRetrying        = "job_retrying"
	EventJobFailedPermanent = "job_failed_permanent"
	EventJobFailedExhausted = "job_failed_exhausted"
	EventJobStale           = "job_stale"
	EventJobRecordMissing   = "job_record_missing"
)

func (p *Pool) jobSucceeded(ctx context.Context, job messages.RefreshJob, status models.CanonicalStatus) {
	p.succeeded.Add(1)
	slog.InfoContext(ctx, "refresh applied",
		"event", EventJobSucceeded,
		"tracking_number", job.TrackingNumber,
		"status", status.String(),
		"attempt", job.Attempt)
}

func (p *Pool) jobStale(ctx context.Context, job messages.RefreshJob) {
	p.stale.Add(1)
	slog.DebugContext(ctx, "refresh not newer than stored state",
		"event", EventJobStale,
		"tracking_number", job.TrackingNumber)
}

func (p *Pool) jobRecordMissing(ctx context.Context, job messages.RefreshJob) {
	p.recordMissing.Add(1)
	slog.InfoContext(ctx, "record gone, dropping refresh",
		"event", EventJobRecordMissing,
		"tracking_number", job.TrackingNumber)
}

func (p *Pool) jobRetrying(ctx context.Context, job messages.RefreshJob, delay time.Duration, cause error) {
	p.retried.Add(1)
	p.setLastError(cause)
	slog.WarnContext(ctx, "refresh failed, retrying",
		"event", EventJobRetrying,
		"tracking_number", job.TrackingNumber,
		"attempt", job.Attempt+1,
		"delay", delay.String(),
		"error", cause.Error())
}

func (p *Pool) jobFailedPermanent(ctx context.Context, job messages.RefreshJob, cause error) {
	p.failedPermanent.Add(1)
	p.setLastError(cause)
	slog.ErrorContext(ctx, "refresh failed permanently",
		"event", EventJobFailedPermanent,
		"tracking_number", job.TrackingNumber,
		"reason", cause.Error())
}

func (p *Pool) jobFailedExhausted(ctx context.Context, job messages.RefreshJob, cause error) {
	p.failedExhausted.Add(1)
	p.setLastError(cause)
	slog.ErrorContext(ctx, "refresh retries exhausted",
		"event", EventJobFailedExhausted,
		"tracking_number", job.TrackingNumber,
		"attempts", job.Attempt+1,
		"error", cause.Error())
}
