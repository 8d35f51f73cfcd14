package refresh

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/BearBump/parcelsync/internal/logging"
	"github.com/pkg/errors"
)

var ErrQueueUnavailable = errors.New("refresh queue unavailable")

const defaultEnqueueTimeout = 2 * time.Second

type Enqueuer interface {
	Enqueue(ctx context.Context, job messages.RefreshJob) error
}

// Producer submits refresh jobs on behalf of request handlers. It never
// reports a queue failure to its caller: the triggering request has already
// succeeded and the refresh is best effort.
type Producer struct {
	q       Enqueuer
	timeout time.Duration

	enqueued atomic.Int64
	failed   atomic.Int64
}

func New(q Enqueuer, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	return &Producer{q: q, timeout: timeout}
}

func (p *Producer) EnqueueRefresh(ctx context.Context, trackingNumber string, carrierID *string, reason messages.Reason) {
	job := messages.NewRefreshJob(trackingNumber, carrierID, reason)
	job.CorrelationID = logging.CorrelationID(ctx)

	// the request may finish before the broker answers
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.submit(ctx, job); err != nil {
		p.failed.Add(1)
		slog.ErrorContext(ctx, "enqueue refresh",
			"tracking_number", trackingNumber,
			"reason", string(reason),
			"error", err.Error())
		return
	}
	p.enqueued.Add(1)
	slog.DebugContext(ctx, "refresh enqueued", "tracking_number", trackingNumber, "job_id", job.ID, "reason", string(reason))
}

func (p *Producer) submit(ctx context.Context, job messages.RefreshJob) error {
	if err := p.q.Enqueue(ctx, job); err != nil {
		return errors.WithMessagef(ErrQueueUnavailable, "enqueue %s: %v", job.TrackingNumber, err)
	}
	return nil
}

func (p *Producer) OnRecordCreated(ctx context.Context, trackingNumber string, carrierID *string) {
	p.EnqueueRefresh(ctx, trackingNumber, carrierID, messages.ReasonCreated)
}

func (p *Producer) OnRecordUpdated(ctx context.Context, trackingNumber string, carrierID *string) {
	p.EnqueueRefresh(ctx, trackingNumber, carrierID, messages.ReasonUpdated)
}

// OnManualResyncRequested leaves the carrier empty; the worker reads it from
// the record.
func (p *Producer) OnManualResyncRequested(ctx context.Context, trackingNumber string) {
	p.EnqueueRefresh(ctx, trackingNumber, nil, messages.ReasonManual)
}

type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Failed   int64 `json:"failed"`
}

func (p *Producer) Stats() Stats {
	return Stats{Enqueued: p.enqueued.Load(), Failed: p.failed.Load()}
}
