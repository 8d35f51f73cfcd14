package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/BearBump/parcelsync/internal/cache/rediscache"
	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/logging"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/services/classifier"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrRateLimited = errors.New("carrier rate limit exceeded")

type Store interface {
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.PackageRecord, error)
	UpsertStatus(ctx context.Context, upd models.StatusUpdate) (models.UpsertResult, error)
}

type DeadLetters interface {
	Save(ctx context.Context, job *models.FailedJob) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Pool runs N workers that pull refresh jobs from a queue and apply the
// carrier's answer to the record store.
type Pool struct {
	queue   broker.Queue
	store   Store
	carrier carrier.Client
	dlq     DeadLetters
	rl      RateLimiter

	policy         broker.RetryPolicy
	concurrency    int
	carrierTimeout time.Duration
	rateLimit      int64
	rateWindow     time.Duration
	receiveBackoff time.Duration
	now            func() time.Time

	startedAtUnixNano int64
	lastJobUnixNano   atomic.Int64
	received          atomic.Int64
	succeeded         atomic.Int64
	stale             atomic.Int64
	recordMissing     atomic.Int64
	retried           atomic.Int64
	failedPermanent   atomic.Int64
	failedExhausted   atomic.Int64
	inFlight          atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(q broker.Queue, store Store, c carrier.Client) *Pool {
	return &Pool{
		queue:             q,
		store:             store,
		carrier:           c,
		policy:            broker.DefaultRetryPolicy(),
		concurrency:       10,
		carrierTimeout:    10 * time.Second,
		rateWindow:        time.Minute,
		receiveBackoff:    time.Second,
		now:               func() time.Time { return time.Now().UTC() },
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (p *Pool) WithSettings(concurrency int, policy broker.RetryPolicy, carrierTimeout time.Duration) *Pool {
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if policy.MaxAttempts > 0 {
		p.policy = policy
	}
	if carrierTimeout > 0 {
		p.carrierTimeout = carrierTimeout
	}
	return p
}

func (p *Pool) WithDeadLetters(dlq DeadLetters) *Pool {
	p.dlq = dlq
	return p
}

// WithRateLimiter caps carrier calls at perMinute per carrier code.
func (p *Pool) WithRateLimiter(rl RateLimiter, perMinute int64) *Pool {
	p.rl = rl
	p.rateLimit = perMinute
	return p
}

func (p *Pool) WithClock(now func() time.Time) *Pool {
	if now != nil {
		p.now = now
	}
	return p
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastJobAt       *time.Time `json:"lastJobAt,omitempty"`
	Concurrency     int        `json:"concurrency"`
	Received        int64      `json:"received"`
	Succeeded       int64      `json:"succeeded"`
	Stale           int64      `json:"stale"`
	RecordMissing   int64      `json:"recordMissing"`
	Retried         int64      `json:"retried"`
	FailedPermanent int64      `json:"failedPermanent"`
	FailedExhausted int64      `json:"failedExhausted"`
	InFlight        int64      `json:"inFlight"`
	LastError       string     `json:"lastError,omitempty"`
}

func (p *Pool) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, p.startedAtUnixNano).UTC(),
		Concurrency:     p.concurrency,
		Received:        p.received.Load(),
		Succeeded:       p.succeeded.Load(),
		Stale:           p.stale.Load(),
		RecordMissing:   p.recordMissing.Load(),
		Retried:         p.retried.Load(),
		FailedPermanent: p.failedPermanent.Load(),
		FailedExhausted: p.failedExhausted.Load(),
		InFlight:        p.inFlight.Load(),
	}
	if n := p.lastJobUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastJobAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Pool) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

// Run blocks until ctx is done or the queue is closed. Jobs already received
// are finished before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	client := carrier.WithTimeout(p.carrier, p.carrierTimeout)

	var g errgroup.Group
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			return p.loop(ctx, client)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, client carrier.Client) error {
	for {
		d, err := p.queue.Receive(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, broker.ErrQueueClosed):
			return nil
		default:
			slog.Error("receive refresh job", "error", err.Error())
			p.setLastError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.receiveBackoff):
			}
			continue
		}
		p.process(context.WithoutCancel(ctx), client, d)
	}
}

// process runs one delivery to a terminal state and settles it.
func (p *Pool) process(ctx context.Context, client carrier.Client, d broker.Delivery) {
	job := d.Job()
	ctx = logging.WithCorrelationID(ctx, job.CorrelationID)

	p.received.Add(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.lastJobUnixNano.Store(p.now().UnixNano())

	r := newRun()
	step := func(to JobState) {
		if err := r.advance(to); err != nil {
			slog.ErrorContext(ctx, "job state", "tracking_number", job.TrackingNumber, "error", err.Error())
		}
	}

	carrierID := models.DerefString(job.CarrierID)
	if job.CarrierID == nil {
		rec, err := p.store.GetByTrackingNumber(ctx, job.TrackingNumber)
		switch {
		case errors.Is(err, storage.ErrRecordNotFound):
			step(StateAcknowledged)
			p.jobRecordMissing(ctx, job)
			p.settle(ctx, job, d.Ack)
			return
		case err != nil:
			step(StateFailedTransient)
			p.retryOrExhaust(ctx, d, errors.Wrap(err, "load record"))
			return
		}
		carrierID = models.DerefString(rec.CarrierID)
		if carrierID == "" {
			carrierID = carrier.InferCarrier(job.TrackingNumber)
		}
	}

	step(StateFetching)
	if err := p.allow(ctx, carrierID); err != nil {
		step(StateFailedTransient)
		p.retryOrExhaust(ctx, d, err)
		return
	}
	tr, err := client.FetchTracking(ctx, job.TrackingNumber, carrierID)
	if err != nil {
		if carrier.IsPermanent(err) {
			step(StateFailedPermanent)
			p.failPermanent(ctx, d, err)
			return
		}
		step(StateFailedTransient)
		p.retryOrExhaust(ctx, d, err)
		return
	}

	step(StateClassifying)
	upd, err := p.buildUpdate(job, tr)
	if err != nil {
		step(StateFailedTransient)
		p.retryOrExhaust(ctx, d, err)
		return
	}

	step(StatePersisting)
	res, err := p.store.UpsertStatus(ctx, upd)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		step(StateAcknowledged)
		p.jobRecordMissing(ctx, job)
	case err != nil:
		step(StateFailedTransient)
		p.retryOrExhaust(ctx, d, errors.Wrap(err, "upsert status"))
		return
	case res.Applied:
		step(StateAcknowledged)
		p.jobSucceeded(ctx, job, upd.CanonicalStatus)
	default:
		step(StateAcknowledged)
		p.jobStale(ctx, job)
	}
	p.settle(ctx, job, d.Ack)
}

func (p *Pool) allow(ctx context.Context, carrierID string) error {
	if p.rl == nil || p.rateLimit <= 0 {
		return nil
	}
	ok, n, err := p.rl.Allow(ctx, rediscache.CarrierKey(carrierID), p.rateLimit, p.rateWindow)
	if err != nil {
		return carrier.Transient(err)
	}
	if !ok {
		slog.WarnContext(ctx, "rate limit exceeded", "carrier", carrierID, "count", n)
		return carrier.Transient(ErrRateLimited)
	}
	return nil
}

func (p *Pool) buildUpdate(job messages.RefreshJob, tr *carrier.Trace) (models.StatusUpdate, error) {
	res := classifier.ClassifyTrace(tr)
	upd := models.StatusUpdate{
		TrackingNumber:  job.TrackingNumber,
		CanonicalStatus: res.Status,
		AnomalyFlag:     res.Anomaly,
		FetchedAt:       p.now(),
	}
	if tr == nil {
		return upd, nil
	}

	events := tr.Events
	if events == nil {
		events = []models.TrackingEvent{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return upd, errors.Wrap(err, "marshal events")
	}
	upd.RawPayload = payload
	upd.LatestEventAt = models.LatestEventAt(events)
	if !tr.FetchedAt.IsZero() {
		upd.FetchedAt = tr.FetchedAt
	}
	return upd, nil
}

func (p *Pool) retryOrExhaust(ctx context.Context, d broker.Delivery, cause error) {
	job := d.Job()
	if p.policy.Exhausted(job.Attempt) {
		p.deadLetter(ctx, job, models.FailureReasonExhausted, cause)
		p.jobFailedExhausted(ctx, job, cause)
		p.settle(ctx, job, d.Reject)
		return
	}
	delay := p.policy.Delay(job.Attempt)
	p.jobRetrying(ctx, job, delay, cause)
	p.settle(ctx, job, func(ctx context.Context) error {
		return d.Retry(ctx, delay)
	})
}

func (p *Pool) failPermanent(ctx context.Context, d broker.Delivery, cause error) {
	job := d.Job()
	p.deadLetter(ctx, job, models.FailureReasonPermanent, cause)
	p.jobFailedPermanent(ctx, job, cause)
	p.settle(ctx, job, d.Reject)
}

func (p *Pool) deadLetter(ctx context.Context, job messages.RefreshJob, reason string, cause error) {
	if p.dlq == nil {
		return
	}
	payload, err := job.Marshal()
	if err != nil {
		slog.ErrorContext(ctx, "marshal failed job", "tracking_number", job.TrackingNumber, "error", err.Error())
		return
	}
	fj := &models.FailedJob{
		JobID:          job.ID,
		TrackingNumber: job.TrackingNumber,
		Payload:        payload,
		Reason:         reason,
		Error:          cause.Error(),
		Attempts:       job.Attempt + 1,
	}
	if err := p.dlq.Save(ctx, fj); err != nil {
		slog.ErrorContext(ctx, "save failed job", "tracking_number", job.TrackingNumber, "error", err.Error())
	}
}

// settle reports but does not retry settlement errors: an unsettled job is
// redelivered by the queue.
func (p *Pool) settle(ctx context.Context, job messages.RefreshJob, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		p.setLastError(err)
		slog.WarnContext(ctx, "settle refresh job", "tracking_number", job.TrackingNumber, "job_id", job.ID, "error", err.Error())
	}
}
