package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "*/15 * * * *"

type Repository interface {
	ListDueForResync(ctx context.Context, status models.CanonicalStatus, syncedBefore time.Time, limit int) ([]*models.PackageRecord, error)
}

type Producer interface {
	EnqueueRefresh(ctx context.Context, trackingNumber string, carrierID *string, reason messages.Reason)
}

// Sweeper periodically re-enqueues records whose status is due for a
// recheck, so packages keep moving without user action.
type Sweeper struct {
	repo     Repository
	producer Producer
	planner  *Planner

	schedule  cron.Schedule
	expr      string
	batchSize int
	now       func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalEnqueued       atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sweeper schedule %q", expr)
	}
	return s, nil
}

func New(repo Repository, producer Producer) *Sweeper {
	sched, _ := ParseSchedule(DefaultSchedule)
	return &Sweeper{
		repo:              repo,
		producer:          producer,
		planner:           NewPlanner(DefaultPlannerConfig(), nil),
		schedule:          sched,
		expr:              DefaultSchedule,
		batchSize:         100,
		now:               func() time.Time { return time.Now().UTC() },
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSchedule(expr string) (*Sweeper, error) {
	if expr == "" {
		return s, nil
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	s.schedule = sched
	s.expr = expr
	return s, nil
}

func (s *Sweeper) WithSettings(batchSize int, cfg PlannerConfig) *Sweeper {
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	s.planner = NewPlanner(cfg, nil)
	return s
}

func (s *Sweeper) WithPlanner(p *Planner) *Sweeper {
	if p != nil {
		s.planner = p
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	s.wake()
}

func (s *Sweeper) wake() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	Schedule      string     `json:"schedule"`
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles   int64      `json:"totalCycles"`
	TotalEnqueued int64      `json:"totalEnqueued"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		Schedule:      s.expr,
		StartedAt:     time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalCycles:   s.totalCycles.Load(),
		TotalEnqueued: s.totalEnqueued.Load(),
		TotalErrors:   s.totalErrors.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run sweeps on the cron schedule and on Trigger until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser))
	c.Schedule(s.schedule, cron.FuncJob(s.wake))
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.triggerCh:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce enqueues one sweep job per due record and returns how many it
// enqueued.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	now := s.now()
	s.lastCycleUnixNano.Store(now.UnixNano())
	s.totalCycles.Add(1)

	enqueued := 0
	for _, status := range models.AllStatuses {
		delay, ok := s.planner.RecheckDelay(status)
		if !ok {
			continue
		}
		recs, err := s.repo.ListDueForResync(ctx, status, now.Add(-delay), s.batchSize)
		if err != nil {
			s.totalErrors.Add(1)
			s.lastErrorMu.Lock()
			s.lastError = err.Error()
			s.lastErrorMu.Unlock()
			slog.Error("list due packages", "status", status.String(), "error", err.Error())
			continue
		}
		for _, rec := range recs {
			s.producer.EnqueueRefresh(ctx, rec.TrackingNumber, rec.CarrierID, messages.ReasonSweep)
			enqueued++
		}
	}
	s.totalEnqueued.Add(int64(enqueued))
	if enqueued > 0 {
		slog.Info("sweep done", "enqueued", enqueued)
	}
	return enqueued
}
