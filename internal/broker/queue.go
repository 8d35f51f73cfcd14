package broker

import (
	"context"
	"errors"
	"time"

	"github.com/BearBump/parcelsync/internal/broker/messages"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	// ErrPublishOnly is returned by Receive on a handle opened without consumers.
	ErrPublishOnly = errors.New("queue opened for publishing only")
)

// Queue is an at-least-once channel of refresh jobs. A received job stays
// owned by the caller until it is settled through its Delivery; an unsettled
// job is redelivered.
type Queue interface {
	Enqueue(ctx context.Context, job messages.RefreshJob) error
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

type Delivery interface {
	Job() messages.RefreshJob
	// Ack settles the job as done.
	Ack(ctx context.Context) error
	// Retry redelivers the job with Attempt+1 once delay has passed.
	Retry(ctx context.Context, delay time.Duration) error
	// Reject settles the job without any further delivery.
	Reject(ctx context.Context) error
}

type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

type RetryPolicy struct {
	// MaxAttempts counts deliveries, the first one included.
	MaxAttempts int
	Base        time.Duration
	Strategy    BackoffStrategy
	// Max caps exponential delays. Zero means no cap.
	Max time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        5 * time.Second,
		Strategy:    BackoffFixed,
		Max:         time.Minute,
	}
}

// Exhausted reports whether a job that just failed on the given zero-based
// attempt has no deliveries left.
func (p RetryPolicy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempt+1 >= max
}

// Delay is the wait before redelivering a job that failed on attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if p.Strategy != BackoffExponential {
		return p.Base
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
