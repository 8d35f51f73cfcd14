package carrier

import (
	"context"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
)

// Trace is what a carrier returned for one tracking number.
// A nil *Trace means the carrier answered but the event list was missing or
// malformed, which is different from an empty Events slice.
type Trace struct {
	TrackingNumber string
	CarrierID      string
	Events         []models.TrackingEvent
	FetchedAt      time.Time
}

type Client interface {
	FetchTracking(ctx context.Context, trackingNumber, carrierID string) (*Trace, error)
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every FetchTracking call. Expiry is reported as a
// TransientError.
func WithTimeout(c Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return c
	}
	return &timeoutClient{next: c, timeout: timeout}
}

func (c *timeoutClient) FetchTracking(ctx context.Context, trackingNumber, carrierID string) (*Trace, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tr, err := c.next.FetchTracking(callCtx, trackingNumber, carrierID)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, Transient(err)
		}
		return nil, err
	}
	return tr, nil
}
