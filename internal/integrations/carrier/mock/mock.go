package mock

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/models"
)

// MockClient is a stand-in carrier that returns synthetic traces.
// The trace is deterministic per tracking number: the hash picks how far the
// parcel has progressed, so a fleet of numbers covers every stage.
type MockClient struct {
	now   func() time.Time
	fixed bool
}

type Option func(*MockClient)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *MockClient) {
		if now != nil {
			c.now = now
		}
	}
}

// Fixed makes every tracking number return the full delivered trace.
func Fixed() Option {
	return func(c *MockClient) { c.fixed = true }
}

func New(opts ...Option) *MockClient {
	c := &MockClient{now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(c)
	}
	return c
}

var script = []struct {
	description string
	location    string
}{
	{"快件已揽收", "北京市朝阳区营业点"},
	{"运输中", "北京转运中心"},
	{"正在派送中", "北京市朝阳区派送点"},
	{"快件已签收", "北京市朝阳区"},
}

func (c *MockClient) FetchTracking(ctx context.Context, trackingNumber, carrierID string) (*carrier.Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, carrier.Transient(err)
	}
	now := c.now()

	stages := len(script)
	if !c.fixed {
		h := fnv.New32a()
		_, _ = h.Write([]byte(carrierID))
		_, _ = h.Write([]byte("|"))
		_, _ = h.Write([]byte(trackingNumber))
		stages = 1 + int(h.Sum32()%uint32(len(script)))
	}

	// most recent first, one hour apart
	events := make([]models.TrackingEvent, 0, stages)
	for i := stages - 1; i >= 0; i-- {
		age := time.Duration(stages-1-i) * time.Hour
		events = append(events, models.TrackingEvent{
			Timestamp:   now.Add(-age),
			Description: script[i].description,
			Location:    models.StrPtr(script[i].location),
		})
	}

	return &carrier.Trace{
		TrackingNumber: trackingNumber,
		CarrierID:      carrierID,
		Events:         events,
		FetchedAt:      now,
	}, nil
}
