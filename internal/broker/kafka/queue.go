package kafka

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// Readers is the number of group members, usually the worker count.
	Readers int
}

// slot owns one reader and at most one unsettled message, so offsets are
// always committed in fetch order.
type slot struct {
	c       *Consumer
	pending *kafka.Message
}

// Queue is a broker.Queue on top of a consumer group. Retries are
// republished with Attempt+1 and NotBefore, and the receiving side holds the
// message until NotBefore has passed.
type Queue struct {
	producer *Producer
	topic    string

	readers []*slot
	free    chan *slot
	now     func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func NewQueue(cfg Config) *Queue {
	n := cfg.Readers
	if n <= 0 {
		n = 1
	}
	consumers := make([]*Consumer, 0, n)
	for i := 0; i < n; i++ {
		consumers = append(consumers, NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID))
	}
	return newQueue(NewProducer(cfg.Brokers), cfg.Topic, consumers, time.Now)
}

// NewPublisher opens the queue without joining the consumer group, for
// processes that only enqueue.
func NewPublisher(cfg Config) *Queue {
	return newQueue(NewProducer(cfg.Brokers), cfg.Topic, nil, time.Now)
}

func newQueue(p *Producer, topic string, consumers []*Consumer, now func() time.Time) *Queue {
	q := &Queue{
		producer: p,
		topic:    topic,
		free:     make(chan *slot, len(consumers)),
		now:      now,
		closed:   make(chan struct{}),
	}
	for _, c := range consumers {
		s := &slot{c: c}
		q.readers = append(q.readers, s)
		q.free <- s
	}
	return q
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) Enqueue(ctx context.Context, job messages.RefreshJob) error {
	if q.isClosed() {
		return broker.ErrQueueClosed
	}
	if err := job.Validate(); err != nil {
		return err
	}
	b, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.producer.Publish(ctx, q.topic, []byte(job.TrackingNumber), b)
}

func (q *Queue) Receive(ctx context.Context) (broker.Delivery, error) {
	if q.isClosed() {
		return nil, broker.ErrQueueClosed
	}
	if len(q.readers) == 0 {
		return nil, broker.ErrPublishOnly
	}
	var s *slot
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, broker.ErrQueueClosed
	case s = <-q.free:
	}

	for {
		var msg kafka.Message
		if s.pending != nil {
			msg = *s.pending
		} else {
			m, err := s.c.Fetch(ctx)
			if err != nil {
				q.free <- s
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			msg = m
		}

		job, err := messages.UnmarshalRefreshJob(msg.Value)
		if err != nil {
			slog.Warn("kafka queue: dropping unreadable job",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
			s.pending = nil
			if err := s.c.Commit(ctx, msg); err != nil {
				q.free <- s
				return nil, err
			}
			continue
		}

		if job.NotBefore != nil {
			if wait := job.NotBefore.Sub(q.now()); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					// keep the message on this reader, a later Receive picks it up
					s.pending = &msg
					q.free <- s
					return nil, ctx.Err()
				case <-q.closed:
					t.Stop()
					return nil, broker.ErrQueueClosed
				case <-t.C:
				}
			}
		}

		s.pending = nil
		return &delivery{q: q, s: s, msg: msg, job: job}, nil
	}
}

func (q *Queue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		close(q.closed)
		for _, s := range q.readers {
			if err := s.c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := q.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "kafka queue close")
	}
	return nil
}

type delivery struct {
	q       *Queue
	s       *slot
	msg     kafka.Message
	job     messages.RefreshJob
	settled atomic.Bool
}

func (d *delivery) Job() messages.RefreshJob { return d.job }

func (d *delivery) commit(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.New("kafka queue: job already settled")
	}
	defer func() { d.q.free <- d.s }()
	return d.s.c.Commit(ctx, d.msg)
}

func (d *delivery) Ack(ctx context.Context) error { return d.commit(ctx) }

func (d *delivery) Reject(ctx context.Context) error { return d.commit(ctx) }

func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	if d.settled.Load() {
		return errors.New("kafka queue: job already settled")
	}
	var notBefore time.Time
	if delay > 0 {
		notBefore = d.q.now().Add(delay)
	}
	next := d.job.NextAttempt(notBefore)
	b, err := next.Marshal()
	if err != nil {
		return err
	}
	if err := d.q.producer.Publish(ctx, d.q.topic, d.msg.Key, b); err != nil {
		// leave the original uncommitted and hand it out again
		if d.settled.CompareAndSwap(false, true) {
			msg := d.msg
			d.s.pending = &msg
			d.q.free <- d.s
		}
		return err
	}
	return d.commit(ctx)
}
