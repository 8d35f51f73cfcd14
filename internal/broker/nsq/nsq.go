package nsq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"
)

type Config struct {
	NSQDAddr     string
	LookupdAddrs []string
	Topic        string
	Channel      string
	MaxInFlight  int
	// MsgTimeout is how long nsqd waits for a response before requeueing.
	MsgTimeout time.Duration
}

type publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
	Stop()
}

// Queue turns nsq's push consumer into a pull queue: the handler hands each
// message to whichever Receive call is waiting and leaves the response to
// the Delivery.
type Queue struct {
	pub      publisher
	consumer *nsq.Consumer
	topic    string

	publishOnly bool
	deliveries  chan *delivery
	closed      chan struct{}
	closeOnce   sync.Once
}

func New(cfg Config) (*Queue, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.MaxInFlight
	if cfg.MsgTimeout > 0 {
		nsqCfg.MsgTimeout = cfg.MsgTimeout
	}

	producer, err := nsq.NewProducer(cfg.NSQDAddr, nsqCfg)
	if err != nil {
		return nil, errors.Wrap(err, "nsq producer")
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)

	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		producer.Stop()
		return nil, errors.Wrap(err, "nsq consumer")
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)

	q := newQueue(producer, cfg.Topic)
	q.consumer = consumer
	consumer.AddConcurrentHandlers(q, cfg.MaxInFlight)

	if len(cfg.LookupdAddrs) > 0 {
		err = consumer.ConnectToNSQLookupds(cfg.LookupdAddrs)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDAddr)
	}
	if err != nil {
		_ = q.Close()
		return nil, errors.Wrap(err, "nsq connect")
	}
	return q, nil
}

// NewPublisher connects only the producer side, for processes that enqueue
// but never receive.
func NewPublisher(cfg Config) (*Queue, error) {
	nsqCfg := nsq.NewConfig()
	producer, err := nsq.NewProducer(cfg.NSQDAddr, nsqCfg)
	if err != nil {
		return nil, errors.Wrap(err, "nsq producer")
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	q := newQueue(producer, cfg.Topic)
	q.publishOnly = true
	return q, nil
}

func newQueue(pub publisher, topic string) *Queue {
	return &Queue{
		pub:        pub,
		topic:      topic,
		deliveries: make(chan *delivery),
		closed:     make(chan struct{}),
	}
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// HandleMessage implements nsq.Handler.
func (q *Queue) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	job, err := messages.UnmarshalRefreshJob(m.Body)
	if err != nil {
		slog.Warn("nsq queue: dropping unreadable job", "nsq_attempts", m.Attempts, "error", err.Error())
		m.Finish()
		return nil
	}

	d := &delivery{q: q, m: m, job: job}
	select {
	case q.deliveries <- d:
	case <-q.closed:
		m.Requeue(0)
	}
	return nil
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
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.NotBefore != nil {
		if delay := time.Until(*job.NotBefore); delay > 0 {
			return errors.Wrap(q.pub.DeferredPublish(q.topic, delay, b), "nsq deferred publish")
		}
	}
	return errors.Wrap(q.pub.Publish(q.topic, b), "nsq publish")
}

func (q *Queue) Receive(ctx context.Context) (broker.Delivery, error) {
	if q.isClosed() {
		return nil, broker.ErrQueueClosed
	}
	if q.publishOnly {
		return nil, broker.ErrPublishOnly
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, broker.ErrQueueClosed
	case d := <-q.deliveries:
		return d, nil
	}
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		if q.consumer != nil {
			q.consumer.Stop()
			<-q.consumer.StopChan
		}
		q.pub.Stop()
	})
	return nil
}

type delivery struct {
	q       *Queue
	m       *nsq.Message
	job     messages.RefreshJob
	settled atomic.Bool
}

func (d *delivery) Job() messages.RefreshJob { return d.job }

func (d *delivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.New("nsq queue: job already settled")
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.m.Finish()
	return nil
}

func (d *delivery) Reject(ctx context.Context) error {
	return d.Ack(ctx)
}

// Retry publishes the next attempt as a new message and finishes the current
// one. nsq's own requeue would keep the old body and attempt counter.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	b, err := d.job.NextAttempt(time.Time{}).Marshal()
	if err != nil {
		d.m.Requeue(delay)
		return err
	}
	if delay > 0 {
		err = d.q.pub.DeferredPublish(d.q.topic, delay, b)
	} else {
		err = d.q.pub.Publish(d.q.topic, b)
	}
	if err != nil {
		d.m.Requeue(delay)
		return errors.Wrap(err, "nsq retry publish")
	}
	d.m.Finish()
	return nil
}
