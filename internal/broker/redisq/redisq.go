package redisq

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix       = "parcelsync:jobs"
	defaultVisibility   = 5 * time.Minute
	defaultPollInterval = 200 * time.Millisecond
)

// ErrLeaseExpired is returned when settling a job whose visibility timeout
// already ran out; the job has been handed to another consumer.
var ErrLeaseExpired = errors.New("redisq: lease expired")

type Options struct {
	Prefix string
	// Visibility is how long a received job stays invisible before it is
	// handed out again.
	Visibility   time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Queue keeps jobs in four keys:
//
//	<prefix>:ready     list, LPUSH in / RPOP out
//	<prefix>:inflight  zset of lease tokens, score = visibility deadline (ms)
//	<prefix>:leases    hash, lease token -> job
//	<prefix>:delayed   zset, score = due time (ms)
//
// Every claim gets a fresh token, so a consumer whose lease expired can no
// longer settle the job once it was claimed again.
type Queue struct {
	rdb        *redis.Client
	ownsClient bool

	ready, inflight, leases, delayed string

	visibility time.Duration
	poll       time.Duration
	now        func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func New(addr string, opts Options) *Queue {
	q := NewFromClient(redis.NewClient(&redis.Options{Addr: addr}), opts)
	q.ownsClient = true
	return q
}

func NewFromClient(c *redis.Client, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Visibility <= 0 {
		opts.Visibility = defaultVisibility
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		rdb:        c,
		ready:      opts.Prefix + ":ready",
		inflight:   opts.Prefix + ":inflight",
		leases:     opts.Prefix + ":leases",
		delayed:    opts.Prefix + ":delayed",
		visibility: opts.Visibility,
		poll:       opts.PollInterval,
		now:        opts.Now,
		closed:     make(chan struct{}),
	}
}

// KEYS: ready, inflight, delayed, leases
// ARGV: now, deadline, token
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[3], m)
  redis.call('LPUSH', KEYS[1], m)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, tok in ipairs(expired) do
  redis.call('ZREM', KEYS[2], tok)
  local m = redis.call('HGET', KEYS[4], tok)
  redis.call('HDEL', KEYS[4], tok)
  if m then
    redis.call('RPUSH', KEYS[1], m)
  end
end
local m = redis.call('RPOP', KEYS[1])
if not m then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[4], ARGV[3], m)
return m
`)

// KEYS: inflight, leases
// ARGV: token
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// KEYS: inflight, leases, delayed, ready
// ARGV: token, next job, due (ms), immediate
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
  redis.call('LPUSH', KEYS[4], ARGV[2])
else
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
end
return 1
`)

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
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

	if job.NotBefore != nil && job.NotBefore.After(q.now()) {
		err = q.rdb.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: string(b),
		}).Err()
		return errors.Wrap(err, "redisq enqueue delayed")
	}
	return errors.Wrap(q.rdb.LPush(ctx, q.ready, b).Err(), "redisq enqueue")
}

func (q *Queue) Receive(ctx context.Context) (broker.Delivery, error) {
	for {
		if q.isClosed() {
			return nil, broker.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.now()
		token := uuid.NewString()
		res, err := claimScript.Run(ctx, q.rdb,
			[]string{q.ready, q.inflight, q.delayed, q.leases},
			ms(now), ms(now.Add(q.visibility)), token,
		).Text()
		switch {
		case err == redis.Nil:
		case err != nil:
			return nil, errors.Wrap(err, "redisq claim")
		default:
			job, err := messages.UnmarshalRefreshJob([]byte(res))
			if err != nil {
				slog.Warn("redisq: dropping unreadable job", "error", err.Error())
				_ = releaseScript.Run(ctx, q.rdb, []string{q.inflight, q.leases}, token).Err()
				continue
			}
			return &delivery{q: q, token: token, job: job}, nil
		}

		t := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.closed:
			t.Stop()
			return nil, broker.ErrQueueClosed
		case <-t.C:
		}
	}
}

type Depth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"inFlight"`
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.ready)
	delayed := pipe.ZCard(ctx, q.delayed)
	inflight := pipe.ZCard(ctx, q.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, errors.Wrap(err, "redisq depth")
	}
	return Depth{Ready: ready.Val(), Delayed: delayed.Val(), InFlight: inflight.Val()}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return errors.Wrap(q.rdb.Ping(ctx).Err(), "redisq ping")
}

func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		if q.ownsClient {
			err = q.rdb.Close()
		}
	})
	return err
}

type delivery struct {
	q       *Queue
	token   string
	job     messages.RefreshJob
	settled atomic.Bool
}

func (d *delivery) Job() messages.RefreshJob { return d.job }

func (d *delivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.New("redisq: job already settled")
	}
	return nil
}

func (d *delivery) remove(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	n, err := releaseScript.Run(ctx, d.q.rdb, []string{d.q.inflight, d.q.leases}, d.token).Int()
	if err != nil {
		return errors.Wrap(err, "redisq settle")
	}
	if n == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error { return d.remove(ctx) }

func (d *delivery) Reject(ctx context.Context) error { return d.remove(ctx) }

func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	due := d.q.now().Add(delay)
	next := d.job.NextAttempt(time.Time{})
	b, err := next.Marshal()
	if err != nil {
		return err
	}
	immediate := "0"
	if delay <= 0 {
		immediate = "1"
	}
	n, err := retryScript.Run(ctx, d.q.rdb,
		[]string{d.q.inflight, d.q.leases, d.q.delayed, d.q.ready},
		d.token, string(b), ms(due), immediate,
	).Int()
	if err != nil {
		return errors.Wrap(err, "redisq retry")
	}
	if n == 0 {
		return ErrLeaseExpired
	}
	return nil
}
