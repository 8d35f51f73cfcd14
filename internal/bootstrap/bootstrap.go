// Package bootstrap builds the long-lived dependencies both binaries share
// from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/parcelsync/config"
	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/broker/kafka"
	"github.com/BearBump/parcelsync/internal/broker/nsq"
	"github.com/BearBump/parcelsync/internal/broker/redisq"
	"github.com/BearBump/parcelsync/internal/cache"
	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/integrations/carrier/mock"
	"github.com/BearBump/parcelsync/internal/integrations/carrier/restapi"
	"github.com/BearBump/parcelsync/internal/integrations/carrier/track24"
	"github.com/BearBump/parcelsync/internal/services/sweeper"
	"github.com/BearBump/parcelsync/internal/storage/cachedstore"
	"github.com/BearBump/parcelsync/internal/storage/failedjobs"
	"github.com/BearBump/parcelsync/internal/storage/pgpackages"
	"github.com/BearBump/parcelsync/internal/storage/sqlitepackages"
)

type Storage struct {
	// Records goes through the read cache when one is configured.
	Records    cachedstore.Store
	// Raw bypasses the cache, for scans such as the sweeper's.
	Raw        cachedstore.Store
	FailedJobs *failedjobs.Repo

	ping  func(ctx context.Context) error
	close func()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

func (s *Storage) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStorage opens the configured database. c may be nil.
func OpenStorage(cfg *config.Config, c cache.BytesCache, wait time.Duration) (*Storage, error) {
	var (
		raw     cachedstore.Store
		fjs     *failedjobs.Repo
		ping    func(ctx context.Context) error
		closeFn func()
	)

	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlitepackages.New(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		raw, ping, closeFn = s, s.Ping, s.Close
		fjs = failedjobs.New(s.DB(), failedjobs.SQLite)
	case "postgres":
		s, err := openPostgresWithRetry(cfg.Database.ConnString(), wait)
		if err != nil {
			return nil, err
		}
		raw, ping, closeFn = s, s.Ping, s.Close
		fjs = failedjobs.New(s.SQLDB(), failedjobs.Postgres)
	default:
		return nil, fmt.Errorf("%w: database.driver %q", config.ErrInvalidValue, cfg.Database.Driver)
	}

	ttl := time.Duration(cfg.ParcelSync.CurrentStatusTTLSeconds) * time.Second
	return &Storage{
		Records:    cachedstore.New(raw, c, ttl),
		Raw:        raw,
		FailedJobs: fjs,
		ping:       ping,
		close:      closeFn,
	}, nil
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgpackages.Storage, error) {
	deadline := time.Now().Add(wait)
	for {
		st, err := pgpackages.New(connString)
		if err == nil {
			return st, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, err)
		}
		time.Sleep(time.Second)
	}
}

type Role int

const (
	// Publisher handles only enqueue; they never join a consumer group.
	Publisher Role = iota
	Consumer
)

func OpenQueue(cfg *config.Config, role Role) (broker.Queue, error) {
	visibility := time.Duration(cfg.ParcelSync.QueueVisibilitySeconds) * time.Second

	switch cfg.ParcelSync.QueueBackend {
	case "redis":
		return redisq.New(cfg.Redis.Addr(), redisq.Options{Visibility: visibility}), nil
	case "kafka":
		kcfg := kafka.Config{
			Brokers: cfg.Kafka.Brokers(),
			Topic:   cfg.Kafka.RefreshTopicName,
			GroupID: cfg.Kafka.ConsumerGroup,
			Readers: cfg.ParcelSync.WorkerConcurrency,
		}
		if role == Publisher {
			return kafka.NewPublisher(kcfg), nil
		}
		return kafka.NewQueue(kcfg), nil
	case "nsq":
		ncfg := nsq.Config{
			NSQDAddr:     cfg.NSQ.NSQDAddr,
			LookupdAddrs: cfg.NSQ.LookupdAddrs,
			Topic:        cfg.NSQ.Topic,
			Channel:      cfg.NSQ.Channel,
			MaxInFlight:  cfg.ParcelSync.WorkerConcurrency,
			MsgTimeout:   visibility,
		}
		if role == Publisher {
			return nsq.NewPublisher(ncfg)
		}
		return nsq.New(ncfg)
	default:
		return nil, fmt.Errorf("%w: parcelsync.queue_backend %q", config.ErrInvalidValue, cfg.ParcelSync.QueueBackend)
	}
}

func NewCarrierClient(cfg *config.Config) carrier.Client {
	p := cfg.ParcelSync
	switch p.CarrierMode {
	case "restapi":
		return restapi.New(p.CarrierBaseURL, p.CarrierAPIKey)
	case "track24":
		return track24.New(p.CarrierBaseURL, p.CarrierAPIKey, p.CarrierDomain)
	default:
		return mock.New()
	}
}

func RetryPolicy(cfg *config.Config) broker.RetryPolicy {
	p := cfg.ParcelSync
	return broker.RetryPolicy{
		MaxAttempts: p.RetryMaxAttempts,
		Base:        time.Duration(p.RetryBaseMillis) * time.Millisecond,
		Strategy:    broker.BackoffStrategy(p.RetryBackoff),
		Max:         time.Duration(p.RetryMaxDelaySeconds) * time.Second,
	}
}

func PlannerConfig(cfg *config.Config) sweeper.PlannerConfig {
	p := cfg.ParcelSync
	return sweeper.PlannerConfig{
		PendingDelay:        time.Duration(p.RecheckPendingMinutes) * time.Minute,
		AnomalyDelay:        time.Duration(p.RecheckAnomalyMinutes) * time.Minute,
		InTransitMinDelay:   time.Duration(p.RecheckInTransitMinMinutes) * time.Minute,
		InTransitMaxDelay:   time.Duration(p.RecheckInTransitMaxMinutes) * time.Minute,
		OutForDeliveryDelay: time.Duration(p.RecheckOutForDeliveryMinutes) * time.Minute,
	}
}

func EnqueueTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.ParcelSync.ProducerEnqueueTimeoutMillis) * time.Millisecond
}
