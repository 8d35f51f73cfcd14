package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/parcelsync/config"
	"github.com/BearBump/parcelsync/internal/bootstrap"
	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/cache"
	"github.com/BearBump/parcelsync/internal/cache/rediscache"
	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/services/refresh"
	"github.com/BearBump/parcelsync/internal/services/sweeper"
	"github.com/BearBump/parcelsync/internal/services/worker"
	"golang.org/x/sync/errgroup"
)

type workerFactories struct {
	openStorage      func(cfg *config.Config) (st *bootstrap.Storage, closeFn func(), err error)
	openQueue        func(cfg *config.Config) (broker.Queue, error)
	newRateLimiter   func(cfg *config.Config) worker.RateLimiter
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		openStorage: func(cfg *config.Config) (*bootstrap.Storage, func(), error) {
			var (
				c       cache.BytesCache
				closeRC = func() {}
			)
			if cfg.Redis.Host != "" {
				rc := rediscache.New(cfg.Redis.Addr())
				c, closeRC = rc, func() { _ = rc.Close() }
			}
			st, err := bootstrap.OpenStorage(cfg, c, 60*time.Second)
			if err != nil {
				closeRC()
				return nil, nil, err
			}
			return st, func() { st.Close(); closeRC() }, nil
		},
		openQueue: func(cfg *config.Config) (broker.Queue, error) {
			return bootstrap.OpenQueue(cfg, bootstrap.Consumer)
		},
		newRateLimiter: func(cfg *config.Config) worker.RateLimiter {
			if cfg.Redis.Host == "" || cfg.ParcelSync.RateLimitPerMinute <= 0 {
				return nil
			}
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newCarrierClient: bootstrap.NewCarrierClient,
	}
}

type workerRunOpts struct {
	swaggerPath string

	onHTTPListen func(addr string)
	onGRPCListen func(addr string)
}

// RunTrackWorker runs the worker pool, the resync sweeper and the admin
// servers until ctx is done or one of them fails.
func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerRunOpts) error {
	st, closeStorage, err := f.openStorage(cfg)
	if err != nil {
		return err
	}
	if closeStorage != nil {
		defer closeStorage()
	}

	q, err := f.openQueue(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	producer := refresh.New(q, bootstrap.EnqueueTimeout(cfg))

	carrierTimeout := time.Duration(cfg.ParcelSync.CarrierTimeoutSeconds) * time.Second
	pool := worker.New(q, st.Records, f.newCarrierClient(cfg)).
		WithSettings(cfg.ParcelSync.WorkerConcurrency, bootstrap.RetryPolicy(cfg), carrierTimeout).
		WithDeadLetters(st.FailedJobs)
	if rl := f.newRateLimiter(cfg); rl != nil {
		pool = pool.WithRateLimiter(rl, int64(cfg.ParcelSync.RateLimitPerMinute))
	}

	var sw *sweeper.Sweeper
	if !cfg.ParcelSync.SweeperDisabled {
		sw, err = sweeper.New(st.Raw, producer).WithSchedule(cfg.ParcelSync.SweeperSchedule)
		if err != nil {
			return err
		}
		sw = sw.WithSettings(cfg.ParcelSync.SweeperBatchSize, bootstrap.PlannerConfig(cfg))
	}

	slog.Info("track-worker starting",
		"queue_backend", cfg.ParcelSync.QueueBackend,
		"concurrency", cfg.ParcelSync.WorkerConcurrency,
		"carrier_mode", cfg.ParcelSync.CarrierMode,
		"sweeper", sw != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	if sw != nil {
		g.Go(func() error { return sw.Run(gctx) })
	}
	g.Go(func() error {
		return runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:    cfg.ParcelSync.WorkerHTTPAddr,
			swaggerPath: opts.swaggerPath,
			onListen:    opts.onHTTPListen,
			pool:        pool,
			sweeper:     sw,
			producer:    producer,
			queue:       q,
			failed:      st.FailedJobs,
			ready:       st.Ping,
			cfg:         cfg,
		})
	})
	g.Go(func() error {
		return runGRPCHealthServer(gctx, grpcHealthOpts{
			addr:     cfg.ParcelSync.WorkerGRPCAddr,
			onListen: opts.onGRPCListen,
			ready:    st.Ping,
		})
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
