package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/parcelsync/config"
	packagesapi "github.com/BearBump/parcelsync/internal/api/packages_api"
	"github.com/BearBump/parcelsync/internal/bootstrap"
	"github.com/BearBump/parcelsync/internal/cache"
	"github.com/BearBump/parcelsync/internal/cache/rediscache"
	"github.com/BearBump/parcelsync/internal/logging"
	"github.com/BearBump/parcelsync/internal/services/packages"
	"github.com/BearBump/parcelsync/internal/services/refresh"
)

type trackAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    trackAPIOpts
	api     *packagesapi.PackagesAPI
	ready   readiness
	closers []func()
}

// mustBootstrapTrackAPI wires the API process. configPath is optional, env
// overrides alone are enough to run.
func mustBootstrapTrackAPI() *trackAPIApp {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.ParcelSync.LogLevel, cfg.ParcelSync.LogFormat))

	app := &trackAPIApp{
		opts: trackAPIOpts{
			httpAddr:    cfg.ParcelSync.HTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
		},
	}

	var c cache.BytesCache
	if cfg.Redis.Host != "" {
		rc := rediscache.New(cfg.Redis.Addr())
		app.closers = append(app.closers, func() { _ = rc.Close() })
		c = rc
	}

	st, err := bootstrap.OpenStorage(cfg, c, 60*time.Second)
	if err != nil {
		app.Close()
		panic(err)
	}
	app.closers = append(app.closers, st.Close)

	q, err := bootstrap.OpenQueue(cfg, bootstrap.Publisher)
	if err != nil {
		app.Close()
		panic(err)
	}
	app.closers = append(app.closers, func() { _ = q.Close() })

	producer := refresh.New(q, bootstrap.EnqueueTimeout(cfg))
	app.api = packagesapi.New(packages.New(st.Records, producer))
	app.ready = st.Ping

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	slog.Info("track-api configured",
		"database", cfg.Database.Driver,
		"queue_backend", cfg.ParcelSync.QueueBackend,
		"cache", c != nil,
	)
	return app
}

// Close releases resources in reverse order of acquisition.
func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.api, a.ready)
}
