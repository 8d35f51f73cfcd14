package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BearBump/parcelsync/config"
	"github.com/BearBump/parcelsync/internal/broker"
	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/BearBump/parcelsync/internal/broker/redisq"
	"github.com/BearBump/parcelsync/internal/logging"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/BearBump/parcelsync/internal/services/refresh"
	"github.com/BearBump/parcelsync/internal/services/sweeper"
	"github.com/BearBump/parcelsync/internal/services/worker"
	"github.com/BearBump/parcelsync/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type failedJobStore interface {
	List(ctx context.Context, limit int) ([]models.FailedJob, error)
	Get(ctx context.Context, id string) (*models.FailedJob, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type depther interface {
	Depth(ctx context.Context) (redisq.Depth, error)
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	pool     *worker.Pool
	sweeper  *sweeper.Sweeper
	producer *refresh.Producer
	queue    broker.Queue
	failed   failedJobStore
	ready    func(ctx context.Context) error
	cfg      *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("worker admin HTTP listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newWorkerRouter(opts workerHTTPOpts) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if opts.pool != nil {
			out["pool"] = opts.pool.Stats()
		}
		if opts.sweeper != nil {
			out["sweeper"] = opts.sweeper.Stats()
		}
		if opts.producer != nil {
			out["producer"] = opts.producer.Stats()
		}
		if d, ok := opts.queue.(depther); ok {
			if depth, err := d.Depth(r.Context()); err == nil {
				out["queue"] = depth
			} else {
				out["queueError"] = err.Error()
			}
		}
		if opts.failed != nil {
			if n, err := opts.failed.Count(r.Context()); err == nil {
				out["failedJobs"] = n
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusOK, map[string]any{"error": "config not wired"})
			return
		}
		// operational settings only, no credentials
		p := opts.cfg.ParcelSync
		writeJSON(w, http.StatusOK, map[string]any{
			"queueBackend":           p.QueueBackend,
			"queueVisibilitySeconds": p.QueueVisibilitySeconds,
			"concurrency":            p.WorkerConcurrency,
			"retryMaxAttempts":       p.RetryMaxAttempts,
			"retryBaseMillis":        p.RetryBaseMillis,
			"retryBackoff":           p.RetryBackoff,
			"retryMaxDelaySeconds":   p.RetryMaxDelaySeconds,
			"carrierMode":            p.CarrierMode,
			"carrierTimeoutSeconds":  p.CarrierTimeoutSeconds,
			"rateLimitPerMinute":     p.RateLimitPerMinute,
			"sweeperSchedule":        p.SweeperSchedule,
			"sweeperBatchSize":       p.SweeperBatchSize,
			"sweeperDisabled":        p.SweeperDisabled,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.sweeper == nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "sweeper disabled"})
			return
		}
		opts.sweeper.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
	})

	r.Get("/failed-jobs", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := opts.failed.List(r.Context(), limit)
		if err != nil {
			slog.ErrorContext(r.Context(), "list failed jobs", "error", err.Error())
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
	})
	r.Post("/failed-jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		retryFailedJob(w, r, opts)
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})

		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r
}

// retryFailedJob puts a dead-lettered job back on the queue as a fresh first
// attempt. The dead letter is removed only after the enqueue succeeded.
func retryFailedJob(w http.ResponseWriter, r *http.Request, opts workerHTTPOpts) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	fj, err := opts.failed.Get(ctx, id)
	if errors.Is(err, storage.ErrFailedJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "failed job not found"})
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "get failed job", "id", id, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	var carrierID *string
	if orig, err := messages.UnmarshalRefreshJob(fj.Payload); err == nil {
		carrierID = orig.CarrierID
	} else {
		slog.WarnContext(ctx, "failed job payload unreadable, retrying without carrier", "id", id, "error", err.Error())
	}
	job := messages.NewRefreshJob(fj.TrackingNumber, carrierID, messages.ReasonDeadLetterRetry)
	job.CorrelationID = logging.CorrelationID(ctx)

	if err := opts.queue.Enqueue(ctx, job); err != nil {
		slog.ErrorContext(ctx, "re-enqueue failed job", "id", id, "tracking_number", fj.TrackingNumber, "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "queue unavailable"})
		return
	}
	if err := opts.failed.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrFailedJobNotFound) {
		slog.ErrorContext(ctx, "delete retried failed job", "id", id, "error", err.Error())
	}

	slog.InfoContext(ctx, "failed job re-enqueued", "id", id, "job_id", job.ID, "tracking_number", job.TrackingNumber)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
