package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// workerServiceName is the health service name orchestrators can query in
// addition to the overall "" status.
const workerServiceName = "parcelsync.worker"

type grpcHealthOpts struct {
	addr     string
	onListen func(addr string)
	ready    func(ctx context.Context) error
	// checkEvery is how often readiness is re-evaluated. Defaults to 10s.
	checkEvery time.Duration
}

func runGRPCHealthServer(ctx context.Context, opts grpcHealthOpts) error {
	if opts.addr == "" {
		opts.addr = ":50052"
	}
	lis, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}
	return serveGRPCHealth(ctx, lis, opts)
}

func serveGRPCHealth(ctx context.Context, lis net.Listener, opts grpcHealthOpts) error {
	if opts.checkEvery <= 0 {
		opts.checkEvery = 10 * time.Second
	}

	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	updateHealth(ctx, hs, opts.ready)
	go func() {
		t := time.NewTicker(opts.checkEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateHealth(ctx, hs, opts.ready)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("worker gRPC health listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func updateHealth(ctx context.Context, hs *health.Server, ready func(ctx context.Context) error) {
	status := healthpb.HealthCheckResponse_SERVING
	if ready != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := ready(checkCtx)
		cancel()
		if err != nil && ctx.Err() == nil {
			slog.Warn("worker not ready", "error", err.Error())
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(workerServiceName, status)
}
