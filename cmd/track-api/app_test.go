package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	packagesapi "github.com/BearBump/parcelsync/internal/api/packages_api"
	"github.com/BearBump/parcelsync/internal/broker/messages"
	"github.com/BearBump/parcelsync/internal/services/packages"
	"github.com/BearBump/parcelsync/internal/services/refresh"
	"github.com/BearBump/parcelsync/internal/storage/sqlitepackages"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []messages.RefreshJob
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, job messages.RefreshJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *fakeEnqueuer) reasons() []messages.Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]messages.Reason, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.Reason)
	}
	return out
}

func newTestAPI(t *testing.T) (*packagesapi.PackagesAPI, *fakeEnqueuer) {
	t.Helper()
	st, err := sqlitepackages.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	q := &fakeEnqueuer{}
	return packagesapi.New(packages.New(st, refresh.New(q, time.Second))), q
}

func startTrackAPI(t *testing.T, opts trackAPIOpts, api *packagesapi.PackagesAPI, ready readiness) (string, context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	addrCh := make(chan string, 1)
	opts.httpAddr = "127.0.0.1:0"
	opts.onListen = func(httpAddr string) { addrCh <- httpAddr }

	errCh := make(chan error, 1)
	go func() { errCh <- runTrackAPI(ctx, opts, api, ready) }()

	select {
	case addr := <-addrCh:
		return "http://" + addr, cancel, errCh
	case err := <-errCh:
		cancel()
		t.Fatalf("track-api did not start: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("timeout waiting for listener")
	}
	return "", cancel, errCh
}

func TestRunTrackAPI_SwaggerServed(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	api, _ := newTestAPI(t)
	base, cancel, errCh := startTrackAPI(t, trackAPIOpts{swaggerPath: sw}, api, func(context.Context) error { return nil })

	resp, err := http.Get(base + "/swagger.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `"swagger"`)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting server to stop")
	}
}

func TestRunTrackAPI_MissingSwaggerFile(t *testing.T) {
	api, _ := newTestAPI(t)
	err := runTrackAPI(context.Background(), trackAPIOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "nope.json"),
	}, api, nil)
	require.Error(t, err)
}

func TestRunTrackAPI_PackagesAndProbes(t *testing.T) {
	api, q := newTestAPI(t)
	var down atomic.Bool
	base, cancel, _ := startTrackAPI(t, trackAPIOpts{}, api, func(context.Context) error {
		if down.Load() {
			return errors.New("db down")
		}
		return nil
	})
	defer cancel()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/docs/index.html")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(base+"/packages", "application/json", strings.NewReader(`{"trackingNumber":"SF1234567890","carrierId":"sf"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	resp, err = http.Post(base+"/packages/SF1234567890/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Equal(t, []messages.Reason{messages.ReasonCreated, messages.ReasonManual}, q.reasons())

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	down.Store(true)
	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
