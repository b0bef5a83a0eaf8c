// Package integration wires the router and worker packages together over
// real HTTP, in-process via httptest rather than spawning built binaries,
// since the topology under test is two components talking JSON over HTTP
// rather than a whole OS-level cluster.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-infer/internal/executor"
	"github.com/dreamware/torua-infer/internal/router"
	"github.com/dreamware/torua-infer/internal/transport"
	"github.com/dreamware/torua-infer/internal/worker"
)

// testWorkerServer wraps a *worker.Worker behind an httptest.Server with
// the same two handlers cmd/worker installs, so integration tests exercise
// the exact wire format the real binary would serve.
type testWorkerServer struct {
	w   *worker.Worker
	srv *httptest.Server
}

func newTestWorkerServer(id string, cfg worker.Config, exec executor.ModelExecutor) *testWorkerServer {
	log := logrus.NewEntry(logrus.New())
	w := worker.New(id, cfg, exec, log)
	w.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/infer", func(rw http.ResponseWriter, r *http.Request) {
		var req transport.InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			transport.WriteError(rw, http.StatusBadRequest, "malformed request body")
			return
		}
		resp, err := w.Infer(r.Context(), worker.Request{RequestID: req.RequestID, InputData: req.InputData})
		if err != nil {
			transport.WriteError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		transport.WriteJSON(rw, http.StatusOK, transport.InferResponse{
			RequestID: resp.RequestID, OutputData: resp.OutputData,
			NodeID: resp.NodeID, Cached: resp.Cached, InferenceTimeUs: resp.InferenceTimeUs,
		})
	})
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		h := w.HealthSnapshot()
		transport.WriteJSON(rw, http.StatusOK, transport.HealthResponse{Healthy: h.Healthy, NodeID: h.NodeID})
	})

	return &testWorkerServer{w: w, srv: httptest.NewServer(mux)}
}

func (tw *testWorkerServer) close() {
	tw.srv.Close()
	tw.w.Stop()
}

func TestTwoWorkerCacheHitOnSamePrimary(t *testing.T) {
	cfg := worker.Config{CacheCapacity: 100, MaxBatchSize: 8, BatchTimeout: 10 * time.Millisecond}

	wa := newTestWorkerServer("a", cfg, executor.NewStub(2, 0))
	wb := newTestWorkerServer("b", cfg, executor.NewStub(2, 0))
	defer wa.close()
	defer wb.close()

	clientCfg := transport.ClientConfig{ConnectTimeout: time.Second, ReadTimeout: time.Second}
	clients := map[string]router.WorkerClient{
		"a": transport.NewClient(wa.srv.URL, clientCfg),
		"b": transport.NewClient(wb.srv.URL, clientCfg),
	}

	r := router.New(150, clients, router.DefaultBreakerConfig(), logrus.NewEntry(logrus.New()))

	req := transport.InferRequest{RequestID: "x", InputData: []float32{1, 2, 3}}

	resp1, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp1.Cached)

	resp2, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp2.Cached)
	assert.Equal(t, resp1.NodeID, resp2.NodeID, "identical request_id must route to the same worker both times")
}

func TestRouterReportsStatsAfterTraffic(t *testing.T) {
	cfg := worker.Config{CacheCapacity: 10, MaxBatchSize: 4, BatchTimeout: 10 * time.Millisecond}
	wa := newTestWorkerServer("a", cfg, executor.NewStub(1, 0))
	defer wa.close()

	clientCfg := transport.ClientConfig{ConnectTimeout: time.Second, ReadTimeout: time.Second}
	clients := map[string]router.WorkerClient{"a": transport.NewClient(wa.srv.URL, clientCfg)}
	r := router.New(16, clients, router.DefaultBreakerConfig(), logrus.NewEntry(logrus.New()))

	for i := 0; i < 3; i++ {
		_, err := r.Route(context.Background(), transport.InferRequest{RequestID: "k", InputData: []float32{1}})
		require.NoError(t, err)
	}

	stats := r.Stats()
	require.Len(t, stats.CircuitBreakers, 1)
	assert.Equal(t, "CLOSED", stats.CircuitBreakers[0].State)
}

func TestSingleWorkerOutageReportsAllWorkersUnavailable(t *testing.T) {
	cfg := worker.Config{CacheCapacity: 10, MaxBatchSize: 4, BatchTimeout: 10 * time.Millisecond}
	wa := newTestWorkerServer("solo", cfg, executor.NewStub(1, 0))

	clientCfg := transport.ClientConfig{ConnectTimeout: 50 * time.Millisecond, ReadTimeout: 50 * time.Millisecond}
	clients := map[string]router.WorkerClient{"solo": transport.NewClient(wa.srv.URL, clientCfg)}
	bcfg := router.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, CoolDown: time.Minute}
	r := router.New(16, clients, bcfg, logrus.NewEntry(logrus.New()))

	wa.close() // take the only worker offline

	_, err := r.Route(context.Background(), transport.InferRequest{RequestID: "k"})
	assert.ErrorIs(t, err, router.ErrAllWorkersUnavailable)
}
