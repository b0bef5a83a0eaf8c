// Package worker implements the per-node inference pipeline: cache lookup,
// batch submission on miss, cache fill, and reply.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/torua-infer/internal/batch"
	"github.com/dreamware/torua-infer/internal/cache"
	"github.com/dreamware/torua-infer/internal/executor"
	"github.com/dreamware/torua-infer/internal/telemetry"
)

// Request and Response mirror the wire payloads from the transport layer
// one-to-one, so the pipeline never needs its own parallel vocabulary.
type Request struct {
	RequestID string
	InputData []float32
}

type Response struct {
	RequestID       string
	OutputData      []float32
	NodeID          string
	Cached          bool
	InferenceTimeUs int64
}

// Config bundles the tunables a deployer sets once at process start.
type Config struct {
	CacheCapacity int
	MaxBatchSize  int
	BatchTimeout  time.Duration
}

// DefaultConfig returns the documented worker defaults.
func DefaultConfig() Config {
	return Config{
		CacheCapacity: 1000,
		MaxBatchSize:  32,
		BatchTimeout:  20 * time.Millisecond,
	}
}

// Worker owns exactly one cache, one batch processor, and one executor.
type Worker struct {
	id       string
	cache    *cache.Cache
	proc     *batch.Processor[Request, Response]
	log      *logrus.Entry
	executor executor.ModelExecutor
	metrics  *telemetry.WorkerMetrics

	totalRequests int64
	cacheHits     int64
}

// New builds a Worker wired to executor via a batch callback closure —
// the capability is fixed at construction, never swapped at runtime.
func New(id string, cfg Config, exec executor.ModelExecutor, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Worker{
		id:       id,
		cache:    cache.New(cfg.CacheCapacity),
		log:      log.WithField("node_id", id),
		executor: exec,
	}
	w.proc = batch.New(cfg.MaxBatchSize, cfg.BatchTimeout, w.runBatch)
	return w
}

// SetMetrics wires Prometheus collectors into the worker after
// construction, since metrics registration happens in cmd/worker after
// New returns. A nil metrics (the default) disables all observations.
func (w *Worker) SetMetrics(m *telemetry.WorkerMetrics) {
	w.metrics = m
}

// Start launches the batch processor's consumer goroutine.
func (w *Worker) Start() { w.proc.Start() }

// Stop drains and terminates the batch processor's consumer goroutine.
func (w *Worker) Stop() { w.proc.Stop() }

// ID returns the worker's node identifier.
func (w *Worker) ID() string { return w.id }

// Infer runs the cache-then-batch pipeline for one request.
func (w *Worker) Infer(ctx context.Context, req Request) (Response, error) {
	atomic.AddInt64(&w.totalRequests, 1)

	if out, hit := w.cache.Get(req.InputData); hit {
		atomic.AddInt64(&w.cacheHits, 1)
		return Response{
			RequestID:  req.RequestID,
			OutputData: out,
			NodeID:     w.id,
			Cached:     true,
		}, nil
	}

	resp, err := w.proc.Submit(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("worker %s: batch submit: %w", w.id, err)
	}

	w.cache.Put(req.InputData, resp.OutputData)
	resp.NodeID = w.id
	resp.Cached = false
	return resp, nil
}

// runBatch is the callback handed to the batch processor. It packs input
// vectors, calls the executor once, and unpacks outputs index-wise,
// attributing a shared batch latency to each request by division.
func (w *Worker) runBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	if w.metrics != nil {
		w.metrics.BatchSize.Observe(float64(len(reqs)))
	}

	inputs := make([][]float32, len(reqs))
	for i, r := range reqs {
		inputs[i] = r.InputData
	}

	start := time.Now()
	outputs, err := w.executor.BatchPredict(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("worker %s: executor: %w", w.id, err)
	}
	elapsedUs := time.Since(start).Microseconds()

	var perRequestUs int64
	if len(reqs) > 0 {
		perRequestUs = elapsedUs / int64(len(reqs))
	}

	if len(outputs) != len(reqs) {
		return nil, fmt.Errorf("worker %s: %w: got %d outputs for %d requests", w.id, executor.ErrOutputMismatch, len(outputs), len(reqs))
	}

	responses := make([]Response, len(reqs))
	for i, r := range reqs {
		responses[i] = Response{
			RequestID:       r.RequestID,
			OutputData:      outputs[i],
			InferenceTimeUs: perRequestUs,
		}
	}
	return responses, nil
}

// Health is the snapshot surfaced on the worker's /health endpoint.
type Health struct {
	Healthy       bool
	NodeID        string
	TotalRequests int64
	CacheHits     int64
	CacheSize     int
	CacheHitRate  float64
	BatchMetrics  batch.Snapshot
}

// HealthSnapshot reads all observable state under its owning component's
// own lock; no worker-wide lock is required since nothing here is derived
// jointly.
func (w *Worker) HealthSnapshot() Health {
	cacheSnap := w.cache.Snapshot()
	return Health{
		Healthy:       true,
		NodeID:        w.id,
		TotalRequests: atomic.LoadInt64(&w.totalRequests),
		CacheHits:     atomic.LoadInt64(&w.cacheHits),
		CacheSize:     cacheSnap.Size,
		CacheHitRate:  cacheSnap.HitRate,
		BatchMetrics:  w.proc.Metrics().Snapshot(),
	}
}
