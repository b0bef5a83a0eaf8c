// Package router implements the fan-in entry point that picks a worker via
// consistent hashing, guards it with a circuit breaker, and fails over
// ring-wise across the remaining workers.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-infer/internal/breaker"
	"github.com/dreamware/torua-infer/internal/ring"
	"github.com/dreamware/torua-infer/internal/telemetry"
	"github.com/dreamware/torua-infer/internal/transport"
)

// Sentinel error kinds, matched with errors.Is at the boundary.
var (
	ErrNoWorkers             = errors.New("No workers available")
	ErrAllWorkersUnavailable = errors.New("all workers failed or circuit breakers open")
)

// WorkerClient is the subset of transport.Client the router needs; an
// interface so tests can substitute a fake worker without a live server.
type WorkerClient interface {
	Infer(ctx context.Context, req transport.InferRequest) (transport.InferResponse, error)
	Health(ctx context.Context) (transport.HealthResponse, error)
}

// BreakerConfig mirrors the router's documented breaker defaults.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CoolDown         time.Duration
}

// DefaultBreakerConfig returns the documented router breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, CoolDown: 30 * time.Second}
}

type binding struct {
	client  WorkerClient
	breaker *breaker.Breaker
}

// Router is the distributed surface's entry point. It exclusively owns
// the hash ring and the per-worker circuit breakers.
type Router struct {
	ring     *ring.Ring
	bindings map[string]*binding
	log      *logrus.Entry
	metrics  *telemetry.RouterMetrics
}

// SetMetrics wires Prometheus collectors into the router after
// construction, since metrics registration happens in cmd/router after
// New returns. A nil metrics (the default) disables all observations.
func (r *Router) SetMetrics(m *telemetry.RouterMetrics) {
	r.metrics = m
}

// New builds a Router with one breaker per worker id, all starting CLOSED.
func New(virtualNodes int, workers map[string]WorkerClient, cfg BreakerConfig, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{
		ring:     ring.New(virtualNodes),
		bindings: make(map[string]*binding, len(workers)),
		log:      log,
	}
	for id, client := range workers {
		r.ring.AddNode(id)
		r.bindings[id] = &binding{
			client:  client,
			breaker: breaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.CoolDown),
		}
	}
	return r
}

// Route selects a worker via the ring, dispatches, and on failure falls
// back ring-wise to the next node, never retrying the same worker twice.
func (r *Router) Route(ctx context.Context, req transport.InferRequest) (transport.InferResponse, error) {
	primary, ok := r.ring.GetNode(req.RequestID)
	if !ok {
		return transport.InferResponse{}, ErrNoWorkers
	}

	if resp, ok := r.tryNode(ctx, primary, req); ok {
		return resp, nil
	}

	if r.metrics != nil {
		r.metrics.FailoverCount.Inc()
	}

	for _, n := range r.ring.AllNodes() {
		if n == primary {
			continue
		}
		if resp, ok := r.tryNode(ctx, n, req); ok {
			return resp, nil
		}
	}

	return transport.InferResponse{}, ErrAllWorkersUnavailable
}

// tryNode gates on the breaker, dispatches, and records the
// outcome. The bool return distinguishes "no response" from a response
// that happens to be the zero value.
func (r *Router) tryNode(ctx context.Context, n string, req transport.InferRequest) (transport.InferResponse, bool) {
	b, ok := r.bindings[n]
	if !ok {
		return transport.InferResponse{}, false
	}
	if !b.breaker.AllowRequest() {
		return transport.InferResponse{}, false
	}

	resp, err := b.client.Infer(ctx, req)
	if err != nil {
		b.breaker.RecordFailure()
		r.log.WithError(err).WithField("node", n).Warn("worker attempt failed")
		return transport.InferResponse{}, false
	}

	b.breaker.RecordSuccess()
	return resp, true
}

// ProbeAll eagerly validates reachability of every registered worker at
// startup, probing all workers in parallel and returning once every probe
// has finished or ctx is done. Probe failures are logged but never fail
// startup since workers may come up after the router; breaker state is
// not touched.
func (r *Router) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for id, b := range r.bindings {
		id, b := id, b
		g.Go(func() error {
			if _, err := b.client.Health(ctx); err != nil {
				r.log.WithError(err).WithField("node", id).Warn("worker unreachable at startup")
				return nil
			}
			r.log.WithField("node", id).Info("connected to worker")
			return nil
		})
	}
	_ = g.Wait()
}

// Stats returns the router's /stats payload.
func (r *Router) Stats() transport.StatsResponse {
	out := transport.StatsResponse{
		TotalWorkers:    len(r.bindings),
		CircuitBreakers: make([]transport.BreakerSummary, 0, len(r.bindings)),
	}
	for id, b := range r.bindings {
		snap := b.breaker.Snapshot()
		out.CircuitBreakers = append(out.CircuitBreakers, transport.BreakerSummary{
			Node:      id,
			State:     snap.State.String(),
			Failures:  snap.Failures,
			Successes: snap.Successes,
		})
		if r.metrics != nil {
			r.metrics.BreakerState.WithLabelValues(id).Set(float64(snap.State))
		}
	}
	return out
}

// Distribution exposes the ring's debugging aid for the /stats endpoint's
// optional ?sample= query param.
func (r *Router) Distribution(keys []string) map[string]int {
	return r.ring.Distribution(keys)
}
