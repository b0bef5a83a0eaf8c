// Package batch coalesces single-item requests into batches processed
// together by a caller-supplied callback, trading a small amount of added
// latency for much better throughput on callbacks whose per-call overhead
// dominates at batch size one (e.g. a model inference call).
package batch

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrShutdown is delivered to a slot that was pending in the queue when
// shutdown began, or submitted after shutdown started.
var ErrShutdown = errors.New("batch: processor is shutting down")

// ErrMissingResponse is delivered to a batched slot when the callback
// returned fewer responses than the batch had requests.
var ErrMissingResponse = errors.New("batch: no response for batched request")

// Callback processes one batch of requests and must return exactly one
// response per request, in the same order.
type Callback[Req, Resp any] func(ctx context.Context, requests []Req) ([]Resp, error)

type job[Req, Resp any] struct {
	ctx     context.Context
	request Req
	result  chan result[Resp]
}

type result[Resp any] struct {
	response Resp
	err      error
}

// Metrics tracks batch-level counters, guarded by their own mutex so a
// metrics read never takes the queue lock.
type Metrics struct {
	mu             sync.Mutex
	totalRequests  int64
	totalBatches   int64
	timeoutBatches int64
	fullBatches    int64
	avgBatchSize   float64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	TotalRequests  int64
	TotalBatches   int64
	TimeoutBatches int64
	FullBatches    int64
	AvgBatchSize   float64
}

func (m *Metrics) recordSubmit() {
	m.mu.Lock()
	m.totalRequests++
	m.mu.Unlock()
}

func (m *Metrics) recordBatch(size int, isTimeout bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBatches++
	if isTimeout {
		m.timeoutBatches++
	} else {
		m.fullBatches++
	}
	prevTotal := m.avgBatchSize * float64(m.totalBatches-1)
	m.avgBatchSize = (prevTotal + float64(size)) / float64(m.totalBatches)
}

// Snapshot returns the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TotalRequests:  m.totalRequests,
		TotalBatches:   m.totalBatches,
		TimeoutBatches: m.timeoutBatches,
		FullBatches:    m.fullBatches,
		AvgBatchSize:   m.avgBatchSize,
	}
}

// Processor batches Req values arriving from concurrent Submit callers and
// dispatches them to a Callback once maxBatchSize items are queued or
// maxWait elapses since the oldest pending item arrived, whichever comes
// first. There is exactly one consumer goroutine, started by Start and
// drained and stopped by Stop.
type Processor[Req, Resp any] struct {
	maxBatchSize int
	maxWait      time.Duration
	callback     Callback[Req, Resp]

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List // of *job[Req, Resp]
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	metrics Metrics
}

// New creates a Processor. A non-positive maxBatchSize or maxWait panics,
// since both must be set deliberately by the caller's worker config.
func New[Req, Resp any](maxBatchSize int, maxWait time.Duration, callback Callback[Req, Resp]) *Processor[Req, Resp] {
	if maxBatchSize <= 0 {
		panic("batch: maxBatchSize must be positive")
	}
	if maxWait <= 0 {
		panic("batch: maxWait must be positive")
	}
	p := &Processor[Req, Resp]{
		maxBatchSize: maxBatchSize,
		maxWait:      maxWait,
		callback:     callback,
		queue:        list.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the single consumer goroutine. Calling Start twice is a
// no-op.
func (p *Processor[Req, Resp]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(p.stopCh, p.doneCh)
}

// Stop signals the consumer to exit after dispatching one final batch of up
// to maxBatchSize already-queued jobs, and waits for it to finish. Jobs
// still queued beyond that final batch receive ErrShutdown.
func (p *Processor[Req, Resp]) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh := p.stopCh
	done := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	p.cond.Broadcast()
	<-done
}

// Submit enqueues request and blocks until it has been processed as part
// of a batch, or ctx is done.
func (p *Processor[Req, Resp]) Submit(ctx context.Context, request Req) (Resp, error) {
	j := &job[Req, Resp]{ctx: ctx, request: request, result: make(chan result[Resp], 1)}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		var zero Resp
		return zero, ErrShutdown
	}
	p.queue.PushBack(j)
	p.metrics.recordSubmit()
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case r := <-j.result:
		return r.response, r.err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}

// Metrics returns the processor's metrics accumulator for stats reporting.
func (p *Processor[Req, Resp]) Metrics() *Metrics {
	return &p.metrics
}

// loop is the single consumer: wait for work or a timeout, drain up to
// maxBatchSize queued jobs, then run the callback outside the lock.
func (p *Processor[Req, Resp]) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		batch, isTimeout, stopping := p.waitForBatch(stopCh)
		if len(batch) > 0 {
			p.processBatch(batch, isTimeout)
		}
		if stopping {
			p.drainWithShutdownError()
			return
		}
	}
}

// drainWithShutdownError guarantees no slot is ever silently dropped:
// Submit refuses new work once running is false, so this only finds jobs
// that were queued before Stop but did not fit into the final batch.
func (p *Processor[Req, Resp]) drainWithShutdownError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 {
		front := p.queue.Front()
		p.queue.Remove(front)
		j := front.Value.(*job[Req, Resp])
		j.result <- result[Resp]{err: ErrShutdown}
	}
}

// waitForBatch blocks until the queue holds its first job (or stopCh
// closes), then keeps filling the batch until either maxBatchSize is
// reached or maxWait has elapsed since that first job arrived — whichever
// comes first — before draining whatever is queued. Go's sync.Cond has no
// deadline-aware Wait, so a timer goroutine wakes the same condition
// variable when maxWait elapses.
func (p *Processor[Req, Resp]) waitForBatch(stopCh chan struct{}) ([]*job[Req, Resp], bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 && p.running {
		p.cond.Wait()
	}

	stopping := !p.running
	select {
	case <-stopCh:
		stopping = true
	default:
	}

	if p.queue.Len() > 0 {
		deadline := time.Now().Add(p.maxWait)
		timer := time.AfterFunc(p.maxWait, func() { p.cond.Broadcast() })
		defer timer.Stop()

		for !stopping && p.queue.Len() < p.maxBatchSize && time.Now().Before(deadline) {
			p.cond.Wait()
			stopping = !p.running
			select {
			case <-stopCh:
				stopping = true
			default:
			}
		}
	}

	var batch []*job[Req, Resp]
	for p.queue.Len() > 0 && len(batch) < p.maxBatchSize {
		front := p.queue.Front()
		p.queue.Remove(front)
		batch = append(batch, front.Value.(*job[Req, Resp]))
	}

	isTimeout := len(batch) > 0 && len(batch) < p.maxBatchSize

	return batch, isTimeout, stopping
}

func (p *Processor[Req, Resp]) processBatch(batch []*job[Req, Resp], isTimeout bool) {
	requests := make([]Req, len(batch))
	for i, j := range batch {
		requests[i] = j.request
	}

	ctx := batch[0].ctx
	responses, err := p.callback(ctx, requests)

	if err != nil {
		for _, j := range batch {
			j.result <- result[Resp]{err: err}
		}
		return
	}

	// The i >= len(responses) branch below is generic defensiveness: a
	// Callback that returns fewer responses than requests still gets each
	// surplus slot an error rather than a fabricated zero value, but no
	// Callback wired into this repo ever triggers it, since worker.runBatch
	// already fails the whole batch on an output-count mismatch before
	// returning to this caller.
	for i, j := range batch {
		if i < len(responses) {
			j.result <- result[Resp]{response: responses[i]}
		} else {
			j.result <- result[Resp]{err: ErrMissingResponse}
		}
	}

	p.metrics.recordBatch(len(batch), isTimeout)
}
