// Package executor defines the boundary between the routing/batching core
// and whatever actually runs model inference. A real deployment substitutes
// something backed by ONNX Runtime, Triton, or similar; this package only
// ships a deterministic stand-in so the rest of the system is runnable and
// testable on its own.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOutputMismatch is returned when an executor produces a different
// number of outputs than it was given inputs; every request in that
// batch is surfaced this error rather than a zero-value response.
var ErrOutputMismatch = errors.New("executor: output count does not match input count")

// ModelExecutor runs a batch of input vectors through a model and returns
// one output vector per input, in the same order.
type ModelExecutor interface {
	BatchPredict(ctx context.Context, inputs [][]float32) ([][]float32, error)
}

// Stub is an explicitly-fake ModelExecutor. It never talks to a real model
// runtime: outputs are a deterministic, seeded linear projection of the
// input, which makes it useful for exercising caching and batching without
// depending on a model host being available. Do not wire this into a
// production deployment.
type Stub struct {
	mu sync.Mutex

	outputSize int
	weight     float32
	latency    time.Duration

	calls int64
}

// NewStub creates a Stub producing outputSize-length outputs and sleeping
// latency per batch to simulate real inference cost. A non-positive
// outputSize defaults to 1; a negative latency is treated as zero.
func NewStub(outputSize int, latency time.Duration) *Stub {
	if outputSize <= 0 {
		outputSize = 1
	}
	if latency < 0 {
		latency = 0
	}
	return &Stub{
		outputSize: outputSize,
		weight:     0.5,
		latency:    latency,
	}
}

// BatchPredict projects each input onto a fixed weight and repeats the
// scalar result across outputSize, so the same input always produces the
// same output and different inputs are very likely to differ.
func (s *Stub) BatchPredict(ctx context.Context, inputs [][]float32) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	outputs := make([][]float32, len(inputs))
	for i, input := range inputs {
		outputs[i] = s.project(input)
	}
	return outputs, nil
}

func (s *Stub) project(input []float32) []float32 {
	var sum float32
	for _, v := range input {
		sum += v * s.weight
	}
	out := make([]float32, s.outputSize)
	for i := range out {
		out[i] = sum
	}
	return out
}

// Calls reports how many batches this stub has processed, for tests and
// the worker's debug stats.
func (s *Stub) Calls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
