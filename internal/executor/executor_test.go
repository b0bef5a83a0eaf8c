package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubIsDeterministic(t *testing.T) {
	s := NewStub(4, 0)
	in := [][]float32{{1, 2, 3}}

	out1, err := s.BatchPredict(context.Background(), in)
	require.NoError(t, err)
	out2, err := s.BatchPredict(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Len(t, out1[0], 4)
}

func TestStubProducesOnePerInput(t *testing.T) {
	s := NewStub(2, 0)
	in := [][]float32{{1}, {2}, {3}}

	out, err := s.BatchPredict(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestStubDifferentInputsLikelyDiffer(t *testing.T) {
	s := NewStub(1, 0)
	in := [][]float32{{1, 1}, {9, 9}}

	out, err := s.BatchPredict(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, out[0], out[1])
}

func TestStubCountsCalls(t *testing.T) {
	s := NewStub(1, 0)
	_, _ = s.BatchPredict(context.Background(), [][]float32{{1}})
	_, _ = s.BatchPredict(context.Background(), [][]float32{{2}})
	assert.Equal(t, int64(2), s.Calls())
}

func TestStubRespectsContextCancellationDuringLatency(t *testing.T) {
	s := NewStub(1, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.BatchPredict(ctx, [][]float32{{1}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewStubDefaults(t *testing.T) {
	s := NewStub(0, -time.Second)
	out, err := s.BatchPredict(context.Background(), [][]float32{{1}})
	require.NoError(t, err)
	assert.Len(t, out[0], 1)
}
