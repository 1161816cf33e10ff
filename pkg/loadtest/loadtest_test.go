package loadtest

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/canopy-network/modelserve/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newScheduler(t *testing.T, maxConcurrent int) *scheduler.Scheduler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(metrics.NewAggregator(), registry.WithLogger(logger))
	require.NoError(t, reg.Register(registry.WorkerConfig{ID: "mock", MaxConcurrent: maxConcurrent}))
	require.NoError(t, reg.SetLoaded("mock", true))
	require.NoError(t, reg.SetEnabled("mock", true))
	return scheduler.New(reg, scheduler.WithLogger(logger))
}

func instant(context.Context, registry.WorkerConfig) (scheduler.WorkResult, error) {
	return scheduler.WorkResult{Tokens: 1}, nil
}

func TestRunZeroLatencyWorkers(t *testing.T) {
	h := New(newScheduler(t, math.MaxInt32), WithLogger(zaptest.NewLogger(t)))

	res, err := h.Run(context.Background(), Config{
		Duration:    2 * time.Second,
		Concurrency: 5,
		RequestRate: 10,
		Payload:     Payload{Work: instant},
		Criteria:    SuccessCriteria{MaxAvgLatency: time.Second, MinSuccessRate: 0.99, MaxErrorRate: 0.01},
	})
	require.NoError(t, err)

	assert.InDelta(t, 20, res.Attempted, 3, "about one request per 100ms for 2s")
	assert.Equal(t, res.Attempted, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1.0, res.SuccessRate)
	assert.LessOrEqual(t, res.PeakConcurrency, 5)
	assert.GreaterOrEqual(t, res.PeakConcurrency, 1)
	assert.Equal(t, int64(res.Attempted), res.TotalTokens)
	assert.True(t, res.CriteriaMet)
	assert.NotEmpty(t, res.ID)
}

func TestRunRespectsConcurrencyAndDrains(t *testing.T) {
	h := New(newScheduler(t, 100), WithLogger(zaptest.NewLogger(t)))

	slow := func(context.Context, registry.WorkerConfig) (scheduler.WorkResult, error) {
		time.Sleep(300 * time.Millisecond)
		return scheduler.WorkResult{}, nil
	}
	start := time.Now()
	res, err := h.Run(context.Background(), Config{
		Duration:    500 * time.Millisecond,
		Concurrency: 2,
		RequestRate: 50,
		Payload:     Payload{Work: slow},
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, res.PeakConcurrency, 2)
	assert.Positive(t, res.Skipped, "ticks with no free slot are skipped")
	assert.Equal(t, res.Attempted, res.Succeeded+res.Failed, "every dispatched request is accounted for")
	assert.GreaterOrEqual(t, res.MinLatency, 300*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestRunCountsFailuresWithoutErroring(t *testing.T) {
	h := New(newScheduler(t, 10), WithLogger(zaptest.NewLogger(t)))

	var n atomic.Int32
	flaky := func(context.Context, registry.WorkerConfig) (scheduler.WorkResult, error) {
		if n.Add(1)%2 == 0 {
			return scheduler.WorkResult{}, errors.New("model crashed")
		}
		return scheduler.WorkResult{}, nil
	}
	res, err := h.Run(context.Background(), Config{
		Duration:    300 * time.Millisecond,
		Concurrency: 1,
		RequestRate: 40,
		Payload:     Payload{Work: flaky},
		Criteria:    SuccessCriteria{MinSuccessRate: 0.99},
	})
	require.NoError(t, err)
	assert.Positive(t, res.Failed)
	assert.Positive(t, res.Succeeded)
	assert.False(t, res.CriteriaMet)
	assert.InDelta(t, 1.0, res.SuccessRate+res.ErrorRate, 1e-9)
}

func TestRunCountsRejections(t *testing.T) {
	h := New(newScheduler(t, 1), WithLogger(zaptest.NewLogger(t)))

	res, err := h.Run(context.Background(), Config{
		Duration:    200 * time.Millisecond,
		Concurrency: 2,
		RequestRate: 20,
		Payload:     Payload{Requirements: registry.Requirements{Capability: "vision"}, Work: instant},
	})
	require.NoError(t, err)
	assert.Equal(t, res.Attempted, res.Rejected)
	assert.Equal(t, res.Attempted, res.Failed)
	assert.Zero(t, res.Succeeded)
}

func TestRunRecoversPanickingWork(t *testing.T) {
	h := New(newScheduler(t, 10), WithLogger(zaptest.NewLogger(t)))
	res, err := h.Run(context.Background(), Config{
		Duration:    150 * time.Millisecond,
		Concurrency: 1,
		RequestRate: 20,
		Payload: Payload{Work: func(context.Context, registry.WorkerConfig) (scheduler.WorkResult, error) {
			panic("boom")
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, res.Attempted, res.Failed)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := New(newScheduler(t, 10), WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Run(ctx, Config{Duration: time.Minute, Concurrency: 1, RequestRate: 10, Payload: Payload{Work: instant}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunRejectsMisconfiguration(t *testing.T) {
	h := New(newScheduler(t, 1))
	valid := Config{Duration: time.Second, Concurrency: 1, RequestRate: 1, Payload: Payload{Work: instant}}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }},
		{"zero duration", func(c *Config) { c.Duration = 0 }},
		{"zero rate", func(c *Config) { c.RequestRate = 0 }},
		{"missing work", func(c *Config) { c.Payload.Work = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := h.Run(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
