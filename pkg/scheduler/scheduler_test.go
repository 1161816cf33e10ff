package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setup(t *testing.T, workers ...registry.WorkerConfig) (*Scheduler, *registry.Registry, *metrics.Aggregator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	agg := metrics.NewAggregator()
	reg := registry.New(agg, registry.WithLogger(logger))
	for _, w := range workers {
		require.NoError(t, reg.Register(w))
		require.NoError(t, reg.SetLoaded(w.ID, true))
		require.NoError(t, reg.SetEnabled(w.ID, true))
	}
	return New(reg, WithLogger(logger)), reg, agg
}

func TestRouteSuccess(t *testing.T) {
	s, reg, agg := setup(t, registry.WorkerConfig{ID: "a", MaxConcurrent: 1})

	res, err := s.Route(context.Background(), registry.Requirements{}, func(_ context.Context, w registry.WorkerConfig) (WorkResult, error) {
		return WorkResult{Output: "hello from " + w.ID, Tokens: 12}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from a", res.Output)

	st, _ := reg.Get("a")
	assert.Zero(t, st.ActiveRequests)
	assert.Equal(t, int64(12), st.TotalTokens)

	samples := agg.Samples()
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Success)
	assert.Equal(t, 12, samples[0].Tokens)
}

func TestRouteWorkErrorIsReturnedUnchanged(t *testing.T) {
	s, reg, agg := setup(t, registry.WorkerConfig{ID: "a", MaxConcurrent: 1})
	boom := errors.New("inference failed")

	_, err := s.Route(context.Background(), registry.Requirements{}, func(context.Context, registry.WorkerConfig) (WorkResult, error) {
		return WorkResult{Tokens: 3}, boom
	})
	assert.Same(t, boom, err)

	st, _ := reg.Get("a")
	assert.Zero(t, st.ActiveRequests)
	assert.Equal(t, int64(1), st.TotalErrors)
	require.Len(t, agg.Samples(), 1)
	assert.False(t, agg.Samples()[0].Success)
}

func TestRouteReleasesOnPanic(t *testing.T) {
	s, reg, agg := setup(t, registry.WorkerConfig{ID: "a", MaxConcurrent: 1})

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = s.Route(context.Background(), registry.Requirements{}, func(context.Context, registry.WorkerConfig) (WorkResult, error) {
			panic("kaboom")
		})
	})

	st, _ := reg.Get("a")
	assert.Zero(t, st.ActiveRequests)
	require.Len(t, agg.Samples(), 1)
	assert.False(t, agg.Samples()[0].Success)
}

func TestRouteReleasesOnCancellation(t *testing.T) {
	s, reg, _ := setup(t, registry.WorkerConfig{ID: "a", MaxConcurrent: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Route(ctx, registry.Requirements{}, func(ctx context.Context, _ registry.WorkerConfig) (WorkResult, error) {
		<-ctx.Done()
		return WorkResult{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, _ := reg.Get("a")
	assert.Zero(t, st.ActiveRequests)

	_, err = s.Route(ctx, registry.Requirements{}, func(context.Context, registry.WorkerConfig) (WorkResult, error) {
		t.Fatal("work must not run on a cancelled context")
		return WorkResult{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouteRejection(t *testing.T) {
	s, _, agg := setup(t, registry.WorkerConfig{ID: "a", MaxConcurrent: 1, Capabilities: []string{"chat"}})

	called := false
	_, err := s.Route(context.Background(), registry.Requirements{Capability: "vision"}, func(context.Context, registry.WorkerConfig) (WorkResult, error) {
		called = true
		return WorkResult{}, nil
	})
	assert.ErrorIs(t, err, registry.ErrCapabilityMismatch)
	assert.False(t, called)
	assert.Zero(t, agg.Len(), "rejections are not samples")
}

// Two workers A (priority 10, cap 1) and B (priority 5, cap 1): two
// concurrent routes must land on both, never rejecting the second.
func TestRouteConcurrentSpillsToLowerPriority(t *testing.T) {
	s, _, _ := setup(t,
		registry.WorkerConfig{ID: "A", MaxConcurrent: 1, Priority: 10},
		registry.WorkerConfig{ID: "B", MaxConcurrent: 1, Priority: 5},
	)

	var (
		wg      sync.WaitGroup
		started = make(chan string, 2)
		finish  = make(chan struct{})
		errs    = make(chan error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Route(context.Background(), registry.Requirements{}, func(_ context.Context, w registry.WorkerConfig) (WorkResult, error) {
				started <- w.ID
				<-finish
				return WorkResult{}, nil
			})
			errs <- err
		}()
	}

	got := []string{<-started, <-started}
	close(finish)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sort.Strings(got)
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestRouteMetrics(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(metrics.NewAggregator(), registry.WithLogger(logger))
	require.NoError(t, reg.Register(registry.WorkerConfig{ID: "a", MaxConcurrent: 1}))
	require.NoError(t, reg.SetLoaded("a", true))
	require.NoError(t, reg.SetEnabled("a", true))

	promReg := prometheus.NewRegistry()
	s := New(reg, WithLogger(logger), WithRegisterer(promReg))

	ok := func(context.Context, registry.WorkerConfig) (WorkResult, error) { return WorkResult{}, nil }
	_, err := s.Route(context.Background(), registry.Requirements{}, ok)
	require.NoError(t, err)
	_, err = s.Route(context.Background(), registry.Requirements{Capability: "x"}, ok)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.routed.WithLabelValues("a", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.rejected.WithLabelValues("capability_mismatch")))
}
