package loadtest

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/modelserve/app/serve"
	"github.com/canopy-network/modelserve/pkg/config"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/canopy-network/modelserve/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func baseConfig() *config.Config {
	return &config.Config{
		Addr:            ":0",
		AutoscalerCron:  "@every 1h",
		ValidationCron:  "@every 1h",
		TickTimeout:     time.Second,
		MetricsCapacity: 1000,
		MetricsWindow:   time.Minute,
		ResourceID:      "bench-pool",
		InstanceCost:    0.5,
		Rules:           config.DefaultRules(),
		Criteria:        validation.DefaultCriteria(),
	}
}

func TestApplyAddsSimulatedWorkers(t *testing.T) {
	cfg := baseConfig()
	s := Settings{Workers: 3, WorkerConcurrency: 2, Capability: "chat", Autoscale: true, AutoscaleCron: "@every 1s"}
	s.Apply(cfg)

	require.Len(t, cfg.Workers, 3)
	assert.Equal(t, "sim-0", cfg.Workers[0].ID)
	assert.Equal(t, []string{"chat"}, cfg.Workers[2].Capabilities)
	assert.Equal(t, 2, cfg.Workers[1].MaxConcurrent)
	assert.Equal(t, 1, cfg.InitialInstances)
	assert.Equal(t, "@every 1s", cfg.AutoscalerCron)

	// configured workers are left alone
	cfg = baseConfig()
	cfg.Workers = []registry.WorkerConfig{{ID: "real", MaxConcurrent: 1}}
	s.Apply(cfg)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, 0, cfg.InitialInstances)
}

func TestSimulate(t *testing.T) {
	w := registry.WorkerConfig{ID: "sim-0"}

	res, err := Simulate(time.Millisecond, 0, 0, 7)(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Tokens)
	assert.Equal(t, "sim-0", res.Output)

	_, err = Simulate(time.Millisecond, time.Millisecond, 1, 7)(context.Background(), w)
	require.ErrorIs(t, err, ErrSimulatedFailure)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Simulate(time.Hour, 0, 0, 1)(ctx, w)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunProducesReport(t *testing.T) {
	cfg := baseConfig()
	s := Settings{
		Duration:          500 * time.Millisecond,
		Concurrency:       4,
		Rate:              40,
		Capability:        "chat",
		Workers:           2,
		WorkerConcurrency: 4,
		Latency:           5 * time.Millisecond,
		Tokens:            10,
	}
	s.Apply(cfg)

	app, err := serve.New(context.Background(), cfg, zaptest.NewLogger(t), serve.Deps{})
	require.NoError(t, err)

	report, err := Run(context.Background(), app, s)
	require.NoError(t, err)

	assert.Positive(t, report.LoadTest.Attempted)
	assert.Equal(t, report.LoadTest.Attempted, report.LoadTest.Succeeded)
	assert.True(t, report.LoadTest.CriteriaMet)
	assert.EqualValues(t, report.LoadTest.Succeeded*10, report.LoadTest.TotalTokens)

	assert.NotEmpty(t, report.Validation.ID)
	assert.True(t, report.Validation.Result.Met(validation.CategorySuccessRate))
	assert.True(t, report.Validation.Result.Met(validation.CategoryLatency))
	require.Len(t, report.Workers, 2)

	latest, ok := app.History.LatestValidation()
	require.True(t, ok)
	assert.Equal(t, report.Validation.ID, latest.ID)
}

func TestRunRejectsBadSettings(t *testing.T) {
	cfg := baseConfig()
	s := Settings{Workers: 1, WorkerConcurrency: 1, Capability: "chat"}
	s.Apply(cfg)
	app, err := serve.New(context.Background(), cfg, zaptest.NewLogger(t), serve.Deps{})
	require.NoError(t, err)

	_, err = Run(context.Background(), app, s)
	require.Error(t, err)
}
