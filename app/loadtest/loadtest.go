// Package loadtest drives an in-process serving stack with simulated
// workers and reports how it held up.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/canopy-network/modelserve/app/serve"
	"github.com/canopy-network/modelserve/pkg/autoscaler"
	"github.com/canopy-network/modelserve/pkg/config"
	harness "github.com/canopy-network/modelserve/pkg/loadtest"
	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/canopy-network/modelserve/pkg/scheduler"
	"github.com/canopy-network/modelserve/pkg/store"
	"github.com/canopy-network/modelserve/pkg/utils"
	"go.uber.org/zap"
)

var ErrSimulatedFailure = errors.New("simulated worker failure")

// Settings shape the run and the simulated workers.
type Settings struct {
	Duration    time.Duration
	Concurrency int
	Rate        float64
	Capability  string

	// Simulated workers are only created when the config has none.
	Workers           int
	WorkerConcurrency int
	Latency           time.Duration
	Jitter            time.Duration
	ErrorRate         float64
	Tokens            int

	// Autoscale ticks the controller on AutoscaleCron during the run.
	Autoscale     bool
	AutoscaleCron string
}

// SettingsFromEnv reads LOADTEST_* variables.
func SettingsFromEnv() Settings {
	return Settings{
		Duration:          utils.EnvDuration("LOADTEST_DURATION", 30*time.Second),
		Concurrency:       utils.EnvInt("LOADTEST_CONCURRENCY", 10),
		Rate:              utils.EnvFloat("LOADTEST_RATE", 20),
		Capability:        utils.Env("LOADTEST_CAPABILITY", "text-generation"),
		Workers:           utils.EnvInt("LOADTEST_WORKERS", 4),
		WorkerConcurrency: utils.EnvInt("LOADTEST_WORKER_CONCURRENCY", 4),
		Latency:           utils.EnvDuration("LOADTEST_LATENCY", 150*time.Millisecond),
		Jitter:            utils.EnvDuration("LOADTEST_JITTER", 50*time.Millisecond),
		ErrorRate:         utils.EnvFloat("LOADTEST_ERROR_RATE", 0.01),
		Tokens:            utils.EnvInt("LOADTEST_TOKENS", 128),
		Autoscale:         utils.EnvBool("LOADTEST_AUTOSCALE", true),
		AutoscaleCron:     utils.Env("LOADTEST_AUTOSCALE_CRON", "@every 2s"),
	}
}

// Apply adds simulated workers when cfg has none, starting with one of
// them enabled, and points the autoscaler at AutoscaleCron.
func (s Settings) Apply(cfg *config.Config) {
	if s.Autoscale && s.AutoscaleCron != "" {
		cfg.AutoscalerCron = s.AutoscaleCron
	}
	if len(cfg.Workers) > 0 {
		return
	}
	for i := 0; i < s.Workers; i++ {
		cfg.Workers = append(cfg.Workers, registry.WorkerConfig{
			ID:            fmt.Sprintf("sim-%d", i),
			Name:          fmt.Sprintf("Simulated worker %d", i),
			Capabilities:  []string{s.Capability},
			MaxConcurrent: s.WorkerConcurrency,
		})
	}
	if cfg.InitialInstances == 0 {
		cfg.InitialInstances = 1
	}
}

// Simulate returns work that takes latency ± jitter and fails with
// probability errorRate.
func Simulate(latency, jitter time.Duration, errorRate float64, tokens int) scheduler.WorkFunc {
	return func(ctx context.Context, w registry.WorkerConfig) (scheduler.WorkResult, error) {
		d := latency
		if jitter > 0 {
			d += time.Duration(rand.Int64N(int64(2*jitter))) - jitter
		}
		timer := time.NewTimer(max(d, 0))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return scheduler.WorkResult{}, ctx.Err()
		case <-timer.C:
		}

		if errorRate > 0 && rand.Float64() < errorRate {
			return scheduler.WorkResult{}, fmt.Errorf("%w on %s", ErrSimulatedFailure, w.ID)
		}
		return scheduler.WorkResult{Output: w.ID, Tokens: tokens}, nil
	}
}

type Report struct {
	LoadTest   harness.Result            `json:"loadTest"`
	Validation store.ValidationRecord    `json:"validation"`
	Scaling    []autoscaler.ScalingEvent `json:"scaling"`
	Workers    []registry.WorkerState    `json:"workers"`
}

// Passed reports whether both the harness criteria and validation passed.
func (r Report) Passed() bool {
	return r.LoadTest.CriteriaMet && r.Validation.Result.Success
}

// Run loads app through its scheduler, then validates the samples the run
// produced.
func Run(ctx context.Context, app *serve.App, s Settings) (Report, error) {
	if s.Autoscale {
		app.Runner.Start(ctx)
		defer app.Runner.Stop()
	}

	criteria := app.Config.Criteria
	h := harness.New(app.Scheduler,
		harness.WithEmitter(app.Emitter),
		harness.WithLogger(app.Logger))
	res, err := h.Run(ctx, harness.Config{
		Duration:    s.Duration,
		Concurrency: s.Concurrency,
		RequestRate: s.Rate,
		Payload: harness.Payload{
			Requirements: registry.Requirements{Capability: s.Capability},
			Work:         Simulate(s.Latency, s.Jitter, s.ErrorRate, s.Tokens),
		},
		Criteria: harness.SuccessCriteria{
			MaxAvgLatency:  criteria.MaxAvgLatency,
			MinSuccessRate: criteria.MinSuccessRate,
			MaxErrorRate:   criteria.MaxErrorRate,
		},
	})
	if err != nil {
		return Report{}, err
	}

	rec := app.RunValidation(ctx, criteria, metrics.Window{Start: res.StartedAt})
	report := Report{
		LoadTest:   res,
		Validation: rec,
		Scaling:    app.Controller.Events(0),
		Workers:    app.Registry.Snapshot(),
	}
	app.Logger.Info("Load test report ready",
		zap.String("run", res.ID),
		zap.Float64("score", rec.Result.OverallScore),
		zap.Int("scaling_events", len(report.Scaling)),
		zap.Bool("passed", report.Passed()))
	return report, nil
}
