package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopy-network/modelserve/pkg/autoscaler"
	"github.com/canopy-network/modelserve/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const sampleYAML = `
initialInstances: 2
workers:
  - id: llama-a
    name: Llama A
    capabilities: [code-generation, chat, " chat"]
    maxConcurrent: 4
    maxTokens: 4096
    priority: 10
  - id: llama-b
    maxConcurrent: 2
  - id: llama-a
    maxConcurrent: 99
  - id: broken
    maxConcurrent: 0
rules:
  - name: cpu-hot
    metric: cpu
    threshold: 80
    action: scale-out
    minInstances: 1
    maxInstances: 6
    cooldown: 45s
    active: true
  - name: nonsense
    metric: temperature
    action: scale-up
    maxInstances: 3
criteria:
  maxAvgLatency: 500ms
  minSuccessRate: 0.99
`

func TestDefaults(t *testing.T) {
	for _, k := range []string{"ADDR", "AUTOSCALER_CRON", "CONFIG_FILE", "INSTANCE_COST", "METRICS_WINDOW"} {
		t.Setenv(k, "")
	}
	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, ":3003", cfg.Addr)
	assert.Equal(t, "@every 30s", cfg.AutoscalerCron)
	assert.Equal(t, "@every 1m", cfg.ValidationCron)
	assert.Equal(t, 10000, cfg.MetricsCapacity)
	assert.Equal(t, 60*time.Second, cfg.MetricsWindow)
	assert.Equal(t, "model-pool", cfg.ResourceID)
	assert.InDelta(t, 0.5, cfg.InstanceCost, 1e-9)
	assert.False(t, cfg.RedisEnabled)
	assert.False(t, cfg.ClickHouseEnabled)
	assert.Equal(t, validation.DefaultCriteria(), cfg.Criteria)

	require.Len(t, cfg.Rules, 3)
	for _, r := range cfg.Rules {
		require.NoError(t, r.Validate(), r.Name)
		assert.True(t, r.Active)
		assert.Equal(t, 1, r.MinInstances)
		assert.Equal(t, 10, r.MaxInstances)
	}
	assert.Equal(t, autoscaler.MetricLatency, cfg.Rules[0].Metric)
	assert.InDelta(t, 2000, cfg.Rules[0].Threshold, 1e-9)
	assert.Equal(t, autoscaler.ActionScaleDown, cfg.Rules[2].Action)
	assert.Equal(t, 300*time.Second, cfg.Rules[2].Cooldown)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ADDR", ":9000")
	t.Setenv("INSTANCE_COST", "1.25")
	t.Setenv("METRICS_WINDOW", "5m")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.InDelta(t, 1.25, cfg.InstanceCost, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.MetricsWindow)
	assert.True(t, cfg.RedisEnabled)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("METRICS_CAPACITY", "-1")
	t.Setenv("METRICS_WINDOW", "soon")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.MetricsCapacity)
	assert.Equal(t, time.Minute, cfg.MetricsWindow)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	t.Setenv("CONFIG_FILE", path)

	core, logs := observer.New(zapcore.WarnLevel)
	cfg, err := Load(zap.New(core))
	require.NoError(t, err)

	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, "llama-a", cfg.Workers[0].ID)
	assert.Equal(t, 4, cfg.Workers[0].MaxConcurrent, "first duplicate wins")
	assert.Equal(t, []string{"code-generation", "chat"}, cfg.Workers[0].Capabilities)
	assert.Equal(t, "llama-b", cfg.Workers[1].ID)
	assert.Equal(t, 2, cfg.InitialInstances)

	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "cpu-hot", cfg.Rules[0].Name)
	assert.Equal(t, 45*time.Second, cfg.Rules[0].Cooldown)

	assert.Equal(t, 500*time.Millisecond, cfg.Criteria.MaxAvgLatency)
	assert.InDelta(t, 0.99, cfg.Criteria.MinSuccessRate, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.Criteria.MaxP95Latency, "unset criteria keep defaults")

	assert.Equal(t, 1, logs.FilterMessage("Duplicate worker id - first entry wins").Len())
	assert.Equal(t, 1, logs.FilterMessage("Invalid worker entry, skipping").Len())
	assert.Equal(t, 1, logs.FilterMessage("Invalid scaling rule, skipping").Len())
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed", doc: "workers: [unclosed"},
		{name: "bad_criteria", doc: "criteria:\n  minSuccessRate: 2\n"},
		{name: "negative_initial", doc: "initialInstances: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Criteria: validation.DefaultCriteria(), Rules: DefaultRules()}
			require.Error(t, cfg.Apply([]byte(tt.doc), nil))
		})
	}
}

func TestAllRulesInvalidKeepsDefaults(t *testing.T) {
	cfg := &Config{Criteria: validation.DefaultCriteria(), Rules: DefaultRules()}
	doc := "rules:\n  - name: x\n    metric: bogus\n    action: scale-up\n"
	require.NoError(t, cfg.Apply([]byte(doc), zap.NewNop()))
	assert.Equal(t, DefaultRules(), cfg.Rules)
}

func TestMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load(nil)
	require.Error(t, err)
}
