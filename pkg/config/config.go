// Package config loads the serving configuration from the environment and
// an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/canopy-network/modelserve/pkg/autoscaler"
	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/canopy-network/modelserve/pkg/utils"
	"github.com/canopy-network/modelserve/pkg/validation"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string
	AutoscalerCron string
	ValidationCron string
	TickTimeout    time.Duration

	MetricsCapacity int
	MetricsWindow   time.Duration

	ResourceID   string
	InstanceCost float64

	ConfigFile        string
	RedisEnabled      bool
	RedisPrefix       string
	ClickHouseEnabled bool
	ClickHouseDB      string

	Workers []registry.WorkerConfig
	Rules   []autoscaler.ScalingRule

	// InitialInstances > 0 enables that many workers at startup in
	// registration order, overriding each worker's Enabled flag.
	InitialInstances int
	Criteria         validation.Criteria
}

// File is the YAML document read from CONFIG_FILE.
type File struct {
	Workers          []registry.WorkerConfig  `yaml:"workers"`
	Rules            []autoscaler.ScalingRule `yaml:"rules"`
	Criteria         validation.Criteria      `yaml:"criteria"`
	InitialInstances int                      `yaml:"initialInstances"`
}

// DefaultRules scale on latency and request rate within [1,10] instances.
func DefaultRules() []autoscaler.ScalingRule {
	return []autoscaler.ScalingRule{
		{
			Name:         "latency-high",
			Metric:       autoscaler.MetricLatency,
			Threshold:    2000,
			Action:       autoscaler.ActionScaleUp,
			MinInstances: 1,
			MaxInstances: 10,
			Cooldown:     60 * time.Second,
			Active:       true,
		},
		{
			Name:         "requests-high",
			Metric:       autoscaler.MetricRequests,
			Threshold:    50,
			Action:       autoscaler.ActionScaleOut,
			MinInstances: 1,
			MaxInstances: 10,
			Cooldown:     120 * time.Second,
			Active:       true,
		},
		{
			Name:         "requests-low",
			Metric:       autoscaler.MetricRequests,
			Threshold:    1,
			Action:       autoscaler.ActionScaleDown,
			MinInstances: 1,
			MaxInstances: 10,
			Cooldown:     300 * time.Second,
			Active:       true,
		},
	}
}

// Load reads the environment and, when CONFIG_FILE is set, the YAML file
// it points to.
func Load(logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := &Config{
		Addr:              utils.Env("ADDR", ":3003"),
		AutoscalerCron:    utils.Env("AUTOSCALER_CRON", "@every 30s"),
		ValidationCron:    utils.Env("VALIDATION_CRON", "@every 1m"),
		TickTimeout:       utils.EnvDuration("TICK_TIMEOUT", 25*time.Second),
		MetricsCapacity:   utils.EnvInt("METRICS_CAPACITY", metrics.DefaultCapacity),
		MetricsWindow:     utils.EnvDuration("METRICS_WINDOW", metrics.DefaultWindow),
		ResourceID:        utils.Env("RESOURCE_ID", "model-pool"),
		InstanceCost:      utils.EnvFloat("INSTANCE_COST", 0.5),
		ConfigFile:        utils.Env("CONFIG_FILE", ""),
		RedisEnabled:      utils.EnvBool("REDIS_ENABLED", false),
		RedisPrefix:       utils.Env("REDIS_PREFIX", "modelserve"),
		ClickHouseEnabled: utils.EnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseDB:      utils.Env("CLICKHOUSE_DB", "modelserve"),
		Rules:             DefaultRules(),
		Criteria:          validation.DefaultCriteria(),
	}

	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := cfg.Apply(data, logger); err != nil {
		return nil, fmt.Errorf("config file %s: %w", cfg.ConfigFile, err)
	}
	return cfg, nil
}

// Apply merges a YAML document into cfg. Invalid workers and rules are
// skipped with a log line. A duplicate worker id keeps the first entry.
// Criteria fields missing from the document keep their current values.
func (cfg *Config) Apply(data []byte, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := File{Criteria: cfg.Criteria}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := f.Criteria.Validate(); err != nil {
		return fmt.Errorf("criteria: %w", err)
	}
	if f.InitialInstances < 0 {
		return fmt.Errorf("initialInstances must not be negative, got %d", f.InitialInstances)
	}
	cfg.Criteria = f.Criteria
	cfg.InitialInstances = f.InitialInstances

	seen := make(map[string]int, len(f.Workers))
	for i, w := range f.Workers {
		if err := w.Validate(); err != nil {
			logger.Warn("Invalid worker entry, skipping", zap.Int("index", i), zap.Error(err))
			continue
		}
		if first, ok := seen[w.ID]; ok {
			logger.Warn("Duplicate worker id - first entry wins",
				zap.String("id", w.ID),
				zap.Int("winningIndex", first),
				zap.Int("duplicateIndex", i))
			continue
		}
		seen[w.ID] = i
		w.Capabilities = utils.Dedup(w.Capabilities)
		cfg.Workers = append(cfg.Workers, w)
	}

	if len(f.Rules) == 0 {
		return nil
	}
	rules := make([]autoscaler.ScalingRule, 0, len(f.Rules))
	for i, r := range f.Rules {
		if err := r.Validate(); err != nil {
			logger.Warn("Invalid scaling rule, skipping", zap.Int("index", i), zap.Error(err))
			continue
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		logger.Warn("No valid scaling rules in config file, keeping defaults")
		return nil
	}
	cfg.Rules = rules
	return nil
}
