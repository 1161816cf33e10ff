package autoscaler

import (
	"context"
	"fmt"

	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
)

// ResourceUsage is host-level usage the registry cannot observe itself.
type ResourceUsage struct {
	MemoryPercent  float64
	NetworkPercent float64
}

// ResourceProbe reports host usage, for example from node exporters.
type ResourceProbe interface {
	Usage(ctx context.Context) (ResourceUsage, error)
}

// RegistrySource derives metric readings from the registry and its aggregator:
//   - cpu: in-flight requests as a percentage of enabled slots
//   - requests: requests per second over the aggregator window
//   - latency: average latency in milliseconds over the same window
//   - memory, network: from the probe, when one is set
type RegistrySource struct {
	registry *registry.Registry
	probe    ResourceProbe
}

func NewRegistrySource(reg *registry.Registry, probe ResourceProbe) *RegistrySource {
	return &RegistrySource{registry: reg, probe: probe}
}

func (s *RegistrySource) Collect(ctx context.Context) (MetricValues, error) {
	stats := s.registry.Metrics().Stats(metrics.Window{})
	_, slots, active := s.registry.Capacity()

	values := MetricValues{
		MetricRequests: stats.Throughput,
		MetricLatency:  float64(stats.AvgLatency.Microseconds()) / 1000,
	}
	if slots > 0 {
		values[MetricCPU] = 100 * float64(active) / float64(slots)
	} else {
		values[MetricCPU] = 0
	}

	if s.probe != nil {
		usage, err := s.probe.Usage(ctx)
		if err != nil {
			return nil, fmt.Errorf("resource probe: %w", err)
		}
		values[MetricMemory] = usage.MemoryPercent
		values[MetricNetwork] = usage.NetworkPercent
	}
	return values, nil
}
