package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus turns events into counters and gauges. Attrs it understands:
// "action" and "after" on scaling events, "score" and "success" on
// validation events, "throughput" on load test events.
type Prometheus struct {
	events           *prometheus.CounterVec
	scalingActions   *prometheus.CounterVec
	instances        *prometheus.GaugeVec
	validationScore  *prometheus.GaugeVec
	validationPassed *prometheus.GaugeVec
	loadtestRPS      prometheus.Gauge
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelserve_events_total",
			Help: "Telemetry events emitted, by kind",
		}, []string{"kind"}),
		scalingActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelserve_scaling_actions_total",
			Help: "Scaling actions applied, by resource and action",
		}, []string{"resource", "action"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelserve_instances",
			Help: "Enabled worker instances after the last scaling action",
		}, []string{"resource"}),
		validationScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelserve_validation_score",
			Help: "Most recent validation score (0-100)",
		}, []string{"resource"}),
		validationPassed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelserve_validation_passed",
			Help: "1 if the most recent validation passed, else 0",
		}, []string{"resource"}),
		loadtestRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelserve_loadtest_throughput_rps",
			Help: "Throughput of the most recent load test",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.events, p.scalingActions, p.instances, p.validationScore, p.validationPassed, p.loadtestRPS,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register telemetry collector: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) Emit(_ context.Context, e Event) {
	p.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case KindScalingAction:
		if action, ok := e.Attrs["action"].(string); ok {
			p.scalingActions.WithLabelValues(e.Resource, action).Inc()
		}
		if after, ok := asFloat(e.Attrs["after"]); ok {
			p.instances.WithLabelValues(e.Resource).Set(after)
		}
	case KindValidationCompleted:
		if score, ok := asFloat(e.Attrs["score"]); ok {
			p.validationScore.WithLabelValues(e.Resource).Set(score)
		}
		if passed, ok := e.Attrs["success"].(bool); ok {
			v := 0.0
			if passed {
				v = 1
			}
			p.validationPassed.WithLabelValues(e.Resource).Set(v)
		}
	case KindLoadTestCompleted:
		if rps, ok := asFloat(e.Attrs["throughput"]); ok {
			p.loadtestRPS.Set(rps)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
