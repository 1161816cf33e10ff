// Package validation checks measured service behaviour against SLA criteria.
// Validate is pure: identical inputs always give identical results.
package validation

import (
	"fmt"
	"time"

	"github.com/canopy-network/modelserve/pkg/metrics"
)

type Category string

const (
	CategoryLatency     Category = "latency"
	CategoryThroughput  Category = "throughput"
	CategorySuccessRate Category = "success_rate"
	CategoryErrorRate   Category = "error_rate"
	CategoryUtilization Category = "utilization"
	CategoryMemory      Category = "memory"
)

// Categories in the order they are checked and reported.
var Categories = []Category{
	CategoryLatency, CategoryThroughput, CategorySuccessRate,
	CategoryErrorRate, CategoryUtilization, CategoryMemory,
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// PassScore is the minimum overall score for a successful validation.
const PassScore = 80.0

// Criteria are the SLA targets. Latency thresholds of zero are not checked.
type Criteria struct {
	MaxAvgLatency time.Duration `json:"maxAvgLatency" yaml:"maxAvgLatency"`
	MaxP50Latency time.Duration `json:"maxP50Latency" yaml:"maxP50Latency"`
	MaxP95Latency time.Duration `json:"maxP95Latency" yaml:"maxP95Latency"`
	MaxP99Latency time.Duration `json:"maxP99Latency" yaml:"maxP99Latency"`

	MinThroughput    float64 `json:"minThroughput" yaml:"minThroughput"`
	TargetThroughput float64 `json:"targetThroughput" yaml:"targetThroughput"`

	MinSuccessRate float64 `json:"minSuccessRate" yaml:"minSuccessRate"` // 0..1
	MaxErrorRate   float64 `json:"maxErrorRate" yaml:"maxErrorRate"`     // 0..1

	// Utilization band, as fractions of capacity.
	MinUtilization float64 `json:"minUtilization" yaml:"minUtilization"`
	MaxUtilization float64 `json:"maxUtilization" yaml:"maxUtilization"`

	MaxMemoryMB float64 `json:"maxMemoryMB" yaml:"maxMemoryMB"`
}

// DefaultCriteria are the targets used when none are configured.
func DefaultCriteria() Criteria {
	return Criteria{
		MaxAvgLatency:    time.Second,
		MaxP50Latency:    800 * time.Millisecond,
		MaxP95Latency:    2 * time.Second,
		MaxP99Latency:    5 * time.Second,
		MinThroughput:    1,
		TargetThroughput: 10,
		MinSuccessRate:   0.95,
		MaxErrorRate:     0.05,
		MinUtilization:   0.2,
		MaxUtilization:   0.85,
		MaxMemoryMB:      8192,
	}
}

func (c Criteria) Validate() error {
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("minSuccessRate %v outside [0,1]", c.MinSuccessRate)
	}
	if c.MaxErrorRate < 0 || c.MaxErrorRate > 1 {
		return fmt.Errorf("maxErrorRate %v outside [0,1]", c.MaxErrorRate)
	}
	if c.MinUtilization > c.MaxUtilization {
		return fmt.Errorf("utilization band [%v,%v] is inverted", c.MinUtilization, c.MaxUtilization)
	}
	return nil
}

// Measurements are observed values to check against Criteria.
type Measurements struct {
	AvgLatency  time.Duration `json:"avgLatency"`
	P50Latency  time.Duration `json:"p50Latency"`
	P95Latency  time.Duration `json:"p95Latency"`
	P99Latency  time.Duration `json:"p99Latency"`
	Throughput  float64       `json:"throughput"`
	SuccessRate float64       `json:"successRate"`
	ErrorRate   float64       `json:"errorRate"`
	Utilization float64       `json:"utilization"`
	MemoryMB    float64       `json:"memoryMB"`
}

// MeasurementsFromStats fills the latency and rate fields from aggregator
// stats. Utilization and memory come from elsewhere.
func MeasurementsFromStats(st metrics.Stats, utilization, memoryMB float64) Measurements {
	return Measurements{
		AvgLatency:  st.AvgLatency,
		P50Latency:  st.P50,
		P95Latency:  st.P95,
		P99Latency:  st.P99,
		Throughput:  st.Throughput,
		SuccessRate: st.SuccessRate,
		ErrorRate:   st.ErrorRate,
		Utilization: utilization,
		MemoryMB:    memoryMB,
	}
}

// Check is one category's verdict.
type Check struct {
	Category Category `json:"category"`
	Met      bool     `json:"met"`
	Measured string   `json:"measured"`
	Target   string   `json:"target"`
}

type Recommendation struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

type Result struct {
	Checks          []Check          `json:"checks"`
	OverallScore    float64          `json:"overallScore"`
	Success         bool             `json:"success"`
	Recommendations []Recommendation `json:"recommendations"`
	Criteria        Criteria         `json:"criteria"`
	Measured        Measurements     `json:"measured"`
}

// Met reports the verdict for a category.
func (r Result) Met(c Category) bool {
	for _, ch := range r.Checks {
		if ch.Category == c {
			return ch.Met
		}
	}
	return false
}

// Validate scores m against c. The score is the percentage of categories
// met; recommendations list unmet categories, high severity first.
func Validate(c Criteria, m Measurements) Result {
	checks := []Check{
		checkLatency(c, m),
		{
			Category: CategoryThroughput,
			Met:      m.Throughput >= c.MinThroughput,
			Measured: fmt.Sprintf("%.2f req/s", m.Throughput),
			Target:   fmt.Sprintf(">= %.2f req/s (target %.2f)", c.MinThroughput, c.TargetThroughput),
		},
		{
			Category: CategorySuccessRate,
			Met:      m.SuccessRate >= c.MinSuccessRate,
			Measured: pct(m.SuccessRate),
			Target:   ">= " + pct(c.MinSuccessRate),
		},
		{
			Category: CategoryErrorRate,
			Met:      m.ErrorRate <= c.MaxErrorRate,
			Measured: pct(m.ErrorRate),
			Target:   "<= " + pct(c.MaxErrorRate),
		},
		{
			Category: CategoryUtilization,
			Met:      m.Utilization >= c.MinUtilization && m.Utilization <= c.MaxUtilization,
			Measured: pct(m.Utilization),
			Target:   fmt.Sprintf("%s - %s", pct(c.MinUtilization), pct(c.MaxUtilization)),
		},
		{
			Category: CategoryMemory,
			Met:      m.MemoryMB <= c.MaxMemoryMB,
			Measured: fmt.Sprintf("%.0f MB", m.MemoryMB),
			Target:   fmt.Sprintf("<= %.0f MB", c.MaxMemoryMB),
		},
	}

	met := 0
	var high, medium []Recommendation
	for _, ch := range checks {
		if ch.Met {
			met++
			continue
		}
		rec := Recommendation{
			Category:    ch.Category,
			Severity:    severity(ch.Category),
			Description: describe(ch, m, c),
		}
		if rec.Severity == SeverityHigh {
			high = append(high, rec)
		} else {
			medium = append(medium, rec)
		}
	}

	score := 100 * float64(met) / float64(len(checks))
	return Result{
		Checks:          checks,
		OverallScore:    score,
		Success:         score >= PassScore,
		Recommendations: append(append(make([]Recommendation, 0, len(high)+len(medium)), high...), medium...),
		Criteria:        c,
		Measured:        m,
	}
}

func checkLatency(c Criteria, m Measurements) Check {
	type bound struct {
		name     string
		measured time.Duration
		limit    time.Duration
	}
	bounds := []bound{
		{"avg", m.AvgLatency, c.MaxAvgLatency},
		{"p50", m.P50Latency, c.MaxP50Latency},
		{"p95", m.P95Latency, c.MaxP95Latency},
		{"p99", m.P99Latency, c.MaxP99Latency},
	}

	ch := Check{Category: CategoryLatency, Met: true}
	var measured, target string
	for _, b := range bounds {
		if b.limit <= 0 {
			continue
		}
		if b.measured > b.limit {
			ch.Met = false
		}
		if measured != "" {
			measured += ", "
			target += ", "
		}
		measured += fmt.Sprintf("%s %s", b.name, b.measured)
		target += fmt.Sprintf("%s <= %s", b.name, b.limit)
	}
	ch.Measured, ch.Target = measured, target
	return ch
}

func severity(c Category) Severity {
	switch c {
	case CategoryUtilization, CategoryMemory:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

func describe(ch Check, m Measurements, c Criteria) string {
	switch ch.Category {
	case CategoryLatency:
		return fmt.Sprintf("Latency above target (%s; target %s): add capacity or route to faster workers", ch.Measured, ch.Target)
	case CategoryThroughput:
		return fmt.Sprintf("Throughput %s below minimum %.2f req/s: scale out or raise worker concurrency", ch.Measured, c.MinThroughput)
	case CategorySuccessRate:
		return fmt.Sprintf("Success rate %s below %s: investigate failing workers", ch.Measured, pct(c.MinSuccessRate))
	case CategoryErrorRate:
		return fmt.Sprintf("Error rate %s above %s: check worker logs and input validation", ch.Measured, pct(c.MaxErrorRate))
	case CategoryUtilization:
		if m.Utilization < c.MinUtilization {
			return fmt.Sprintf("Utilization %s below %s: capacity is over-provisioned, scale in", ch.Measured, pct(c.MinUtilization))
		}
		return fmt.Sprintf("Utilization %s above %s: little headroom left, scale out", ch.Measured, pct(c.MaxUtilization))
	case CategoryMemory:
		return fmt.Sprintf("Memory %s exceeds %.0f MB: use smaller models or larger instances", ch.Measured, c.MaxMemoryMB)
	}
	return fmt.Sprintf("%s not met: measured %s, target %s", ch.Category, ch.Measured, ch.Target)
}

func pct(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}
