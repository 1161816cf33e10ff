package metrics

import (
	"math"
	"time"
)

// Sample is one completed unit of work as observed by the scheduler.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	Tokens    int           `json:"tokens"`
	WorkerID  string        `json:"workerId"`
	Success   bool          `json:"success"`
}

// Window selects samples by time range and, optionally, by worker.
// A zero Start and End means the trailing default window ending now.
type Window struct {
	Start    time.Time
	End      time.Time
	WorkerID string
}

// Stats summarises the samples inside a Window.
type Stats struct {
	Count       int           `json:"count"`
	Errors      int           `json:"errors"`
	AvgLatency  time.Duration `json:"avgLatency"`
	MinLatency  time.Duration `json:"minLatency"`
	MaxLatency  time.Duration `json:"maxLatency"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	TotalTokens int64         `json:"totalTokens"`
	ErrorRate   float64       `json:"errorRate"`
	SuccessRate float64       `json:"successRate"`
	Throughput  float64       `json:"throughput"` // requests per second
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
}

// TrendBucket is one fixed-size slice of a Trend series.
type TrendBucket struct {
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Count      int           `json:"count"`
	AvgLatency time.Duration `json:"avgLatency"`
	P95        time.Duration `json:"p95"`
	Throughput float64       `json:"throughput"`
	ErrorRate  float64       `json:"errorRate"`
}

// Percentile returns the value at index ceil(n*p)-1 of sorted, clamped to
// the valid range. An empty slice yields 0.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	// epsilon absorbs float noise such as 100*0.95 = 95.00000000000001
	idx := int(math.Ceil(float64(n)*p-1e-9)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
