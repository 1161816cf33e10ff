package validation

import (
	"testing"
	"time"

	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy() Measurements {
	return Measurements{
		AvgLatency:  300 * time.Millisecond,
		P50Latency:  250 * time.Millisecond,
		P95Latency:  900 * time.Millisecond,
		P99Latency:  1500 * time.Millisecond,
		Throughput:  12,
		SuccessRate: 0.99,
		ErrorRate:   0.01,
		Utilization: 0.5,
		MemoryMB:    4096,
	}
}

func TestValidateAllMet(t *testing.T) {
	res := Validate(DefaultCriteria(), healthy())

	assert.Equal(t, 100.0, res.OverallScore)
	assert.True(t, res.Success)
	assert.Empty(t, res.Recommendations)
	require.Len(t, res.Checks, len(Categories))
	for i, c := range Categories {
		assert.Equal(t, c, res.Checks[i].Category)
		assert.True(t, res.Checks[i].Met, c)
	}
}

func TestValidateScoring(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Measurements)
		score   float64
		success bool
		unmet   []Category
	}{
		{
			name:    "one medium miss still passes",
			mutate:  func(m *Measurements) { m.MemoryMB = 16384 },
			score:   100 * 5.0 / 6.0,
			success: true,
			unmet:   []Category{CategoryMemory},
		},
		{
			name: "two misses fail",
			mutate: func(m *Measurements) {
				m.Utilization = 0.05
				m.Throughput = 0.5
			},
			score:   100 * 4.0 / 6.0,
			success: false,
			unmet:   []Category{CategoryThroughput, CategoryUtilization},
		},
		{
			name:    "p99 alone breaks latency",
			mutate:  func(m *Measurements) { m.P99Latency = 6 * time.Second },
			score:   100 * 5.0 / 6.0,
			success: true,
			unmet:   []Category{CategoryLatency},
		},
		{
			name: "everything broken",
			mutate: func(m *Measurements) {
				*m = Measurements{
					AvgLatency: 10 * time.Second, Throughput: 0, SuccessRate: 0.5,
					ErrorRate: 0.5, Utilization: 0.99, MemoryMB: 10000,
				}
			},
			score:   0,
			success: false,
			unmet:   []Category{CategoryLatency, CategoryThroughput, CategorySuccessRate, CategoryErrorRate, CategoryUtilization, CategoryMemory},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := healthy()
			tt.mutate(&m)
			res := Validate(DefaultCriteria(), m)
			assert.InDelta(t, tt.score, res.OverallScore, 1e-9)
			assert.Equal(t, tt.success, res.Success)

			var got []Category
			for _, r := range res.Recommendations {
				got = append(got, r.Category)
			}
			assert.Equal(t, tt.unmet, got)
			for _, c := range tt.unmet {
				assert.False(t, res.Met(c))
			}
		})
	}
}

func TestRecommendationsHighSeverityFirst(t *testing.T) {
	m := healthy()
	m.MemoryMB = 9000              // medium
	m.Utilization = 0.95           // medium
	m.ErrorRate = 0.2              // high
	m.AvgLatency = 3 * time.Second // high

	res := Validate(DefaultCriteria(), m)
	require.Len(t, res.Recommendations, 4)

	assert.Equal(t, CategoryLatency, res.Recommendations[0].Category)
	assert.Equal(t, SeverityHigh, res.Recommendations[0].Severity)
	assert.Equal(t, CategoryErrorRate, res.Recommendations[1].Category)
	assert.Equal(t, SeverityHigh, res.Recommendations[1].Severity)
	assert.Equal(t, CategoryUtilization, res.Recommendations[2].Category)
	assert.Equal(t, SeverityMedium, res.Recommendations[2].Severity)
	assert.Equal(t, CategoryMemory, res.Recommendations[3].Category)

	assert.Contains(t, res.Recommendations[0].Description, "avg 3s")
	assert.Contains(t, res.Recommendations[0].Description, "avg <= 1s")
	assert.Contains(t, res.Recommendations[1].Description, "20.00%")
	assert.Contains(t, res.Recommendations[1].Description, "5.00%")
	assert.Contains(t, res.Recommendations[2].Description, "scale out")
	assert.Contains(t, res.Recommendations[3].Description, "9000 MB")
}

func TestValidateIsPure(t *testing.T) {
	c := DefaultCriteria()
	m := healthy()
	m.ErrorRate = 0.3
	first := Validate(c, m)
	second := Validate(c, m)
	assert.Equal(t, first, second)
	assert.Equal(t, DefaultCriteria(), c)
}

func TestZeroLatencyThresholdIsSkipped(t *testing.T) {
	c := DefaultCriteria()
	c.MaxP99Latency = 0
	m := healthy()
	m.P99Latency = time.Hour
	res := Validate(c, m)
	assert.True(t, res.Met(CategoryLatency))
	assert.NotContains(t, res.Checks[0].Target, "p99")
}

func TestCriteriaValidate(t *testing.T) {
	assert.NoError(t, DefaultCriteria().Validate())

	c := DefaultCriteria()
	c.MinSuccessRate = 95
	assert.Error(t, c.Validate())

	c = DefaultCriteria()
	c.MinUtilization, c.MaxUtilization = 0.9, 0.1
	assert.Error(t, c.Validate())
}

func TestMeasurementsFromStats(t *testing.T) {
	st := metrics.Stats{
		AvgLatency: time.Millisecond, P50: 2 * time.Millisecond, P95: 3 * time.Millisecond, P99: 4 * time.Millisecond,
		Throughput: 7, SuccessRate: 0.9, ErrorRate: 0.1,
	}
	m := MeasurementsFromStats(st, 0.4, 1024)
	assert.Equal(t, Measurements{
		AvgLatency: time.Millisecond, P50Latency: 2 * time.Millisecond, P95Latency: 3 * time.Millisecond, P99Latency: 4 * time.Millisecond,
		Throughput: 7, SuccessRate: 0.9, ErrorRate: 0.1, Utilization: 0.4, MemoryMB: 1024,
	}, m)
}
