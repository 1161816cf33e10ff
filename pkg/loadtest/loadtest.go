// Package loadtest drives synthetic traffic through the scheduler at a fixed
// rate with bounded concurrency and summarises what happened.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/canopy-network/modelserve/pkg/scheduler"
	"github.com/canopy-network/modelserve/pkg/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

var ErrInvalidConfig = errors.New("invalid load test config")

// Router is the part of the scheduler the harness needs.
type Router interface {
	Route(ctx context.Context, req registry.Requirements, work scheduler.WorkFunc) (scheduler.WorkResult, error)
}

// Payload is what every synthetic request carries.
type Payload struct {
	Requirements registry.Requirements
	Work         scheduler.WorkFunc
}

// SuccessCriteria decide Result.CriteriaMet. Zero MaxAvgLatency disables
// the latency check.
type SuccessCriteria struct {
	MaxAvgLatency  time.Duration `json:"maxAvgLatency" yaml:"maxAvgLatency"`
	MinSuccessRate float64       `json:"minSuccessRate" yaml:"minSuccessRate"`
	MaxErrorRate   float64       `json:"maxErrorRate" yaml:"maxErrorRate"`
}

type Config struct {
	Duration    time.Duration
	Concurrency int
	RequestRate float64 // requests per second
	Payload     Payload
	Criteria    SuccessCriteria
}

func (c Config) Validate() error {
	switch {
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	case c.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	case c.RequestRate <= 0:
		return fmt.Errorf("%w: request rate must be positive", ErrInvalidConfig)
	case c.Payload.Work == nil:
		return fmt.Errorf("%w: payload work is required", ErrInvalidConfig)
	}
	return nil
}

type Result struct {
	ID              string        `json:"id"`
	Attempted       int           `json:"attempted"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Rejected        int           `json:"rejected"` // failed at admission, included in Failed
	Skipped         int           `json:"skipped"`  // ticks with no free slot
	PeakConcurrency int           `json:"peakConcurrency"`
	AvgLatency      time.Duration `json:"avgLatency"`
	MinLatency      time.Duration `json:"minLatency"`
	MaxLatency      time.Duration `json:"maxLatency"`
	P50Latency      time.Duration `json:"p50Latency"`
	P95Latency      time.Duration `json:"p95Latency"`
	P99Latency      time.Duration `json:"p99Latency"`
	TotalTokens     int64         `json:"totalTokens"`
	Throughput      float64       `json:"throughput"`
	SuccessRate     float64       `json:"successRate"`
	ErrorRate       float64       `json:"errorRate"`
	Elapsed         time.Duration `json:"elapsed"`
	CriteriaMet     bool          `json:"criteriaMet"`
	StartedAt       time.Time     `json:"startedAt"`
}

type Harness struct {
	router  Router
	clock   clock.WithTicker
	emitter telemetry.Emitter
	logger  *zap.Logger
}

type Option func(*Harness)

func WithClock(c clock.WithTicker) Option {
	return func(h *Harness) {
		if c != nil {
			h.clock = c
		}
	}
}

func WithEmitter(e telemetry.Emitter) Option {
	return func(h *Harness) { h.emitter = telemetry.OrNop(e) }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(router Router, opts ...Option) *Harness {
	h := &Harness{
		router:  router,
		clock:   clock.RealClock{},
		emitter: telemetry.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type collector struct {
	mu        sync.Mutex
	latencies []time.Duration
	succeeded int
	failed    int
	rejected  int
	tokens    int64

	inflight atomic.Int64
	peak     atomic.Int64
}

func (c *collector) enter() {
	n := c.inflight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *collector) leave(latency time.Duration, res scheduler.WorkResult, err error) {
	c.inflight.Add(-1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, latency)
	c.tokens += int64(res.Tokens)
	switch {
	case err == nil:
		c.succeeded++
	case errors.Is(err, registry.ErrNoWorkerAvailable):
		c.rejected++
		c.failed++
	default:
		c.failed++
	}
}

// Run issues one request every 1/RequestRate seconds until Duration has
// passed, skipping a tick when all Concurrency slots are busy. It waits for
// every dispatched request before returning. Individual request failures
// are counted, never returned; only a bad Config is an error.
func (h *Harness) Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	interval := time.Duration(float64(time.Second) / cfg.RequestRate)
	if interval <= 0 {
		interval = time.Nanosecond
	}

	res := Result{ID: uuid.NewString(), StartedAt: h.clock.Now()}
	deadline := res.StartedAt.Add(cfg.Duration)
	logger := h.logger.With(zap.String("run", res.ID))
	logger.Info("Load test started",
		zap.Duration("duration", cfg.Duration),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Float64("rate", cfg.RequestRate))

	slots := semaphore.NewWeighted(int64(cfg.Concurrency))
	pool := pond.NewPool(cfg.Concurrency)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	col := &collector{}
	ticker := h.clock.NewTicker(interval)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C():
			if now.After(deadline) {
				break loop
			}
			if !slots.TryAcquire(1) {
				res.Skipped++
				continue
			}
			res.Attempted++
			col.enter()
			group.Submit(func() {
				defer slots.Release(1)
				start := h.clock.Now()
				out, err := h.route(ctx, cfg.Payload)
				col.leave(h.clock.Since(start), out, err)
			})
		}
	}
	ticker.Stop()

	// in-flight requests always finish and are counted
	if err := group.Wait(); err != nil {
		logger.Warn("Load test task failed", zap.Error(err))
	}

	res.Elapsed = h.clock.Since(res.StartedAt)
	h.summarize(&res, col, cfg.Criteria)

	logger.Info("Load test finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("peak_concurrency", res.PeakConcurrency),
		zap.Duration("p95", res.P95Latency),
		zap.Bool("criteria_met", res.CriteriaMet))
	h.emitter.Emit(ctx, telemetry.Event{
		Kind:     telemetry.KindLoadTestCompleted,
		Resource: res.ID,
		Time:     h.clock.Now(),
		Attrs: map[string]any{
			"attempted":   res.Attempted,
			"successRate": res.SuccessRate,
			"throughput":  res.Throughput,
			"criteriaMet": res.CriteriaMet,
		},
	})
	return res, nil
}

// route turns a panicking work function into a failed request.
func (h *Harness) route(ctx context.Context, p Payload) (out scheduler.WorkResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("request panicked: %v", rec)
		}
	}()
	return h.router.Route(ctx, p.Requirements, p.Work)
}

func (h *Harness) summarize(res *Result, col *collector, crit SuccessCriteria) {
	col.mu.Lock()
	defer col.mu.Unlock()

	res.Succeeded = col.succeeded
	res.Failed = col.failed
	res.Rejected = col.rejected
	res.TotalTokens = col.tokens
	res.PeakConcurrency = int(col.peak.Load())

	if n := len(col.latencies); n > 0 {
		sorted := slices.Clone(col.latencies)
		slices.Sort(sorted)
		var sum time.Duration
		for _, l := range sorted {
			sum += l
		}
		res.AvgLatency = sum / time.Duration(n)
		res.MinLatency = sorted[0]
		res.MaxLatency = sorted[n-1]
		res.P50Latency = metrics.Percentile(sorted, 0.50)
		res.P95Latency = metrics.Percentile(sorted, 0.95)
		res.P99Latency = metrics.Percentile(sorted, 0.99)
	}
	if res.Attempted > 0 {
		res.SuccessRate = float64(res.Succeeded) / float64(res.Attempted)
		res.ErrorRate = float64(res.Failed) / float64(res.Attempted)
	}
	if res.Elapsed > 0 {
		res.Throughput = float64(res.Succeeded+res.Failed) / res.Elapsed.Seconds()
	}

	res.CriteriaMet = res.Attempted > 0 &&
		res.SuccessRate >= crit.MinSuccessRate &&
		res.ErrorRate <= crit.MaxErrorRate &&
		(crit.MaxAvgLatency <= 0 || res.AvgLatency <= crit.MaxAvgLatency)
}
