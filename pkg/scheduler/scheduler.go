package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// WorkResult is what a worker hands back.
type WorkResult struct {
	Output any `json:"output,omitempty"`
	Tokens int `json:"tokens"`
}

// WorkFunc performs the actual inference on the admitted worker.
type WorkFunc func(ctx context.Context, worker registry.WorkerConfig) (WorkResult, error)

// Scheduler routes requests onto registry workers. It never retries: a
// rejected request is the caller's to retry.
type Scheduler struct {
	registry *registry.Registry
	clock    clock.PassiveClock
	logger   *zap.Logger

	routed   *prometheus.CounterVec
	rejected *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(c clock.PassiveClock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRegisterer exports routing metrics. Registration errors are logged.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		if reg == nil {
			return
		}
		routed := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelserve_requests_total",
			Help: "Requests that ran on a worker, by worker and outcome",
		}, []string{"worker", "outcome"})
		rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelserve_requests_rejected_total",
			Help: "Requests rejected at admission, by reason",
		}, []string{"reason"})
		latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelserve_request_duration_seconds",
			Help:    "Work duration per worker",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"worker"})
		for _, c := range []prometheus.Collector{routed, rejected, latency} {
			if err := reg.Register(c); err != nil {
				s.logger.Warn("Failed to register scheduler metrics", zap.Error(err))
				return
			}
		}
		s.routed, s.rejected, s.latency = routed, rejected, latency
	}
}

func New(reg *registry.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: reg,
		clock:    clock.RealClock{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry requests are routed onto.
func (s *Scheduler) Registry() *registry.Registry { return s.registry }

// Route selects and admits a worker for req, runs work on it and releases
// the slot on every exit path, panics included. Errors from work are
// returned unchanged after the failed sample has been recorded.
func (s *Scheduler) Route(ctx context.Context, req registry.Requirements, work WorkFunc) (res WorkResult, err error) {
	if err := ctx.Err(); err != nil {
		return WorkResult{}, err
	}

	lease, err := s.registry.Acquire(req)
	if err != nil {
		s.reject(err)
		return WorkResult{}, err
	}
	worker := lease.Worker()
	start := s.clock.Now()

	defer func() {
		rec := recover()
		if rec != nil {
			err = fmt.Errorf("worker %s panicked: %v", worker.ID, rec)
		}
		latency := s.clock.Since(start)
		if relErr := lease.Release(registry.Outcome{Latency: latency, Tokens: res.Tokens, Err: err}); relErr != nil {
			s.logger.Error("Failed to release worker slot", zap.String("worker", worker.ID), zap.Error(relErr))
		}
		s.observe(worker.ID, latency, err)
		if rec != nil {
			panic(rec)
		}
	}()

	return work(ctx, worker)
}

func (s *Scheduler) reject(err error) {
	if s.rejected == nil {
		return
	}
	reason := "overloaded"
	if errors.Is(err, registry.ErrCapabilityMismatch) {
		reason = "capability_mismatch"
	}
	s.rejected.WithLabelValues(reason).Inc()
}

func (s *Scheduler) observe(worker string, latency time.Duration, err error) {
	if s.routed == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.routed.WithLabelValues(worker, outcome).Inc()
	s.latency.WithLabelValues(worker).Observe(latency.Seconds())
}
