package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/modelserve/pkg/logging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultTickTimeout bounds a tick when NewRunner is given no timeout.
const DefaultTickTimeout = 25 * time.Second

// Runner drives a Controller from a cron schedule. Specs accept an optional
// seconds field and descriptors such as "@every 30s".
type Runner struct {
	controller *Controller
	cron       *cron.Cron
	spec       string
	timeout    time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner schedules controller.Tick on spec. Each tick is bounded by timeout,
// or DefaultTickTimeout when timeout is not positive.
func NewRunner(controller *Controller, spec string, timeout time.Duration, logger *zap.Logger) (*Runner, error) {
	logger = logging.OrNop(logger)
	if timeout <= 0 {
		timeout = DefaultTickTimeout
	}
	cl := logging.CronLogger(logger)
	r := &Runner{
		controller: controller,
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec:       spec,
		timeout:    timeout,
		logger:     logger,
		ctx:        context.Background(),
	}
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return nil, fmt.Errorf("autoscaler cron spec %q: %w", spec, err)
	}
	return r, nil
}

// Start begins ticking. Ticks stop when ctx ends or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	done := r.ctx.Done()
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("Autoscaler started",
		zap.String("resource", r.controller.ResourceID()),
		zap.String("cronSpec", r.spec))

	go func() {
		<-done
		<-r.cron.Stop().Done()
	}()
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-r.cron.Stop().Done()
	r.logger.Info("Autoscaler stopped", zap.String("resource", r.controller.ResourceID()))
}

func (r *Runner) tick() {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()
	if parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	d := r.controller.Tick(ctx)
	r.logger.Debug("Autoscaler tick",
		zap.String("outcome", string(d.Outcome)),
		zap.String("reason", d.Reason),
		zap.Int("instances", d.After))
}
