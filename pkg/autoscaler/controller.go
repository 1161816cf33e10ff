package autoscaler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/modelserve/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const DefaultMaxEvents = 1000

type Config struct {
	ResourceID string
	Rules      []ScalingRule
	// InstanceCost is the hourly cost of one instance, used for CostDelta.
	InstanceCost float64
	// MaxEvents bounds the in-memory event log.
	MaxEvents int
}

// Controller evaluates scaling rules for one resource. Evaluations are
// serialised; the controller is safe to share between a timer and HTTP handlers.
type Controller struct {
	resourceID   string
	rules        []ScalingRule
	instanceCost float64
	maxEvents    int

	source   Source
	actuator Actuator
	sink     Sink
	emitter  telemetry.Emitter
	clock    clock.PassiveClock
	logger   *zap.Logger

	// lastAction holds the last action time per direction
	lastAction *xsync.Map[Direction, time.Time]
	state      atomic.Value // State

	mu           sync.Mutex
	events       []ScalingEvent
	lastDecision Decision
}

type Option func(*Controller)

func WithSource(s Source) Option { return func(c *Controller) { c.source = s } }
func WithSink(s Sink) Option     { return func(c *Controller) { c.sink = s } }
func WithEmitter(e telemetry.Emitter) Option {
	return func(c *Controller) { c.emitter = telemetry.OrNop(e) }
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New validates cfg.Rules and returns an idle controller.
func New(cfg Config, actuator Actuator, opts ...Option) (*Controller, error) {
	if len(cfg.Rules) == 0 {
		return nil, ErrNoRules
	}
	for _, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	if actuator == nil {
		return nil, fmt.Errorf("autoscaler %s: actuator is required", cfg.ResourceID)
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}

	c := &Controller{
		resourceID:   cfg.ResourceID,
		rules:        slices.Clone(cfg.Rules),
		instanceCost: cfg.InstanceCost,
		maxEvents:    cfg.MaxEvents,
		actuator:     actuator,
		emitter:      telemetry.Nop{},
		clock:        clock.RealClock{},
		logger:       zap.NewNop(),
		lastAction:   xsync.NewMap[Direction, time.Time](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("resource", cfg.ResourceID))
	c.state.Store(StateIdle)
	return c, nil
}

func (c *Controller) ResourceID() string { return c.resourceID }

// Rules returns a copy of the rule set in evaluation order.
func (c *Controller) Rules() []ScalingRule { return slices.Clone(c.rules) }

// State is the current position in the idle/evaluating/acting cycle.
func (c *Controller) State() State { return c.state.Load().(State) }

// LastDecision returns the most recent evaluation outcome.
func (c *Controller) LastDecision() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDecision
}

// Events returns up to limit of the most recent events, oldest first.
// limit <= 0 returns all retained events.
func (c *Controller) Events(limit int) []ScalingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := 0
	if limit > 0 && len(c.events) > limit {
		start = len(c.events) - limit
	}
	return slices.Clone(c.events[start:])
}

// Tick collects metrics from the configured Source and evaluates them. A
// collection failure becomes a no-action decision carrying the error.
func (c *Controller) Tick(ctx context.Context) Decision {
	if c.source == nil {
		return c.finish(Decision{Time: c.clock.Now(), Outcome: StateNoAction, Reason: "no metrics source configured"})
	}
	values, err := c.source.Collect(ctx)
	if err != nil {
		c.logger.Warn("Metrics collection failed", zap.Error(err))
		return c.finish(Decision{Time: c.clock.Now(), Outcome: StateNoAction, Reason: err.Error()})
	}
	return c.Evaluate(ctx, values)
}

// Evaluate acts on the first active rule that fires, subject to the
// per-direction cooldown and the rule's instance bounds.
func (c *Controller) Evaluate(ctx context.Context, values MetricValues) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(StateEvaluating)
	now := c.clock.Now()
	d := Decision{Time: now, Outcome: StateNoAction, Reason: ReasonNoRuleFired}

	rule, value, ok := c.firstFiring(values)
	if !ok {
		return c.finishLocked(d)
	}
	d.Rule, d.Metric, d.Value, d.Action = rule.Name, rule.Metric, value, rule.Action

	dir := rule.Action.Direction()
	if last, ok := c.lastAction.Load(dir); ok && now.Sub(last) < rule.Cooldown {
		d.Reason = ReasonCooldownActive
		return c.finishLocked(d)
	}

	current, err := c.actuator.Instances(ctx)
	if err != nil {
		d.Reason = fmt.Sprintf("read instances: %v", err)
		return c.finishLocked(d)
	}
	d.Before, d.After = current, current

	target := rule.Target(current)
	if target == current {
		d.Reason = ReasonBoundsReached
		return c.finishLocked(d)
	}

	if dir == DirectionUp {
		c.state.Store(StateScalingUp)
	} else {
		c.state.Store(StateScalingDown)
	}

	after, err := c.actuator.Scale(ctx, target)
	if err != nil {
		c.logger.Error("Scaling failed",
			zap.String("rule", rule.Name),
			zap.Int("target", target),
			zap.Int("reached", after),
			zap.Error(err))
		if after == current {
			d.Reason = fmt.Sprintf("scale to %d: %v", target, err)
			return c.finishLocked(d)
		}
	}
	if after == current {
		d.Reason = ReasonBoundsReached
		return c.finishLocked(d)
	}

	ev := ScalingEvent{
		ID:         uuid.NewString(),
		ResourceID: c.resourceID,
		Rule:       rule.Name,
		Metric:     rule.Metric,
		Value:      value,
		Action:     rule.Action,
		Before:     current,
		After:      after,
		CostDelta:  float64(after-current) * c.instanceCost,
		Timestamp:  now,
	}
	c.lastAction.Store(dir, now)
	c.events = append(c.events, ev)
	if len(c.events) > c.maxEvents {
		c.events = slices.Delete(c.events, 0, len(c.events)-c.maxEvents)
	}

	if dir == DirectionUp {
		d.Outcome = StateScalingUp
	} else {
		d.Outcome = StateScalingDown
	}
	d.Reason = ReasonScaled
	d.After = after
	d.Event = &ev

	c.logger.Info("Scaling action applied",
		zap.String("rule", rule.Name),
		zap.String("action", string(rule.Action)),
		zap.String("metric", string(rule.Metric)),
		zap.Float64("value", value),
		zap.Int("before", current),
		zap.Int("after", after),
		zap.Float64("cost_delta", ev.CostDelta))

	if c.sink != nil {
		if err := c.sink.Save(ctx, ev); err != nil {
			c.logger.Warn("Failed to persist scaling event", zap.String("event", ev.ID), zap.Error(err))
		}
	}
	c.emitter.Emit(ctx, telemetry.Event{
		Kind:     telemetry.KindScalingAction,
		Resource: c.resourceID,
		Time:     now,
		Attrs: map[string]any{
			"id":        ev.ID,
			"rule":      ev.Rule,
			"action":    string(ev.Action),
			"metric":    string(ev.Metric),
			"value":     ev.Value,
			"before":    ev.Before,
			"after":     ev.After,
			"costDelta": ev.CostDelta,
		},
	})

	return c.finishLocked(d)
}

func (c *Controller) firstFiring(values MetricValues) (ScalingRule, float64, bool) {
	for _, r := range c.rules {
		if !r.Active {
			continue
		}
		v, ok := values[r.Metric]
		if !ok {
			continue
		}
		if r.Fires(v) {
			return r, v, true
		}
	}
	return ScalingRule{}, 0, false
}

func (c *Controller) finish(d Decision) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked(d)
}

func (c *Controller) finishLocked(d Decision) Decision {
	c.lastDecision = d
	if d.Outcome == StateNoAction && d.Rule != "" {
		c.logger.Debug("Scaling skipped",
			zap.String("rule", d.Rule),
			zap.Float64("value", d.Value),
			zap.String("reason", d.Reason))
	}
	c.state.Store(StateIdle)
	return d
}
