package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Metric string

const (
	MetricCPU      Metric = "cpu"
	MetricMemory   Metric = "memory"
	MetricNetwork  Metric = "network"
	MetricRequests Metric = "requests"
	MetricLatency  Metric = "latency"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricCPU, MetricMemory, MetricNetwork, MetricRequests, MetricLatency:
		return true
	}
	return false
}

type Action string

const (
	ActionScaleUp   Action = "scale-up"
	ActionScaleDown Action = "scale-down"
	ActionScaleOut  Action = "scale-out"
	ActionScaleIn   Action = "scale-in"
)

func (a Action) Valid() bool {
	switch a {
	case ActionScaleUp, ActionScaleDown, ActionScaleOut, ActionScaleIn:
		return true
	}
	return false
}

// Direction groups actions that share a cooldown.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

func (a Action) Direction() Direction {
	if a == ActionScaleUp || a == ActionScaleOut {
		return DirectionUp
	}
	return DirectionDown
}

// ScalingRule fires when its metric reaches Threshold: at or above for
// up/out actions, at or below for down/in actions.
type ScalingRule struct {
	Name         string        `json:"name" yaml:"name"`
	Metric       Metric        `json:"metric" yaml:"metric"`
	Threshold    float64       `json:"threshold" yaml:"threshold"`
	Action       Action        `json:"action" yaml:"action"`
	MinInstances int           `json:"minInstances" yaml:"minInstances"`
	MaxInstances int           `json:"maxInstances" yaml:"maxInstances"`
	Cooldown     time.Duration `json:"cooldown" yaml:"cooldown"`
	Active       bool          `json:"active" yaml:"active"`
}

func (r ScalingRule) Validate() error {
	if !r.Metric.Valid() {
		return fmt.Errorf("rule %q: unknown metric %q", r.Name, r.Metric)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	if r.MinInstances < 0 || r.MaxInstances < r.MinInstances {
		return fmt.Errorf("rule %q: invalid bounds [%d,%d]", r.Name, r.MinInstances, r.MaxInstances)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %q: negative cooldown", r.Name)
	}
	return nil
}

// Fires reports whether value crosses the threshold in the rule's direction.
func (r ScalingRule) Fires(value float64) bool {
	if r.Action.Direction() == DirectionUp {
		return value >= r.Threshold
	}
	return value <= r.Threshold
}

// Target is the instance count the rule asks for, clamped to its bounds.
func (r ScalingRule) Target(current int) int {
	var target int
	switch r.Action {
	case ActionScaleUp:
		target = current + 1
	case ActionScaleDown:
		target = current - 1
	case ActionScaleOut:
		target = max(current*2, 1)
	case ActionScaleIn:
		target = current / 2
	default:
		target = current
	}
	return min(max(target, r.MinInstances), r.MaxInstances)
}

// ScalingEvent records one applied action. It is never modified.
type ScalingEvent struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	Rule       string    `json:"rule"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	Action     Action    `json:"action"`
	Before     int       `json:"before"`
	After      int       `json:"after"`
	CostDelta  float64   `json:"costDelta"`
	Timestamp  time.Time `json:"timestamp"`
}

type State string

const (
	StateIdle        State = "idle"
	StateEvaluating  State = "evaluating"
	StateScalingUp   State = "scaling-up"
	StateScalingDown State = "scaling-down"
	StateNoAction    State = "no-action"
)

const (
	ReasonScaled         = "scaled"
	ReasonNoRuleFired    = "no rule fired"
	ReasonCooldownActive = "cooldown active"
	ReasonBoundsReached  = "scaling bounds reached"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Time    time.Time     `json:"time"`
	Outcome State         `json:"outcome"`
	Reason  string        `json:"reason"`
	Rule    string        `json:"rule,omitempty"`
	Metric  Metric        `json:"metric,omitempty"`
	Value   float64       `json:"value,omitempty"`
	Action  Action        `json:"action,omitempty"`
	Before  int           `json:"before"`
	After   int           `json:"after"`
	Event   *ScalingEvent `json:"event,omitempty"`
}

// Acted reports whether the decision changed the instance count.
func (d Decision) Acted() bool { return d.Event != nil }

// MetricValues is the current reading of each metric.
type MetricValues map[Metric]float64

// Source supplies the metric readings for a tick.
type Source interface {
	Collect(ctx context.Context) (MetricValues, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (MetricValues, error)

func (f SourceFunc) Collect(ctx context.Context) (MetricValues, error) { return f(ctx) }

// Actuator changes the number of serving instances.
type Actuator interface {
	Instances(ctx context.Context) (int, error)
	// Scale moves towards target and returns the count actually reached.
	Scale(ctx context.Context, target int) (int, error)
}

// Sink persists scaling events. It is append-only.
type Sink interface {
	Save(ctx context.Context, e ScalingEvent) error
}

var ErrNoRules = errors.New("no scaling rules configured")
