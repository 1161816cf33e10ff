// Package telemetry fans structured service events out to logs, Prometheus,
// websocket subscribers and Redis. Every emitter is best-effort: Emit never
// fails the caller.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindWorkerRegistered    Kind = "worker_registered"
	KindWorkerToggled       Kind = "worker_toggled"
	KindScalingAction       Kind = "scaling_action"
	KindValidationCompleted Kind = "validation_completed"
	KindLoadTestCompleted   Kind = "loadtest_completed"
)

// Event is a flat, serialisable notification. Attrs carry kind-specific
// fields (for example "action", "before", "after" on scaling events).
type Event struct {
	Kind     Kind           `json:"kind"`
	Resource string         `json:"resource"`
	Time     time.Time      `json:"time"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}

// Multi forwards each event to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// Logger writes events as structured log lines.
type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("telemetry")}
}

func (l *Logger) Emit(_ context.Context, e Event) {
	fields := make([]zap.Field, 0, len(e.Attrs)+2)
	fields = append(fields, zap.String("kind", string(e.Kind)), zap.String("resource", e.Resource))
	for k, v := range e.Attrs {
		fields = append(fields, zap.Any(k, v))
	}
	l.logger.Info("event", fields...)
}
