// Package store persists scaling events and validation results. Every
// backend implements autoscaler.Sink so the controller can write to it
// directly.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/canopy-network/modelserve/pkg/autoscaler"
	"github.com/canopy-network/modelserve/pkg/validation"
)

// ValidationRecord is a stored validation outcome.
type ValidationRecord struct {
	ID         string            `json:"id"`
	ResourceID string            `json:"resourceId"`
	Timestamp  time.Time         `json:"timestamp"`
	Result     validation.Result `json:"result"`
}

// Sink stores both record kinds.
type Sink interface {
	autoscaler.Sink
	SaveValidation(ctx context.Context, r ValidationRecord) error
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Save(ctx context.Context, e autoscaler.ScalingEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SaveValidation(ctx context.Context, r ValidationRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveValidation(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const DefaultMemoryLimit = 1000

// Memory keeps the most recent records in process.
type Memory struct {
	mu          sync.RWMutex
	limit       int
	events      []autoscaler.ScalingEvent
	validations []ValidationRecord
}

// NewMemory returns a store keeping at most limit records of each kind.
// limit <= 0 uses DefaultMemoryLimit.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{limit: limit}
}

func (m *Memory) Save(_ context.Context, e autoscaler.ScalingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = appendBounded(m.events, e, m.limit)
	return nil
}

func (m *Memory) SaveValidation(_ context.Context, r ValidationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations = appendBounded(m.validations, r, m.limit)
	return nil
}

// ScalingEvents returns up to limit most recent events, oldest first.
// limit <= 0 returns everything held.
func (m *Memory) ScalingEvents(limit int) []autoscaler.ScalingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.events, limit)
}

// Validations returns up to limit most recent records, oldest first.
func (m *Memory) Validations(limit int) []ValidationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.validations, limit)
}

// LatestValidation returns the newest record, if any.
func (m *Memory) LatestValidation() (ValidationRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.validations) == 0 {
		return ValidationRecord{}, false
	}
	return m.validations[len(m.validations)-1], true
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}

func tail[T any](s []T, limit int) []T {
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	out := make([]T, limit)
	copy(out, s[len(s)-limit:])
	return out
}
