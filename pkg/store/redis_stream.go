package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/canopy-network/modelserve/pkg/autoscaler"
)

const (
	ScalingStream    = "scaling_events"
	ValidationStream = "validation_results"
)

// StreamWriter appends entries to a stream. *redis.Client satisfies it.
type StreamWriter interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// RedisStream appends records to two streams under a key prefix.
type RedisStream struct {
	w      StreamWriter
	prefix string
}

func NewRedisStream(w StreamWriter, prefix string) *RedisStream {
	return &RedisStream{w: w, prefix: prefix}
}

func (s *RedisStream) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + ":" + name
}

func (s *RedisStream) Save(ctx context.Context, e autoscaler.ScalingEvent) error {
	if _, err := s.w.XAdd(ctx, s.key(ScalingStream), scalingEventValues(e)); err != nil {
		return fmt.Errorf("append scaling event %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStream) SaveValidation(ctx context.Context, r ValidationRecord) error {
	values, err := validationValues(r)
	if err != nil {
		return err
	}
	if _, err := s.w.XAdd(ctx, s.key(ValidationStream), values); err != nil {
		return fmt.Errorf("append validation %s: %w", r.ID, err)
	}
	return nil
}

// scalingEventValues flattens an event into stream fields.
func scalingEventValues(e autoscaler.ScalingEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":          e.ID,
		"resource_id": e.ResourceID,
		"rule":        e.Rule,
		"metric":      string(e.Metric),
		"value":       strconv.FormatFloat(e.Value, 'f', -1, 64),
		"action":      string(e.Action),
		"before":      strconv.Itoa(e.Before),
		"after":       strconv.Itoa(e.After),
		"cost_delta":  strconv.FormatFloat(e.CostDelta, 'f', -1, 64),
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// validationValues keeps the headline numbers as fields and the full
// result as JSON.
func validationValues(r ValidationRecord) (map[string]interface{}, error) {
	body, err := json.Marshal(r.Result)
	if err != nil {
		return nil, fmt.Errorf("encode validation %s: %w", r.ID, err)
	}
	return map[string]interface{}{
		"id":          r.ID,
		"resource_id": r.ResourceID,
		"score":       strconv.FormatFloat(r.Result.OverallScore, 'f', -1, 64),
		"success":     strconv.FormatBool(r.Result.Success),
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
		"result":      string(body),
	}, nil
}
