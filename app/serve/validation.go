package serve

import (
	"context"
	"runtime"

	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/store"
	"github.com/canopy-network/modelserve/pkg/telemetry"
	"github.com/canopy-network/modelserve/pkg/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunValidation checks the pool's current behaviour in window against
// criteria, stores the result and emits it.
func (a *App) RunValidation(ctx context.Context, criteria validation.Criteria, window metrics.Window) store.ValidationRecord {
	stats := a.Metrics.Stats(window)
	_, slots, active := a.Registry.Capacity()
	var utilization float64
	if slots > 0 {
		utilization = float64(active) / float64(slots)
	}

	result := validation.Validate(criteria, validation.MeasurementsFromStats(stats, utilization, processMemoryMB()))
	rec := store.ValidationRecord{
		ID:         uuid.NewString(),
		ResourceID: a.Config.ResourceID,
		Timestamp:  a.clock.Now(),
		Result:     result,
	}

	if err := a.Sink.SaveValidation(ctx, rec); err != nil {
		a.Logger.Warn("Failed to persist validation result", zap.String("id", rec.ID), zap.Error(err))
	}
	a.Emitter.Emit(ctx, telemetry.Event{
		Kind:     telemetry.KindValidationCompleted,
		Resource: rec.ResourceID,
		Time:     rec.Timestamp,
		Attrs: map[string]any{
			"id":              rec.ID,
			"score":           result.OverallScore,
			"success":         result.Success,
			"samples":         stats.Count,
			"recommendations": len(result.Recommendations),
		},
	})
	return rec
}

// processMemoryMB is the memory obtained from the OS by this process.
func processMemoryMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1 << 20)
}
