package autoscaler

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/canopy-network/modelserve/pkg/registry"
	"go.uber.org/zap"
)

// RegistryActuator scales by toggling worker availability in a Registry.
// Scaling up brings back the least recently used disabled workers; scaling
// down disables the least utilised enabled ones. In-flight requests on a
// disabled worker are left to finish.
type RegistryActuator struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func NewRegistryActuator(reg *registry.Registry, logger *zap.Logger) *RegistryActuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryActuator{registry: reg, logger: logger}
}

func (a *RegistryActuator) Instances(context.Context) (int, error) {
	enabled, _, _ := a.registry.Capacity()
	return enabled, nil
}

func (a *RegistryActuator) Scale(ctx context.Context, target int) (int, error) {
	snap := a.registry.Snapshot()
	var enabled, disabled []registry.WorkerState
	for _, w := range snap {
		if w.Enabled {
			enabled = append(enabled, w)
		} else {
			disabled = append(disabled, w)
		}
	}
	count := len(enabled)

	var errs []error
	switch {
	case target > count:
		// Snapshot is in registration order, so the stable sort breaks ties by it.
		slices.SortStableFunc(disabled, func(x, y registry.WorkerState) int {
			return x.LastUsed.Compare(y.LastUsed)
		})
		for _, w := range disabled {
			if count >= target || ctx.Err() != nil {
				break
			}
			if err := a.registry.SetLoaded(w.Config.ID, true); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := a.registry.SetEnabled(w.Config.ID, true); err != nil {
				errs = append(errs, err)
				continue
			}
			count++
			a.logger.Debug("Enabled worker", zap.String("worker", w.Config.ID))
		}
	case target < count:
		slices.SortStableFunc(enabled, func(x, y registry.WorkerState) int {
			if c := cmp.Compare(x.Utilization(), y.Utilization()); c != 0 {
				return c
			}
			return x.LastUsed.Compare(y.LastUsed)
		})
		for _, w := range enabled {
			if count <= target || ctx.Err() != nil {
				break
			}
			if err := a.registry.SetEnabled(w.Config.ID, false); err != nil {
				errs = append(errs, err)
				continue
			}
			count--
			a.logger.Debug("Disabled worker",
				zap.String("worker", w.Config.ID),
				zap.Int("in_flight", w.ActiveRequests))
		}
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return count, errors.Join(errs...)
}
