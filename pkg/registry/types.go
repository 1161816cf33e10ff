package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateWorker     = errors.New("worker already registered")
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrNoWorkerAvailable   = errors.New("no worker available")
	ErrReleaseWithoutAdmit = errors.New("release without matching admit")

	// ErrCapabilityMismatch means no registered worker can satisfy the
	// requirements at all, as opposed to every compatible worker being busy
	// or disabled. It also matches ErrNoWorkerAvailable under errors.Is.
	ErrCapabilityMismatch = fmt.Errorf("%w: no worker matches requirements", ErrNoWorkerAvailable)
)

// WorkerConfig is fixed at registration.
type WorkerConfig struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	Capabilities     []string `json:"capabilities" yaml:"capabilities"`
	MaxConcurrent    int      `json:"maxConcurrent" yaml:"maxConcurrent"`
	MaxTokens        int      `json:"maxTokens" yaml:"maxTokens"`
	Priority         int      `json:"priority" yaml:"priority"`
	RequiresHardware bool     `json:"requiresHardware" yaml:"requiresHardware"`
	// Enabled is the desired state at startup. Register always starts a
	// worker disabled; hosts bring it up with SetLoaded and SetEnabled.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Validate reports the first problem with c.
func (c WorkerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("worker id is required")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("worker %s: maxConcurrent must be positive", c.ID)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("worker %s: maxTokens must not be negative", c.ID)
	}
	return nil
}

// Requirements narrows selection. Zero values mean "no constraint".
type Requirements struct {
	Capability       string `json:"capability,omitempty"`
	MinTokens        int    `json:"minTokens,omitempty"`
	RequiresHardware bool   `json:"requiresHardware,omitempty"`
}

// Outcome describes a finished unit of work passed to Release.
type Outcome struct {
	Latency time.Duration
	Tokens  int
	Err     error
}

// WorkerState is a point-in-time copy of a worker's config and runtime state.
type WorkerState struct {
	Config         WorkerConfig  `json:"config"`
	Enabled        bool          `json:"enabled"`
	Loaded         bool          `json:"loaded"`
	ActiveRequests int           `json:"activeRequests"`
	TotalRequests  int64         `json:"totalRequests"`
	TotalTokens    int64         `json:"totalTokens"`
	TotalErrors    int64         `json:"totalErrors"`
	AvgLatency     time.Duration `json:"avgLatency"`
	LastUsed       time.Time     `json:"lastUsed"`
}

// Utilization is the fraction of the concurrency ceiling in use.
func (s WorkerState) Utilization() float64 {
	if s.Config.MaxConcurrent <= 0 {
		return 0
	}
	return float64(s.ActiveRequests) / float64(s.Config.MaxConcurrent)
}

// HardwareProbe reports whether specialised hardware is present. Workers
// that require it are only eligible while the probe says yes.
type HardwareProbe interface {
	HardwareAvailable() bool
}

// StaticProbe is a HardwareProbe with a fixed answer.
type StaticProbe bool

func (p StaticProbe) HardwareAvailable() bool { return bool(p) }
