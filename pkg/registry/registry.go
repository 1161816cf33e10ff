package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/telemetry"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// latencyAlpha weights the newest sample in the rolling average latency.
const latencyAlpha = 0.2

type worker struct {
	cfg  WorkerConfig
	seq  uint64
	caps map[string]struct{}

	enabled atomic.Bool
	loaded  atomic.Bool
	active  atomic.Int64

	mu            sync.Mutex
	totalRequests int64
	totalTokens   int64
	totalErrors   int64
	avgLatency    time.Duration
	lastUsed      time.Time
}

func (w *worker) state() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerState{
		Config:         w.cfg,
		Enabled:        w.enabled.Load(),
		Loaded:         w.loaded.Load(),
		ActiveRequests: int(w.active.Load()),
		TotalRequests:  w.totalRequests,
		TotalTokens:    w.totalTokens,
		TotalErrors:    w.totalErrors,
		AvgLatency:     w.avgLatency,
		LastUsed:       w.lastUsed,
	}
}

// tryAdmit increments active if the worker is serving and below its ceiling.
func (w *worker) tryAdmit() bool {
	limit := int64(w.cfg.MaxConcurrent)
	for {
		if !w.enabled.Load() || !w.loaded.Load() {
			return false
		}
		cur := w.active.Load()
		if cur >= limit {
			return false
		}
		if w.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// tryRelease decrements active, never below zero.
func (w *worker) tryRelease() bool {
	for {
		cur := w.active.Load()
		if cur <= 0 {
			return false
		}
		if w.active.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Registry is the catalog of workers and the only writer of their state.
type Registry struct {
	workers *xsync.Map[string, *worker]
	seq     atomic.Uint64
	metrics *metrics.Aggregator
	probe   HardwareProbe
	emitter telemetry.Emitter
	clock   clock.PassiveClock
	logger  *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithHardwareProbe(p HardwareProbe) Option {
	return func(r *Registry) { r.probe = p }
}

func WithEmitter(e telemetry.Emitter) Option {
	return func(r *Registry) { r.emitter = telemetry.OrNop(e) }
}

func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// New returns an empty Registry that records completed work into agg.
// Without a probe, hardware is reported unavailable.
func New(agg *metrics.Aggregator, opts ...Option) *Registry {
	if agg == nil {
		agg = metrics.NewAggregator()
	}
	r := &Registry{
		workers: xsync.NewMap[string, *worker](),
		metrics: agg,
		probe:   StaticProbe(false),
		emitter: telemetry.Nop{},
		clock:   clock.RealClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.probe == nil {
		r.probe = StaticProbe(false)
	}
	return r
}

// Metrics returns the aggregator Release records into.
func (r *Registry) Metrics() *metrics.Aggregator { return r.metrics }

// Register adds a worker in the disabled, unloaded state.
func (r *Registry) Register(cfg WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w := &worker{
		cfg:  cfg,
		caps: make(map[string]struct{}, len(cfg.Capabilities)),
	}
	w.cfg.Capabilities = slices.Clone(cfg.Capabilities)
	for _, c := range cfg.Capabilities {
		w.caps[c] = struct{}{}
	}
	w.seq = r.seq.Add(1)

	if _, loaded := r.workers.LoadOrStore(cfg.ID, w); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, cfg.ID)
	}

	r.logger.Info("Registered worker",
		zap.String("worker", cfg.ID),
		zap.Strings("capabilities", cfg.Capabilities),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Int("priority", cfg.Priority))
	r.emitter.Emit(context.Background(), telemetry.Event{
		Kind:     telemetry.KindWorkerRegistered,
		Resource: cfg.ID,
		Time:     r.clock.Now(),
		Attrs: map[string]any{
			"capabilities":  cfg.Capabilities,
			"maxConcurrent": cfg.MaxConcurrent,
			"priority":      cfg.Priority,
		},
	})
	return nil
}

func (r *Registry) get(id string) (*worker, error) {
	w, ok := r.workers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return w, nil
}

// SetEnabled toggles availability. Requests already admitted keep running.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	w, err := r.get(id)
	if err != nil {
		return err
	}
	if w.enabled.Swap(enabled) == enabled {
		return nil
	}
	r.logger.Info("Worker availability changed", zap.String("worker", id), zap.Bool("enabled", enabled))
	r.emitter.Emit(context.Background(), telemetry.Event{
		Kind:     telemetry.KindWorkerToggled,
		Resource: id,
		Time:     r.clock.Now(),
		Attrs:    map[string]any{"enabled": enabled},
	})
	return nil
}

// SetLoaded marks the worker's model as resident or evicted.
func (r *Registry) SetLoaded(id string, loaded bool) error {
	w, err := r.get(id)
	if err != nil {
		return err
	}
	w.loaded.Store(loaded)
	return nil
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (WorkerState, error) {
	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, err
	}
	return w.state(), nil
}

// Snapshot returns every worker in registration order.
func (r *Registry) Snapshot() []WorkerState {
	ws := r.ordered()
	out := make([]WorkerState, len(ws))
	for i, w := range ws {
		out[i] = w.state()
	}
	return out
}

func (r *Registry) ordered() []*worker {
	ws := make([]*worker, 0, r.workers.Size())
	r.workers.Range(func(_ string, w *worker) bool {
		ws = append(ws, w)
		return true
	})
	slices.SortFunc(ws, func(a, b *worker) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return ws
}

func (r *Registry) compatible(w *worker, req Requirements, hardware bool) bool {
	if req.Capability != "" {
		if _, ok := w.caps[req.Capability]; !ok {
			return false
		}
	}
	// MaxTokens 0 means unbounded
	if req.MinTokens > 0 && w.cfg.MaxTokens > 0 && w.cfg.MaxTokens < req.MinTokens {
		return false
	}
	if req.RequiresHardware && !w.cfg.RequiresHardware {
		return false
	}
	if w.cfg.RequiresHardware && !hardware {
		return false
	}
	return true
}

type candidate struct {
	w      *worker
	active int64
}

// candidates returns the admissible workers for req, best first: highest
// priority, then fewest active requests, then registration order.
func (r *Registry) candidates(req Requirements) ([]candidate, error) {
	hardware := r.probe.HardwareAvailable()

	var matched int
	out := make([]candidate, 0, r.workers.Size())
	r.workers.Range(func(_ string, w *worker) bool {
		if !r.compatible(w, req, hardware) {
			return true
		}
		matched++
		if !w.enabled.Load() || !w.loaded.Load() {
			return true
		}
		active := w.active.Load()
		if active >= int64(w.cfg.MaxConcurrent) {
			return true
		}
		out = append(out, candidate{w: w, active: active})
		return true
	})

	if matched == 0 {
		return nil, fmt.Errorf("%w (capability=%q minTokens=%d hardware=%t)",
			ErrCapabilityMismatch, req.Capability, req.MinTokens, req.RequiresHardware)
	}
	if len(out) == 0 {
		return nil, ErrNoWorkerAvailable
	}

	slices.SortFunc(out, func(a, b candidate) int {
		if c := cmp.Compare(b.w.cfg.Priority, a.w.cfg.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(a.active, b.active); c != 0 {
			return c
		}
		return cmp.Compare(a.w.seq, b.w.seq)
	})
	return out, nil
}

// Select returns the worker that would be chosen for req right now, without
// admitting anything.
func (r *Registry) Select(req Requirements) (WorkerConfig, error) {
	cs, err := r.candidates(req)
	if err != nil {
		return WorkerConfig{}, err
	}
	return cs[0].w.cfg, nil
}

// Admit reserves one slot on the worker. It fails with ErrNoWorkerAvailable
// when the worker is disabled, unloaded or at its ceiling.
func (r *Registry) Admit(id string) error {
	w, err := r.get(id)
	if err != nil {
		return err
	}
	if !w.tryAdmit() {
		return fmt.Errorf("%w: %s is at capacity or offline", ErrNoWorkerAvailable, id)
	}
	return nil
}

// Release frees a slot taken by Admit, records a Sample and updates the
// worker's rolling stats.
func (r *Registry) Release(id string, out Outcome) error {
	w, err := r.get(id)
	if err != nil {
		return err
	}
	if !w.tryRelease() {
		r.logger.Error("Release without admit", zap.String("worker", id))
		return fmt.Errorf("%w: %s", ErrReleaseWithoutAdmit, id)
	}

	now := r.clock.Now()
	success := out.Err == nil

	w.mu.Lock()
	w.totalRequests++
	w.totalTokens += int64(out.Tokens)
	if !success {
		w.totalErrors++
	}
	if w.totalRequests == 1 {
		w.avgLatency = out.Latency
	} else {
		w.avgLatency = time.Duration(latencyAlpha*float64(out.Latency) + (1-latencyAlpha)*float64(w.avgLatency))
	}
	w.lastUsed = now
	w.mu.Unlock()

	r.metrics.Record(metrics.Sample{
		Timestamp: now,
		Latency:   out.Latency,
		Tokens:    out.Tokens,
		WorkerID:  id,
		Success:   success,
	})
	return nil
}

// Acquire selects and admits in one step. If the best candidate fills up
// between selection and admission, the next one is tried.
func (r *Registry) Acquire(req Requirements) (*Lease, error) {
	cs, err := r.candidates(req)
	if err != nil {
		return nil, err
	}
	for _, c := range cs {
		if c.w.tryAdmit() {
			return &Lease{registry: r, worker: c.w.cfg, start: r.clock.Now()}, nil
		}
	}
	return nil, ErrNoWorkerAvailable
}

// WorkerStats returns the worker's state with its windowed sample stats.
func (r *Registry) WorkerStats(id string, window metrics.Window) (WorkerState, metrics.Stats, error) {
	w, err := r.get(id)
	if err != nil {
		return WorkerState{}, metrics.Stats{}, err
	}
	window.WorkerID = id
	return w.state(), r.metrics.Stats(window), nil
}

// Capacity sums enabled workers and their concurrency limits and current load.
func (r *Registry) Capacity() (enabled int, slots int, active int) {
	r.workers.Range(func(_ string, w *worker) bool {
		if w.enabled.Load() {
			enabled++
			slots += w.cfg.MaxConcurrent
		}
		active += int(w.active.Load())
		return true
	})
	return enabled, slots, active
}

// Lease is one admitted slot. Release is idempotent, only the first call
// has an effect.
type Lease struct {
	registry *Registry
	worker   WorkerConfig
	start    time.Time
	once     sync.Once
	err      error
}

// Worker is the config of the admitted worker.
func (l *Lease) Worker() WorkerConfig { return l.worker }

// Started is when the slot was admitted.
func (l *Lease) Started() time.Time { return l.start }

// Release frees the slot and records out.
func (l *Lease) Release(out Outcome) error {
	l.once.Do(func() {
		l.err = l.registry.Release(l.worker.ID, out)
	})
	return l.err
}
