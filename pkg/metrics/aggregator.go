package metrics

import (
	"iter"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultCapacity = 10000
	DefaultWindow   = 60 * time.Second
)

// Aggregator is a fixed-capacity ring buffer of Samples. Once full, each
// Record evicts the oldest sample. All methods are safe for concurrent use.
type Aggregator struct {
	mu     sync.RWMutex
	buf    []Sample
	head   int // index of the oldest sample
	size   int
	window time.Duration
	clock  clock.PassiveClock
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithCapacity sets the ring buffer size. Values <= 0 are ignored.
func WithCapacity(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.buf = make([]Sample, n)
		}
	}
}

// WithWindow sets the trailing window used when Stats is called without bounds.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// NewAggregator returns an empty Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		buf:    make([]Sample, DefaultCapacity),
		window: DefaultWindow,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capacity returns the ring buffer size.
func (a *Aggregator) Capacity() int { return len(a.buf) }

// Window returns the default trailing window.
func (a *Aggregator) Window() time.Duration { return a.window }

// Len returns the number of retained samples.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// Record appends s, stamping it with the current time when Timestamp is zero.
func (a *Aggregator) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = a.clock.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size < len(a.buf) {
		a.buf[(a.head+a.size)%len(a.buf)] = s
		a.size++
		return
	}
	a.buf[a.head] = s
	a.head = (a.head + 1) % len(a.buf)
}

// Samples returns a copy of the retained samples in insertion order.
func (a *Aggregator) Samples() []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() []Sample {
	out := make([]Sample, a.size)
	for i := 0; i < a.size; i++ {
		out[i] = a.buf[(a.head+i)%len(a.buf)]
	}
	return out
}

// Prune drops every sample with a timestamp before cutoff and returns how
// many were removed. Surviving samples keep their relative order.
func (a *Aggregator) Prune(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := make([]Sample, 0, a.size)
	for i := 0; i < a.size; i++ {
		s := a.buf[(a.head+i)%len(a.buf)]
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := a.size - len(kept)
	if removed == 0 {
		return 0
	}

	clear(a.buf)
	copy(a.buf, kept)
	a.head = 0
	a.size = len(kept)
	return removed
}

// resolve fills in missing window bounds.
func (a *Aggregator) resolve(w Window) Window {
	if w.End.IsZero() {
		w.End = a.clock.Now()
	}
	if w.Start.IsZero() || !w.Start.Before(w.End) {
		w.Start = w.End.Add(-a.window)
	}
	return w
}

func (a *Aggregator) collect(w Window) []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Sample, 0, a.size)
	for i := 0; i < a.size; i++ {
		s := a.buf[(a.head+i)%len(a.buf)]
		if w.WorkerID != "" && s.WorkerID != w.WorkerID {
			continue
		}
		if s.Timestamp.Before(w.Start) || s.Timestamp.After(w.End) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Stats computes the summary for w. An empty window yields zero values.
func (a *Aggregator) Stats(w Window) Stats {
	w = a.resolve(w)
	st := summarize(a.collect(w), w.End.Sub(w.Start))
	st.WindowStart = w.Start
	st.WindowEnd = w.End
	return st
}

func summarize(samples []Sample, span time.Duration) Stats {
	st := Stats{Count: len(samples)}
	if len(samples) == 0 {
		return st
	}

	latencies := make([]time.Duration, len(samples))
	var sum time.Duration
	for i, s := range samples {
		latencies[i] = s.Latency
		sum += s.Latency
		st.TotalTokens += int64(s.Tokens)
		if !s.Success {
			st.Errors++
		}
	}
	slices.Sort(latencies)

	n := len(latencies)
	st.AvgLatency = sum / time.Duration(n)
	st.MinLatency = latencies[0]
	st.MaxLatency = latencies[n-1]
	st.P50 = Percentile(latencies, 0.50)
	st.P95 = Percentile(latencies, 0.95)
	st.P99 = Percentile(latencies, 0.99)
	st.ErrorRate = float64(st.Errors) / float64(n)
	st.SuccessRate = 1 - st.ErrorRate
	if span > 0 {
		st.Throughput = float64(n) / span.Seconds()
	}
	return st
}

// Trend splits w into buckets of the given size, starting at w.Start. The
// returned sequence works on a snapshot taken now, so it is finite and can
// be ranged over any number of times with identical results.
func (a *Aggregator) Trend(w Window, bucket time.Duration) iter.Seq[TrendBucket] {
	w = a.resolve(w)
	if bucket <= 0 {
		bucket = w.End.Sub(w.Start)
	}
	samples := a.collect(w)
	slices.SortStableFunc(samples, func(x, y Sample) int {
		return x.Timestamp.Compare(y.Timestamp)
	})

	return func(yield func(TrendBucket) bool) {
		i := 0
		for start := w.Start; start.Before(w.End); start = start.Add(bucket) {
			end := start.Add(bucket)
			j := i
			last := !end.Before(w.End)
			for j < len(samples) && (last || samples[j].Timestamp.Before(end)) {
				j++
			}
			st := summarize(samples[i:j], bucket)
			i = j
			tb := TrendBucket{
				Start:      start,
				End:        end,
				Count:      st.Count,
				AvgLatency: st.AvgLatency,
				P95:        st.P95,
				Throughput: st.Throughput,
				ErrorRate:  st.ErrorRate,
			}
			if !yield(tb) {
				return
			}
		}
	}
}
