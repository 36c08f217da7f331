package tool

import (
	"slices"
	"sync"
	"time"
)

// defaultWindowSize is the number of recent calls kept per tool.
const defaultWindowSize = 100

// Stats is a point-in-time view of a tool's recent call performance.
type Stats struct {
	Name      string  `json:"name"`
	Source    string  `json:"source"`
	Calls     int     `json:"calls"`
	P50Ms     int64   `json:"p50_ms"`
	P99Ms     int64   `json:"p99_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// sample is one recorded call.
type sample struct {
	latencyMs int64
	failed    bool
}

// rollingWindow keeps the last size calls of a tool in a ring buffer.
// All methods are safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []sample
	pos     int // next write position
	count   int // total calls recorded, may exceed len(samples)
}

// newRollingWindow creates a window with the given capacity. A size of 0 or
// less defaults to [defaultWindowSize].
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{samples: make([]sample, size)}
}

// Record adds one call, overwriting the oldest once the window is full.
func (w *rollingWindow) Record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = sample{latencyMs: d.Milliseconds(), failed: failed}
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

// window returns the meaningful samples, oldest first. Callers hold mu.
func (w *rollingWindow) window() []sample {
	if w.count < len(w.samples) {
		return slices.Clone(w.samples[:w.count])
	}
	out := make([]sample, 0, len(w.samples))
	out = append(out, w.samples[w.pos:]...)
	return append(out, w.samples[:w.pos]...)
}

// snapshot computes call count, P50, P99 and error rate in one pass.
func (w *rollingWindow) snapshot() (calls int, p50, p99 int64, errRate float64) {
	w.mu.Lock()
	samples := w.window()
	calls = w.count
	w.mu.Unlock()

	if len(samples) == 0 {
		return calls, 0, 0, 0
	}
	latencies := make([]int64, len(samples))
	failed := 0
	for i, s := range samples {
		latencies[i] = s.latencyMs
		if s.failed {
			failed++
		}
	}
	slices.Sort(latencies)
	p50 = latencies[len(latencies)/2]
	p99 = latencies[int(float64(len(latencies)-1)*0.99)]
	return calls, p50, p99, float64(failed) / float64(len(samples))
}
