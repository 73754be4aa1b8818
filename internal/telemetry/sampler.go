package telemetry

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Sample is one tick's perf snapshot (§4.11).
type Sample struct {
	At            time.Time
	TickDuration  time.Duration
	DrainDuration time.Duration
	RouteDuration time.Duration
	WorkDuration  time.Duration
	FlushDuration time.Duration
	QueueDepthTotal int
	DroppedTotal    uint64
	PerAgentCPU     map[string]float64
	PerAgentRSS     map[string]uint64
}

// Ring is a fixed-size, retention-bounded perf sample buffer (§4.11:
// "no retention beyond the last N samples, default 300"). Consumers
// reading via get_runtime_perf receive the current ring contents.
type Ring struct {
	mu     sync.Mutex
	buf    []Sample
	cap    int
	cursor int
	filled bool
}

// NewRing constructs a Ring retaining up to capacity samples.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]Sample, capacity), cap: capacity}
}

// Push appends s, overwriting the oldest sample once at capacity.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.cursor] = s
	r.cursor = (r.cursor + 1) % r.cap
	if r.cursor == 0 {
		r.filled = true
	}
}

// Snapshot returns every retained sample, oldest first.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]Sample, r.cursor)
		copy(out, r.buf[:r.cursor])
		return out
	}
	out := make([]Sample, r.cap)
	copy(out, r.buf[r.cursor:])
	copy(out[r.cap-r.cursor:], r.buf[:r.cursor])
	return out
}

// Sampler tracks one *process.Process handle per live agent label,
// caching it across ticks to avoid a repeated lookup-by-PID (§B.2).
type Sampler struct {
	mu      sync.Mutex
	handles map[string]*process.Process
	log     *zap.Logger
}

// NewSampler constructs a Sampler.
func NewSampler(log *zap.Logger) *Sampler {
	return &Sampler{handles: make(map[string]*process.Process), log: log}
}

// Sample returns the current CPU% and RSS for label's pid, creating (or
// replacing, if the pid changed) the cached process handle as needed.
func (s *Sampler) Sample(label string, pid int) (cpuPct float64, rssBytes uint64, ok bool) {
	s.mu.Lock()
	h, exists := s.handles[label]
	s.mu.Unlock()

	if !exists || int(h.Pid) != pid {
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			return 0, 0, false
		}
		s.mu.Lock()
		s.handles[label] = proc
		s.mu.Unlock()
		h = proc
	}

	cpu, err := h.CPUPercent()
	if err != nil {
		return 0, 0, false
	}
	mem, err := h.MemoryInfo()
	if err != nil || mem == nil {
		return cpu, 0, true
	}
	return cpu, mem.RSS, true
}

// Forget drops the cached handle for label once its agent has been
// reaped, so a future Sample call for a reused label looks up the new
// pid fresh.
func (s *Sampler) Forget(label string) {
	s.mu.Lock()
	delete(s.handles, label)
	s.mu.Unlock()
}
