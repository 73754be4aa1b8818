// Package runtime implements the single tick thread that owns every
// C3/C4/C5/C9 state mutation (§5: "the runtime tick thread owns all
// state mutations"). Every other component either reacts to what the
// tick calls into it, or exposes read-only snapshots the Command Bridge
// Server reads from a different goroutine.
package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/actionqueue"
	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/config"
	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/segment"
	"github.com/mimolo/operations/internal/telemetry"
	"github.com/mimolo/operations/internal/widget"
)

// Runtime drives one poll_tick_s-spaced loop over every live agent.
type Runtime struct {
	cfgStore *config.Store
	manager  *agent.Manager
	router   *evidence.Router
	tracker  *segment.Tracker
	queue    *actionqueue.Queue
	wbridge  *widget.Bridge
	sampler  *telemetry.Sampler
	ring     *telemetry.Ring
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

// New constructs a Runtime from its fully-wired collaborators.
func New(cfgStore *config.Store, manager *agent.Manager, router *evidence.Router, tracker *segment.Tracker, queue *actionqueue.Queue, wbridge *widget.Bridge, sampler *telemetry.Sampler, ring *telemetry.Ring, metrics *telemetry.Metrics, log *zap.Logger) *Runtime {
	return &Runtime{
		cfgStore: cfgStore,
		manager:  manager,
		router:   router,
		tracker:  tracker,
		queue:    queue,
		wbridge:  wbridge,
		sampler:  sampler,
		ring:     ring,
		metrics:  metrics,
		log:      log,
	}
}

// Run executes the tick loop until ctx is cancelled. The tick interval
// re-reads the live config every iteration so a poll_tick_s hot-reload
// (§A.2) takes effect on the next tick without a restart.
func (r *Runtime) Run(ctx context.Context) {
	interval := r.cfgStore.Current().Monitor.PollTick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now)

			if next := r.cfgStore.Current().Monitor.PollTick(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (r *Runtime) tick(now time.Time) {
	start := time.Now()
	cfg := r.cfgStore.Current()
	r.router.SetConsoleThreshold(protocol.LogLevel(cfg.Monitor.ConsoleVerbosity))
	r.tracker.SetCooldown(cfg.Monitor.CooldownDuration())

	resetsCooldown := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		resetsCooldown[a.Label] = a.ResetsCooldownDefault()
	}

	for _, label := range r.manager.Labels() {
		h := r.manager.Handle(label)
		if h == nil {
			continue
		}

		resets, ok := resetsCooldown[label]
		if !ok {
			resets = true
		}
		r.router.DrainAndRoute(label, h, resets)

		select {
		case <-h.ReaderDone():
			err := h.WaitExit()
			r.manager.OnChildExit(label, err)
		default:
		}
	}

	r.manager.CheckHeartbeats(now)
	r.tracker.Tick(now)
	r.wbridge.Sweep(now)

	for _, action := range r.queue.DrainAll() {
		actionqueue.Run(action)
	}

	r.sampleTick(now, start)
}

// sampleTick refreshes each live agent's CPU%/RSS (§4.11, §B.2) and
// records one perf Sample into the ring.
func (r *Runtime) sampleTick(now, start time.Time) {
	perAgentCPU := make(map[string]float64)
	perAgentRSS := make(map[string]uint64)
	var droppedTotal uint64

	for _, label := range r.manager.Labels() {
		h := r.manager.Handle(label)
		if h == nil {
			r.sampler.Forget(label)
			continue
		}
		_, dropped, _, _, _, _ := h.Metrics()
		droppedTotal += dropped
		cpu, rss, ok := r.sampler.Sample(label, h.ProcessID())
		if !ok {
			continue
		}
		h.SetResourceSample(cpu, rss)
		perAgentCPU[label] = cpu
		perAgentRSS[label] = rss
		if r.metrics != nil {
			r.metrics.AgentCPUPercent.WithLabelValues(label).Set(cpu)
			r.metrics.AgentRSSBytes.WithLabelValues(label).Set(float64(rss))
		}
	}

	tickDuration := time.Since(start)
	r.ring.Push(telemetry.Sample{
		At:              now,
		TickDuration:    tickDuration,
		QueueDepthTotal: r.queueDepthTotal(),
		DroppedTotal:    droppedTotal,
		PerAgentCPU:     perAgentCPU,
		PerAgentRSS:     perAgentRSS,
	})

	if r.metrics != nil {
		r.metrics.TickDurationSeconds.Observe(tickDuration.Seconds())
		r.metrics.AgentsRunning.Set(float64(len(r.manager.LiveLabels())))
	}
}

func (r *Runtime) queueDepthTotal() int {
	total := 0
	for _, label := range r.manager.Labels() {
		if s, ok := r.manager.Snapshot(label); ok {
			total += s.QueueDepth
		}
	}
	return total
}
