// Package shutdown implements the Shutdown Orchestrator (C10): ordered
// per-agent stop/flush/shutdown sequencing with phase-level ACK
// timeouts, force-kill on grace expiry, and the orchestrator lifecycle
// breadcrumbs journaled at shutdown (§4.10).
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/segment"
)

// phases is the fixed stop/flush/shutdown command sequence (§4.2, §4.10).
var phases = []string{"stop", "flush", "shutdown"}

// Sinks is the subset of internal/sink's API the orchestrator writes
// breadcrumbs through.
type Sinks interface {
	evidence.Sinks
	AppendLifecycleEvent(kind string, at time.Time, payload any)
	Close() error
}

// Manager is the subset of agent.Manager the orchestrator drives.
type Manager interface {
	LiveLabels() []string
	Handle(label string) *agent.Handle
	MarkShuttingDown(label string) bool
	OnChildExit(label string, exitErr error)
}

// Tracker is the subset of segment.Tracker the orchestrator closes out.
type Tracker interface {
	ForceClose(now time.Time)
}

// Config holds the grace and phase-timeout parameters (§4.10: "Wait up
// to shutdown_grace_total... any missing ACK after its individual phase
// timeout").
type Config struct {
	GraceTotal   time.Duration
	PhaseTimeout time.Duration
}

// Summary reports what was observed during one shutdown run, journaled
// as orchestrator.shutdown_complete (§4.10).
type Summary struct {
	AgentCount      int `json:"agent_count"`
	SummariesSeen   int `json:"summaries_seen"`
	LogsSeen        int `json:"logs_seen"`
	AcksSeen        int `json:"acks_seen"`
	ForceKilled     int `json:"force_killed"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Orchestrator implements C10.
type Orchestrator struct {
	manager Manager
	tracker Tracker
	router  *evidence.Router
	sinks   Sinks
	log     *zap.Logger
	cfg     Config
}

// New constructs an Orchestrator. router is reused so summary/log/error
// envelopes observed while draining for an ACK are still classified and
// journaled exactly as they would be on the normal tick path (§8 S2:
// "final summary accepted into the journal if produced before the
// grace deadline").
func New(manager Manager, tracker Tracker, router *evidence.Router, sinks Sinks, log *zap.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{manager: manager, tracker: tracker, router: router, sinks: sinks, log: log, cfg: cfg}
}

// Run drives the full-runtime shutdown sequence across every currently
// running agent, then force-closes the open segment and flushes all
// sinks (§4.10). now is injected for deterministic testing.
func (o *Orchestrator) Run(ctx context.Context, now func() time.Time) (Summary, error) {
	start := now()
	labels := o.manager.LiveLabels()

	o.sinks.AppendLifecycleEvent("orchestrator.shutdown_initiated", start, map[string]any{
		"agent_count": len(labels),
	})

	var (
		mu          sync.Mutex
		summaries   int
		logs        int
		acks        int
		forceKilled int
	)
	deadline := start.Add(o.cfg.GraceTotal)

	var wg sync.WaitGroup
	for _, label := range labels {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			killed, sSeen, lSeen, aSeen := o.shutdownOne(ctx, label, now, deadline)
			mu.Lock()
			summaries += sSeen
			logs += lSeen
			acks += aSeen
			if killed {
				forceKilled++
			}
			mu.Unlock()
		}(label)
	}
	wg.Wait()

	o.tracker.ForceClose(now())

	summary := Summary{
		AgentCount:      len(labels),
		SummariesSeen:   summaries,
		LogsSeen:        logs,
		AcksSeen:        acks,
		ForceKilled:     forceKilled,
		DurationSeconds: now().Sub(start).Seconds(),
	}
	o.sinks.AppendLifecycleEvent("orchestrator.shutdown_complete", now(), summary)

	closeErr := o.sinks.Close()
	return summary, multierr.Append(nil, closeErr)
}

// shutdownOne runs the ordered command sequence for one agent, counting
// summary/log/ack envelopes observed along the way, then waits for exit
// up to the shared deadline before force-killing.
func (o *Orchestrator) shutdownOne(ctx context.Context, label string, now func() time.Time, deadline time.Time) (killed bool, summaries, logs, acks int) {
	h := o.manager.Handle(label)
	if h == nil {
		return false, 0, 0, 0
	}

	// Move the agent into shutting-down before driving any phase so
	// OnChildExit below takes the shutting-down -> inactive branch for a
	// cooperative exit instead of misreporting it as an unexpected
	// StateError (§4.3).
	o.manager.MarkShuttingDown(label)

	for _, phase := range phases {
		h.Send(protocol.AgentCommand{Cmd: phase, Timestamp: now()})

		phaseDeadline := now().Add(o.cfg.PhaseTimeout)
		if phaseDeadline.After(deadline) {
			phaseDeadline = deadline
		}
		sawAck := o.drainUntilAck(label, h, phase, phaseDeadline, &summaries, &logs, &acks)
		if !sawAck {
			o.log.Warn("shutdown phase ack not observed within timeout",
				zap.String("label", label), zap.String("phase", phase))
		}
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}

	exited := make(chan error, 1)
	go func() { exited <- h.WaitExit() }()

	select {
	case err := <-exited:
		o.manager.OnChildExit(label, err)
		return false, summaries, logs, acks
	case <-time.After(remaining):
		h.Kill()
		err := <-exited
		o.manager.OnChildExit(label, err)
		o.log.Warn("agent force-killed at shutdown grace expiry", zap.String("label", label))
		return true, summaries, logs, acks
	case <-ctx.Done():
		h.Kill()
		err := <-exited
		o.manager.OnChildExit(label, err)
		return true, summaries, logs, acks
	}
}

// drainUntilAck polls the handle's inbound queue until it sees an Ack
// envelope for phase, or phaseDeadline passes. Every envelope observed
// is routed exactly as the normal tick path would route it, so evidence
// is never lost to the shutdown path running outside the tick loop.
func (o *Orchestrator) drainUntilAck(label string, h *agent.Handle, phase string, phaseDeadline time.Time, summaries, logs, acks *int) bool {
	const pollInterval = 20 * time.Millisecond
	for {
		msgs := h.Drain(64)
		for _, env := range msgs {
			switch env.Type {
			case protocol.TypeSummary:
				*summaries++
			case protocol.TypeLog:
				*logs++
			case protocol.TypeAck:
				*acks++
			}
			o.router.Route(label, env, true)
			if env.Type == protocol.TypeAck && env.AckCommand == phase {
				return true
			}
		}
		if time.Now().After(phaseDeadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
