// Package evidence implements the Evidence Router (C4): it classifies
// incoming Agent JLP messages drained from every Agent Handle each
// tick and hands them to the Segment Tracker, Evidence Sinks, and
// Widget Bridge.
package evidence

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/protocol"
)

// SegmentTracker is the subset of the Segment Tracker's API the router
// drives. Defined here (not in package segment) to keep the router
// decoupled from the tracker's concrete type per §9's layering note.
type SegmentTracker interface {
	ObserveResettingEvent(label string, at time.Time)
}

// Sinks is the subset of the Evidence Sinks' API the router writes
// through.
type Sinks interface {
	AppendJournal(rec Record) error
	AppendLog(level protocol.LogLevel, label, message string)
}

// WidgetReceiver is the subset of the Widget Bridge's API the router
// forwards widget_frame envelopes to.
type WidgetReceiver interface {
	OnWidgetFrame(requestID string, env *protocol.Envelope)
}

// LifecycleObserver is the subset of the Manager's API the router
// drives on handshake/heartbeat/summary observation (§4.3, §4.4).
type LifecycleObserver interface {
	OnHandshake(label, agentID, protocolVersion string)
	OnHeartbeat(label string, at time.Time)
	OnSummary(label string, at time.Time)
}

// Record is one evidence-ledger line (§3 Evidence Record).
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Label     string          `json:"label,omitempty"`
	SegmentID string          `json:"segment_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MaxPerAgentDrain bounds how many messages a single agent may
// contribute per tick, preventing one chatty agent from starving
// others (§4.4 default 64).
const MaxPerAgentDrain = 64

// verbosityRank orders console_verbosity levels low-to-high so Router
// can filter log records against the configured threshold (§4.4).
var verbosityRank = map[protocol.LogLevel]int{
	protocol.LevelDebug:   0,
	protocol.LevelInfo:    1,
	protocol.LevelWarning: 2,
	protocol.LevelError:   3,
}

// Router is the Evidence Router (C4). It dispatches over the
// collaborators it was constructed with; the only agent state it keeps
// is each label's last reported health, so status records are journaled
// only when that health changes.
type Router struct {
	log              *zap.Logger
	segments         SegmentTracker
	sinks            Sinks
	widgets          WidgetReceiver
	lifecycle        LifecycleObserver
	consoleThreshold protocol.LogLevel

	agentHealthy map[string]bool
}

// NewRouter constructs a Router.
func NewRouter(log *zap.Logger, segments SegmentTracker, sinks Sinks, widgets WidgetReceiver, lifecycle LifecycleObserver, consoleThreshold protocol.LogLevel) *Router {
	return &Router{
		log:              log,
		segments:         segments,
		sinks:            sinks,
		widgets:          widgets,
		lifecycle:        lifecycle,
		consoleThreshold: consoleThreshold,
		agentHealthy:     make(map[string]bool),
	}
}

// SetConsoleThreshold updates the console_verbosity filter, applied by
// SIGHUP reload or update_monitor_settings (§A.2).
func (r *Router) SetConsoleThreshold(level protocol.LogLevel) {
	r.consoleThreshold = level
}

// Route dispatches one envelope received from label per the §4.4
// classification table. resetsCooldown is the agent's configured
// resets_cooldown flag (default true).
func (r *Router) Route(label string, env *protocol.Envelope, resetsCooldown bool) {
	switch env.Type {
	case protocol.TypeHandshake:
		r.lifecycle.OnHandshake(label, env.AgentID, env.ProtocolVersion)
		r.sinks.AppendJournal(Record{Timestamp: env.Timestamp, Kind: "handshake", Label: label, Payload: env.Data})

	case protocol.TypeSummary:
		r.lifecycle.OnSummary(label, env.Timestamp)
		var data protocol.SummaryData
		_ = json.Unmarshal(env.Data, &data)
		if resetsCooldown && data.ActivitySignal.IsActive() {
			r.segments.ObserveResettingEvent(label, env.Timestamp)
		}
		r.sinks.AppendJournal(Record{Timestamp: env.Timestamp, Kind: "summary", Label: label, Payload: env.Data})

	case protocol.TypeHeartbeat:
		r.lifecycle.OnHeartbeat(label, env.Timestamp)
		// Never journaled (§4.4).

	case protocol.TypeStatus:
		var data protocol.StatusData
		_ = json.Unmarshal(env.Data, &data)
		prev, known := r.agentHealthy[label]
		r.agentHealthy[label] = data.Healthy
		if !known || prev != data.Healthy {
			r.sinks.AppendJournal(Record{Timestamp: env.Timestamp, Kind: "status", Label: label, Payload: env.Data})
		}

	case protocol.TypeError:
		r.sinks.AppendJournal(Record{Timestamp: env.Timestamp, Kind: "error", Label: label, Payload: env.Data})

	case protocol.TypeAck:
		// Correlation with a pending shutdown-phase or command waiter
		// happens in the Shutdown Orchestrator, which observes Ack
		// envelopes via its own drain of the same
		// handle; the router's role here is limited to journaling for
		// audit purposes when an ack carries a request_id.
		if env.RequestID != "" {
			r.sinks.AppendJournal(Record{Timestamp: env.Timestamp, Kind: "ack", Label: label, Payload: env.Data})
		}

	case protocol.TypeLog:
		if verbosityRank[env.Level] >= verbosityRank[r.consoleThreshold] {
			r.sinks.AppendLog(env.Level, label, env.Message)
		}

	case protocol.TypeWidgetFrame:
		r.widgets.OnWidgetFrame(env.RequestID, env)
	}
}

// DrainAndRoute drains up to MaxPerAgentDrain messages from h and
// routes each one, returning the count processed. This is the entry
// point the runtime tick calls once per agent per tick.
func (r *Router) DrainAndRoute(label string, h *agent.Handle, resetsCooldown bool) int {
	msgs := h.Drain(MaxPerAgentDrain)
	for _, env := range msgs {
		r.Route(label, env, resetsCooldown)
	}
	return len(msgs)
}
