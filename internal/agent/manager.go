package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/protocol"
)

// DefaultHandshakeTimeout and DefaultShutdownGrace mirror §4.3/§4.10.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultShutdownGrace    = 10 * time.Second
	DegradedHeartbeatFactor = 2
)

// TrustRoots is the set of directories an agent's executable must
// resolve under, post-symlink (§3, §4.3).
type TrustRoots struct {
	WorkspaceAgentsDir     string
	InstalledPluginsAgentsDir string
}

// ErrPolicyViolation is returned when an executable path does not
// resolve under any configured trust root.
var ErrPolicyViolation = fmt.Errorf("policy_violation")

// resolveUnderRoot resolves path's symlinks and checks containment
// under root (also symlink-resolved, so a trust root that is itself a
// symlink still matches).
func resolveUnderRoot(path, root string) (string, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Fall back to the lexical absolute path — EvalSymlinks fails
		// for a path that does not exist yet (caller checks existence
		// separately via Spawn's os.Stat).
		resolvedPath = absPath
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		resolvedRoot = absRoot
	}

	rel, err := filepath.Rel(resolvedRoot, resolvedPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return resolvedPath, true
}

// CheckTrustedRoot implements the §4.3 trusted-root policy: executable
// (or, if empty, the first arg) must resolve under one of roots.
func CheckTrustedRoot(executable string, args []string, roots TrustRoots) error {
	target := executable
	if target == "" && len(args) > 0 {
		target = args[0]
	}
	if target == "" {
		return ErrPolicyViolation
	}

	for _, root := range []string{roots.WorkspaceAgentsDir, roots.InstalledPluginsAgentsDir} {
		if root == "" {
			continue
		}
		if _, ok := resolveUnderRoot(target, root); ok {
			return nil
		}
	}
	return ErrPolicyViolation
}

// entry is the Manager's private bookkeeping for one label: the live
// Handle (nil when inactive/error with no process) plus lifecycle
// fields not owned by Handle itself.
type entry struct {
	mu      sync.Mutex
	cfg     Config
	handle  *Handle
	state   State
	detail  string
	agentID string
	protoVer string

	startedAt       time.Time
	lastHeartbeatAt time.Time
	lastSummaryAt   time.Time

	handshakeTimer *time.Timer
}

// Manager is the Agent Process Manager (C3): exclusive owner of every
// Agent Handle. Most mutation happens from the runtime tick thread; the
// handshake-timeout timer, the goroutine Stop starts, and the Shutdown
// Orchestrator also change entries, each under that entry's own lock.
type Manager struct {
	log   *zap.Logger
	roots TrustRoots

	stderrDir        string
	handshakeTimeout time.Duration
	shutdownGrace    time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	onTransition func(label string, from, to State, detail string)
}

// NewManager constructs a Manager. onTransition, if non-nil, is called
// synchronously on every state change, with the entry's lock held, from
// whichever goroutine made the change: the caller of a transition
// method, the handshake-timeout timer, or the goroutine Stop starts.
func NewManager(roots TrustRoots, stderrDir string, log *zap.Logger, onTransition func(label string, from, to State, detail string)) *Manager {
	return &Manager{
		log:              log,
		roots:            roots,
		stderrDir:        stderrDir,
		handshakeTimeout: DefaultHandshakeTimeout,
		shutdownGrace:    DefaultShutdownGrace,
		entries:          make(map[string]*entry),
		onTransition:     onTransition,
	}
}

func (m *Manager) getOrCreate(label string, cfg Config) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[label]
	if !ok {
		e = &entry{cfg: cfg, state: StateInactive}
		m.entries[label] = e
	}
	return e
}

func (m *Manager) transition(e *entry, label string, to State, detail string) {
	from := e.state
	e.state = to
	e.detail = detail
	if m.onTransition != nil {
		m.onTransition(label, from, to, detail)
	}
}

// Start implements `inactive|error -> starting` (§4.3). It validates
// the trusted-root policy before spawning anything; a violation never
// transitions the lifecycle state.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if err := CheckTrustedRoot(cfg.Executable, cfg.Args, m.roots); err != nil {
		m.log.Warn("agent spawn rejected by trusted-root policy",
			zap.String("label", cfg.Label), zap.String("executable", cfg.Executable))
		return err
	}

	e := m.getOrCreate(cfg.Label, cfg)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInactive && e.state != StateError {
		return fmt.Errorf("agent %s: start invalid from state %s", cfg.Label, e.state)
	}

	e.cfg = cfg
	m.transition(e, cfg.Label, StateStarting, "")

	h, err := Spawn(ctx, cfg, m.stderrDir, m.log)
	if err != nil {
		m.transition(e, cfg.Label, StateError, "spawn_failed")
		return err
	}

	e.handle = h
	e.startedAt = time.Now()

	e.handshakeTimer = time.AfterFunc(m.handshakeTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state == StateStarting {
			h.Kill()
			m.transition(e, cfg.Label, StateError, "handshake_timeout")
		}
	})

	m.log.Info("agent starting", zap.String("label", cfg.Label), zap.Int("pid", h.ProcessID()))
	return nil
}

// OnHandshake implements `starting -> running` on the first handshake
// envelope within the handshake timeout.
func (m *Manager) OnHandshake(label, agentID, protocolVersion string) {
	e := m.lookup(label)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStarting {
		return
	}
	if e.handshakeTimer != nil {
		e.handshakeTimer.Stop()
	}
	e.agentID = agentID
	e.protoVer = protocolVersion
	m.transition(e, label, StateRunning, "")
}

// OnHeartbeat implements `running -> running`, updating
// last_heartbeat_at (§4.3).
func (m *Manager) OnHeartbeat(label string, at time.Time) {
	e := m.lookup(label)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	e.lastHeartbeatAt = at
	if e.detail == "degraded_heartbeat" {
		e.detail = ""
	}
}

// OnSummary records last_summary_at for the agent.
func (m *Manager) OnSummary(label string, at time.Time) {
	e := m.lookup(label)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSummaryAt = at
}

// CheckHeartbeats marks any running agent that has gone silent for
// 2×heartbeat_interval_s as degraded, without killing it (§4.3).
func (m *Manager) CheckHeartbeats(now time.Time) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.state == StateRunning {
			interval := e.cfg.HeartbeatInterval()
			if interval > 0 && !e.lastHeartbeatAt.IsZero() && now.Sub(e.lastHeartbeatAt) > DegradedHeartbeatFactor*interval {
				e.detail = "degraded_heartbeat"
			}
		}
		e.mu.Unlock()
	}
}

// OnChildExit implements `any -> error` for an unexpected exit, or
// completes the `shutting-down -> inactive` transition for an expected
// one. Called by the runtime tick after observing a handle's
// ReaderDone/WaitExit.
func (m *Manager) OnChildExit(label string, exitErr error) {
	e := m.lookup(label)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateShuttingDown:
		m.transition(e, label, StateInactive, "")
		e.handle = nil
	case StateStarting, StateRunning:
		detail := "child_exited_code:0"
		if exitErr != nil {
			detail = fmt.Sprintf("child_exited_code:%v", exitErr)
			if coded, ok := exitErr.(interface{ ExitCode() int }); ok {
				detail = fmt.Sprintf("child_exited_code:%d", coded.ExitCode())
			}
		}
		m.transition(e, label, StateError, detail)
	}
}

// OnReaderAborted implements the reader-task-unexpected-exit path to
// `error` with detail reader_aborted (§4.2).
func (m *Manager) OnReaderAborted(label string) {
	e := m.lookup(label)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning || e.state == StateStarting {
		m.transition(e, label, StateError, "reader_aborted")
	}
}

// Stop implements `running -> shutting-down` (§4.3), delegating the
// stop/flush/shutdown sequence and grace timer to the Handle.
func (m *Manager) Stop(ctx context.Context) func(label string) error {
	return func(label string) error {
		e := m.lookup(label)
		if e == nil {
			return fmt.Errorf("unknown_instance")
		}
		e.mu.Lock()
		if e.state != StateRunning {
			e.mu.Unlock()
			return fmt.Errorf("agent %s: stop invalid from state %s", label, e.state)
		}
		h := e.handle
		m.transition(e, label, StateShuttingDown, "")
		e.mu.Unlock()

		go func() {
			err := h.Shutdown(ctx, m.shutdownGrace, time.Now)
			e.mu.Lock()
			if e.state == StateShuttingDown {
				if err != nil && err.Error() == "force_killed" {
					m.transition(e, label, StateInactive, "force_killed")
				} else {
					m.transition(e, label, StateInactive, "")
				}
				e.handle = nil
			}
			e.mu.Unlock()
		}()
		return nil
	}
}

// MarkShuttingDown implements `running -> shutting-down` for the
// Shutdown Orchestrator's full-runtime stop path (§4.3, §4.10), mirroring
// the transition Stop performs for the single-agent stop_agent path.
// The orchestrator must call this before driving the stop/flush/shutdown
// sequence so OnChildExit later observes StateShuttingDown and completes
// the `shutting-down -> inactive` transition instead of misreporting a
// cooperative exit as StateError. Returns false if label is unknown or
// not currently running.
func (m *Manager) MarkShuttingDown(label string) bool {
	e := m.lookup(label)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return false
	}
	m.transition(e, label, StateShuttingDown, "")
	return true
}

func (m *Manager) lookup(label string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[label]
}

// Handle returns the live Handle for label, or nil if the agent is not
// currently spawned. Used by the tick thread to call Drain/Send.
func (m *Manager) Handle(label string) *Handle {
	e := m.lookup(label)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Labels returns a snapshot of all known labels.
func (m *Manager) Labels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for l := range m.entries {
		out = append(out, l)
	}
	return out
}

// LiveLabels returns labels currently in the running state, used by the
// Shutdown Orchestrator to snapshot what needs an ordered stop (§4.10).
func (m *Manager) LiveLabels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for l, e := range m.entries {
		e.mu.Lock()
		if e.state == StateRunning {
			out = append(out, l)
		}
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns the read-only view of an agent's handle state (§3).
func (m *Manager) Snapshot(label string) (Snapshot, bool) {
	e := m.lookup(label)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	s := Snapshot{
		Label:           label,
		AgentID:         e.agentID,
		ProtocolVersion: e.protoVer,
		StartedAt:       e.startedAt,
		LastHeartbeatAt: e.lastHeartbeatAt,
		LastSummaryAt:   e.lastSummaryAt,
		State:           e.state,
		Detail:          e.detail,
	}
	h := e.handle
	e.mu.Unlock()

	if h != nil {
		s.ProcessID = h.ProcessID()
		depth, dropped, rx, tx, cpu, rss := h.Metrics()
		s.QueueDepth = depth
		s.DroppedTotal = dropped
		s.LastRxAt = rx
		s.LastTxAt = tx
		s.CPUPercent = cpu
		s.RSSBytes = rss
	}
	return s, true
}

// AllSnapshots returns a Snapshot for every known label.
func (m *Manager) AllSnapshots() []Snapshot {
	labels := m.Labels()
	out := make([]Snapshot, 0, len(labels))
	for _, l := range labels {
		if s, ok := m.Snapshot(l); ok {
			out = append(out, s)
		}
	}
	return out
}

// ForwardCommand sends an arbitrary command line to the named agent,
// used by the Widget Bridge (§4.7) to forward render/action requests.
func (m *Manager) ForwardCommand(label string, cmd protocol.AgentCommand) SendResult {
	h := m.Handle(label)
	if h == nil {
		return SendResult{WriterClosed: true}
	}
	return h.Send(cmd)
}

// EnsureTrustRootsExist fails startup (§4 Fatal startup / §7) if neither
// configured trust root exists on disk.
func EnsureTrustRootsExist(roots TrustRoots) error {
	any := false
	for _, root := range []string{roots.WorkspaceAgentsDir, roots.InstalledPluginsAgentsDir} {
		if root == "" {
			continue
		}
		if _, err := os.Stat(root); err == nil {
			any = true
		}
	}
	if !any {
		return fmt.Errorf("no configured trust root exists")
	}
	return nil
}
