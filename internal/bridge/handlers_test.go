package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mimolo/operations/internal/actionqueue"
	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/bridge"
	"github.com/mimolo/operations/internal/config"
	"github.com/mimolo/operations/internal/pluginstore"
	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/segment"
	"github.com/mimolo/operations/internal/telemetry"
	"github.com/mimolo/operations/internal/widget"
)

type fakeManager struct {
	mu        sync.Mutex
	snapshots map[string]agent.Snapshot
	started   []string
	stopped   []string
	forwarded []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{snapshots: make(map[string]agent.Snapshot)}
}

func (f *fakeManager) Start(ctx context.Context, cfg agent.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cfg.Label)
	f.snapshots[cfg.Label] = agent.Snapshot{Label: cfg.Label, State: agent.StateRunning}
	return nil
}

func (f *fakeManager) Stop(ctx context.Context) func(label string) error {
	return func(label string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.snapshots[label]; !ok {
			return fmt.Errorf("unknown_instance")
		}
		f.stopped = append(f.stopped, label)
		delete(f.snapshots, label)
		return nil
	}
}

func (f *fakeManager) Labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.snapshots))
	for l := range f.snapshots {
		out = append(out, l)
	}
	return out
}

func (f *fakeManager) Snapshot(label string) (agent.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[label]
	return s, ok
}

func (f *fakeManager) AllSnapshots() []agent.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Snapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeManager) ForwardCommand(label string, cmd protocol.AgentCommand) agent.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[label]; !ok {
		return agent.SendResult{WriterClosed: true}
	}
	f.forwarded = append(f.forwarded, label)
	return agent.SendResult{OK: true}
}

func newTestHandlers(t *testing.T, mgr *fakeManager) (*bridge.Handlers, *actionqueue.Queue, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ops.yaml")
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.IPCPath = filepath.Join(t.TempDir(), "ops.sock")
	cfg.TrustRoots.WorkspaceAgentsDir = t.TempDir()
	cfg.Agents = []agent.Config{{Label: "demo", Executable: "/bin/true"}}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	store := config.NewStore(cfg, path)

	tracker := segment.NewTracker(time.Minute, segment.PolicyAccept, zap.NewNop(), noopSegmentSink{}, noopSegmentCache{})

	pluginRoot := t.TempDir()
	cache, err := pluginstore.Open(filepath.Join(t.TempDir(), "cache.db"), pluginRoot, zap.NewNop())
	require.NoError(t, err)
	plugins := &pluginstore.Store{Root: pluginRoot, Cache: cache}

	ring := telemetry.NewRing(10)
	queue := actionqueue.NewQueue(16)
	wbridge := widget.NewBridge(widget.Config{
		RenderDeadline: 500 * time.Millisecond, MaxFragmentBytes: 4096,
		ArtifactTokenTTL: time.Minute, PendingTableCap: 8,
	}, zap.NewNop())

	h := bridge.NewHandlers(mgr, tracker, wbridge, queue, store, plugins, ring, zap.NewNop())

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, a := range queue.DrainAll() {
				actionqueue.Run(a)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	return h, queue, func() { close(stop); cache.Close() }
}

type noopSegmentSink struct{}

func (noopSegmentSink) AppendSegmentEvent(kind string, at time.Time, seg segment.Segment, durationS float64) {
}

type noopSegmentCache struct{}

func (noopSegmentCache) WriteCurrentSegment(proj segment.CurrentProjection) error { return nil }

func TestHandlers_PingAndUnknownCommand(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()

	resp := h.Handle(context.Background(), "ping", "r1", nil, time.Now())
	assert.True(t, resp.OK)

	resp = h.Handle(context.Background(), "not_a_real_command", "r2", nil, time.Now())
	assert.False(t, resp.OK)
	assert.Equal(t, bridge.ErrUnknownCommand, resp.Error)
}

func TestHandlers_StartStopAgentRoundTrip(t *testing.T) {
	mgr := newFakeManager()
	h, _, cleanup := newTestHandlers(t, mgr)
	defer cleanup()

	raw, _ := json.Marshal(map[string]string{"label": "demo"})
	resp := h.Handle(context.Background(), "start_agent", "r1", raw, time.Now())
	require.True(t, resp.OK, resp.Error)
	assert.Contains(t, mgr.started, "demo")

	resp = h.Handle(context.Background(), "stop_agent", "r2", raw, time.Now())
	require.True(t, resp.OK, resp.Error)
	assert.Contains(t, mgr.stopped, "demo")
}

func TestHandlers_StopUnknownInstanceReturnsUnknownInstance(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()

	raw, _ := json.Marshal(map[string]string{"label": "ghost"})
	resp := h.Handle(context.Background(), "stop_agent", "r1", raw, time.Now())
	assert.False(t, resp.OK)
	assert.Equal(t, bridge.ErrUnknownInstance, resp.Error)
}

func TestHandlers_StartAgentMissingLabelField(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()

	resp := h.Handle(context.Background(), "start_agent", "r1", []byte(`{}`), time.Now())
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "missing_field:")
}

func TestHandlers_AddAgentInstanceRejectsDuplicateLabel(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()

	raw, _ := json.Marshal(agent.Config{Label: "demo", Executable: "/bin/true"})
	resp := h.Handle(context.Background(), "add_agent_instance", "r1", raw, time.Now())
	assert.False(t, resp.OK)
	assert.Equal(t, bridge.ErrPreconditionFailed, resp.Error)
}

func TestHandlers_AddAgentInstancePersistsNewLabel(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()

	raw, _ := json.Marshal(agent.Config{Label: "second", Executable: "/bin/true"})
	resp := h.Handle(context.Background(), "add_agent_instance", "r1", raw, time.Now())
	require.True(t, resp.OK, resp.Error)

	resp = h.Handle(context.Background(), "get_agent_instances", "r2", nil, time.Now())
	require.True(t, resp.OK)
	var data struct {
		Instances []agent.Config `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	labels := make([]string, 0, len(data.Instances))
	for _, a := range data.Instances {
		labels = append(labels, a.Label)
	}
	assert.Contains(t, labels, "second")
}

func TestHandlers_UpdateMonitorSettingsAppliesAndReturnsWhitelistedFields(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()

	raw, _ := json.Marshal(map[string]any{
		"poll_tick_s": 0.5, "cooldown_seconds": 120, "console_verbosity": "debug",
	})
	resp := h.Handle(context.Background(), "update_monitor_settings", "r1", raw, time.Now())
	require.True(t, resp.OK, resp.Error)

	resp = h.Handle(context.Background(), "get_monitor_settings", "r2", nil, time.Now())
	require.True(t, resp.OK)
	assert.Contains(t, string(resp.Data), `"console_verbosity":"debug"`)
}

func TestHandlers_ShuttingDownRejectsMutatingCommands(t *testing.T) {
	h, _, cleanup := newTestHandlers(t, newFakeManager())
	defer cleanup()
	h.BeginShutdown()

	raw, _ := json.Marshal(map[string]string{"label": "demo"})
	resp := h.Handle(context.Background(), "start_agent", "r1", raw, time.Now())
	assert.False(t, resp.OK)
	assert.Equal(t, bridge.ErrShuttingDown, resp.Error)

	// Read-only introspection still works while draining.
	resp = h.Handle(context.Background(), "ping", "r2", nil, time.Now())
	assert.True(t, resp.OK)
}

func TestHandlers_WidgetRenderRoundTrip(t *testing.T) {
	mgr := newFakeManager()
	require.NoError(t, mgr.Start(context.Background(), agent.Config{Label: "demo"}))
	h, _, cleanup := newTestHandlers(t, mgr)
	defer cleanup()

	raw, _ := json.Marshal(map[string]any{"label": "demo", "plugin_id": "weather", "mode": "tile"})

	resp := h.Handle(context.Background(), "request_widget_render", "req-1", raw, time.Now())
	// No real agent responds in this test double, so the render times out —
	// the important behavior under test is that the request forwards to
	// the correct label and fails with render_timeout, not unknown_instance.
	assert.False(t, resp.OK)
	assert.Equal(t, "render_timeout", resp.Error)
	assert.Contains(t, mgr.forwarded, "demo")
}
