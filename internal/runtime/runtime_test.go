package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mimolo/operations/internal/actionqueue"
	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/config"
	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/segment"
	"github.com/mimolo/operations/internal/telemetry"
	"github.com/mimolo/operations/internal/widget"
)

type noopSink struct{}

func (noopSink) AppendSegmentEvent(kind string, at time.Time, seg segment.Segment, durationS float64) {
}

type noopCache struct{}

func (noopCache) WriteCurrentSegment(proj segment.CurrentProjection) error { return nil }

type noopEvidenceSinks struct{}

func (noopEvidenceSinks) AppendJournal(rec evidence.Record) error { return nil }
func (noopEvidenceSinks) AppendLog(level protocol.LogLevel, label, message string) {}

type noopWidgetReceiver struct{}

func (noopWidgetReceiver) OnWidgetFrame(requestID string, env *protocol.Envelope) {}

type noopLifecycle struct{}

func (noopLifecycle) OnHandshake(label, agentID, protocolVersion string) {}
func (noopLifecycle) OnHeartbeat(label string, at time.Time)             {}
func (noopLifecycle) OnSummary(label string, at time.Time)               {}

func newTestRuntime(t *testing.T, pollTickS float64) *Runtime {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ops.yaml")
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.IPCPath = filepath.Join(t.TempDir(), "ops.sock")
	cfg.TrustRoots.WorkspaceAgentsDir = t.TempDir()
	cfg.Monitor.PollTickS = pollTickS
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	store := config.NewStore(cfg, path)

	manager := agent.NewManager(cfg.TrustRoots.ToAgentTrustRoots(), t.TempDir(), zap.NewNop(), func(label string, from, to agent.State, detail string) {})

	tracker := segment.NewTracker(time.Minute, segment.PolicyAccept, zap.NewNop(), noopSink{}, noopCache{})

	router := evidence.NewRouter(zap.NewNop(), tracker, noopEvidenceSinks{}, noopWidgetReceiver{}, noopLifecycle{}, protocol.LevelInfo)

	queue := actionqueue.NewQueue(8)
	wbridge := widget.NewBridge(widget.Config{
		RenderDeadline: time.Second, MaxFragmentBytes: 4096,
		ArtifactTokenTTL: time.Minute, PendingTableCap: 8,
	}, zap.NewNop())
	sampler := telemetry.NewSampler(zap.NewNop())
	ring := telemetry.NewRing(16)
	metrics := telemetry.NewMetrics()

	return New(store, manager, router, tracker, queue, wbridge, sampler, ring, metrics, zap.NewNop())
}

func TestTick_WithNoLiveAgentsStillPushesRingSample(t *testing.T) {
	r := newTestRuntime(t, 0.05)

	before := len(r.ring.Snapshot())
	r.tick(time.Now())
	after := r.ring.Snapshot()

	assert.Equal(t, before+1, len(after))
	assert.GreaterOrEqual(t, after[len(after)-1].QueueDepthTotal, 0)
}

func TestTick_DrainsQueuedActions(t *testing.T) {
	r := newTestRuntime(t, 0.05)

	ran := make(chan struct{}, 1)
	action := &actionqueue.Action{
		Label: "demo",
		Apply: func() (any, error) {
			ran <- struct{}{}
			return "done", nil
		},
		Result: make(chan actionqueue.Outcome, 1),
	}
	require.True(t, r.queue.Submit(action))

	r.tick(time.Now())

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued action was not executed by tick")
	}

	select {
	case out := <-action.Result:
		assert.NoError(t, out.Err)
		assert.Equal(t, "done", out.Data)
	case <-time.After(time.Second):
		t.Fatal("action result was never delivered")
	}
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	r := newTestRuntime(t, 0.02)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(r.ring.Snapshot()) > 0
	}, time.Second, 10*time.Millisecond, "Run should execute at least one tick before cancellation")

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRun_PicksUpHotReloadedPollTick(t *testing.T) {
	r := newTestRuntime(t, 0.02)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(r.ring.Snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	cur := r.cfgStore.Current()
	cur.Monitor.PollTickS = 0.3
	require.NoError(t, r.cfgStore.ApplyMonitorSettings(cur.Monitor))

	countAt := len(r.ring.Snapshot())
	time.Sleep(150 * time.Millisecond)
	countAfter := len(r.ring.Snapshot())

	assert.LessOrEqual(t, countAfter-countAt, 2, "ticks should slow down once the longer poll_tick_s takes effect")

	cancel()
	<-done
}
