package evidence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/protocol"
)

type fakeSegments struct {
	observed []string
}

func (f *fakeSegments) ObserveResettingEvent(label string, at time.Time) {
	f.observed = append(f.observed, label)
}

type fakeSinks struct {
	journal []evidence.Record
	logs    []string
}

func (f *fakeSinks) AppendJournal(rec evidence.Record) error {
	f.journal = append(f.journal, rec)
	return nil
}

func (f *fakeSinks) AppendLog(level protocol.LogLevel, label, message string) {
	f.logs = append(f.logs, string(level)+":"+label+":"+message)
}

type fakeWidgets struct {
	frames []string
}

func (f *fakeWidgets) OnWidgetFrame(requestID string, env *protocol.Envelope) {
	f.frames = append(f.frames, requestID)
}

type fakeLifecycle struct {
	handshakes int
	heartbeats int
	summaries  int
}

func (f *fakeLifecycle) OnHandshake(label, agentID, protocolVersion string) { f.handshakes++ }
func (f *fakeLifecycle) OnHeartbeat(label string, at time.Time)            { f.heartbeats++ }
func (f *fakeLifecycle) OnSummary(label string, at time.Time)              { f.summaries++ }

func newTestRouter() (*evidence.Router, *fakeSegments, *fakeSinks, *fakeWidgets, *fakeLifecycle) {
	segs := &fakeSegments{}
	sinks := &fakeSinks{}
	widgets := &fakeWidgets{}
	lifecycle := &fakeLifecycle{}
	r := evidence.NewRouter(zap.NewNop(), segs, sinks, widgets, lifecycle, protocol.LevelInfo)
	return r, segs, sinks, widgets, lifecycle
}

func TestRouter_HandshakeDrivesLifecycleAndJournal(t *testing.T) {
	r, _, sinks, _, lifecycle := newTestRouter()
	env := &protocol.Envelope{Type: protocol.TypeHandshake, Timestamp: time.Now(), AgentID: "a1"}
	r.Route("demo", env, true)

	assert.Equal(t, 1, lifecycle.handshakes)
	assert.Len(t, sinks.journal, 1)
	assert.Equal(t, "handshake", sinks.journal[0].Kind)
}

func TestRouter_ActiveSummaryResetsCooldown(t *testing.T) {
	r, segs, sinks, _, lifecycle := newTestRouter()
	env := &protocol.Envelope{
		Type:      protocol.TypeSummary,
		Timestamp: time.Now(),
		Data:      []byte(`{"activity_signal":{"mode":"active"}}`),
	}
	r.Route("demo", env, true)

	assert.Equal(t, 1, lifecycle.summaries)
	assert.Equal(t, []string{"demo"}, segs.observed)
	assert.Len(t, sinks.journal, 1)
	assert.Equal(t, "summary", sinks.journal[0].Kind)
}

func TestRouter_PassiveSummaryDoesNotResetCooldown(t *testing.T) {
	r, segs, _, _, _ := newTestRouter()
	env := &protocol.Envelope{
		Type:      protocol.TypeSummary,
		Timestamp: time.Now(),
		Data:      []byte(`{"activity_signal":{"mode":"passive"}}`),
	}
	r.Route("demo", env, true)
	assert.Empty(t, segs.observed)
}

func TestRouter_SummaryIgnoresCooldownWhenAgentOptsOut(t *testing.T) {
	r, segs, _, _, _ := newTestRouter()
	env := &protocol.Envelope{
		Type:      protocol.TypeSummary,
		Timestamp: time.Now(),
		Data:      []byte(`{"activity_signal":{"mode":"active"}}`),
	}
	r.Route("demo", env, false)
	assert.Empty(t, segs.observed)
}

func TestRouter_HeartbeatNeverJournaled(t *testing.T) {
	r, _, sinks, _, lifecycle := newTestRouter()
	env := &protocol.Envelope{Type: protocol.TypeHeartbeat, Timestamp: time.Now()}
	r.Route("demo", env, true)

	assert.Equal(t, 1, lifecycle.heartbeats)
	assert.Empty(t, sinks.journal)
}

func TestRouter_StatusJournaledOnlyOnChange(t *testing.T) {
	r, _, sinks, _, _ := newTestRouter()
	healthy := &protocol.Envelope{Type: protocol.TypeStatus, Timestamp: time.Now(), Data: []byte(`{"healthy":true}`)}
	r.Route("demo", healthy, true)
	assert.Len(t, sinks.journal, 1)

	r.Route("demo", healthy, true) // no change
	assert.Len(t, sinks.journal, 1)

	unhealthy := &protocol.Envelope{Type: protocol.TypeStatus, Timestamp: time.Now(), Data: []byte(`{"healthy":false}`)}
	r.Route("demo", unhealthy, true)
	assert.Len(t, sinks.journal, 2)
}

func TestRouter_LogFilteredByConsoleThreshold(t *testing.T) {
	r, _, sinks, _, _ := newTestRouter() // threshold = info
	debugLine := &protocol.Envelope{Type: protocol.TypeLog, Level: protocol.LevelDebug, Message: "quiet"}
	r.Route("demo", debugLine, true)
	assert.Empty(t, sinks.logs)

	r.SetConsoleThreshold(protocol.LevelDebug)
	r.Route("demo", debugLine, true)
	assert.Len(t, sinks.logs, 1)
}

func TestRouter_WidgetFrameForwardedByRequestID(t *testing.T) {
	r, _, _, widgets, _ := newTestRouter()
	env := &protocol.Envelope{Type: protocol.TypeWidgetFrame, RequestID: "req-1"}
	r.Route("demo", env, true)
	assert.Equal(t, []string{"req-1"}, widgets.frames)
}

func TestRouter_AckJournaledOnlyWithRequestID(t *testing.T) {
	r, _, sinks, _, _ := newTestRouter()
	r.Route("demo", &protocol.Envelope{Type: protocol.TypeAck}, true)
	assert.Empty(t, sinks.journal)

	r.Route("demo", &protocol.Envelope{Type: protocol.TypeAck, RequestID: "r1"}, true)
	assert.Len(t, sinks.journal, 1)
}
