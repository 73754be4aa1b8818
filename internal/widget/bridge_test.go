package widget_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/widget"
)

func newTestBridge(cap int) *widget.Bridge {
	return widget.NewBridge(widget.Config{
		RenderDeadline:   50 * time.Millisecond,
		MaxFragmentBytes: 1024,
		ArtifactTokenTTL: time.Minute,
		PendingTableCap:  cap,
	}, zap.NewNop())
}

// Property 6: the pending table never exceeds its configured capacity.
func TestBridge_PendingTableCapacity(t *testing.T) {
	b := newTestBridge(1)

	_, err := b.BeginRender("r1", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, b.PendingCount())

	_, err = b.BeginRender("r2", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	assert.ErrorIs(t, err, widget.ErrPendingTableFull)
	assert.Equal(t, 1, b.PendingCount())
}

func TestBridge_FrameResolvesMatchingRequest(t *testing.T) {
	b := newTestBridge(4)
	req, err := b.BeginRender("r1", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	require.NoError(t, err)

	go b.OnWidgetFrame("r1", &protocol.Envelope{
		Data: []byte(`{"mode":"tile","html":"<div>ok</div>"}`),
	})

	res := req.Await()
	assert.True(t, res.OK)
	assert.Equal(t, "<div>ok</div>", res.HTML)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_FrameOversizeRejected(t *testing.T) {
	b := newTestBridge(4)
	b.PendingCount()
	req, err := b.BeginRender("r1", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	require.NoError(t, err)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	go b.OnWidgetFrame("r1", &protocol.Envelope{
		Data: []byte(`{"mode":"tile","html":"` + string(big) + `"}`),
	})

	res := req.Await()
	assert.False(t, res.OK)
	assert.Equal(t, "render_payload_too_large", res.Error)
}

func TestBridge_FrameWithRawPathRejected(t *testing.T) {
	b := newTestBridge(4)
	req, err := b.BeginRender("r1", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	require.NoError(t, err)

	go b.OnWidgetFrame("r1", &protocol.Envelope{
		Data: []byte(`{"mode":"tile","html":"<img src=\"/etc/passwd\">"}`),
	})

	res := req.Await()
	assert.False(t, res.OK)
	assert.Equal(t, "render_validation_failed", res.Error)
}

func TestBridge_FrameWithValidArtifactTokenAccepted(t *testing.T) {
	b := newTestBridge(4)
	req, err := b.BeginRender("r1", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	require.NoError(t, err)

	go b.OnWidgetFrame("r1", &protocol.Envelope{
		Data: []byte(`{"mode":"tile","html":"<img src=\"mimolo://artifact/abc123\">"}`),
	})

	res := req.Await()
	assert.True(t, res.OK)
}

func TestBridge_SweepEvictsPastDeadline(t *testing.T) {
	b := newTestBridge(4)
	_, err := b.BeginRender("r1", "demo", "plugin", "inst", widget.Canvas{}, "tile", time.Now())
	require.NoError(t, err)

	b.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_UnmatchedFrameDroppedSilently(t *testing.T) {
	b := newTestBridge(4)
	assert.NotPanics(t, func() {
		b.OnWidgetFrame("unknown-request", &protocol.Envelope{Data: []byte(`{}`)})
	})
}

func TestArtifactToken_SingleResolveOnly(t *testing.T) {
	b := newTestBridge(4)
	now := time.Now()
	token, err := b.MintArtifactToken("demo", "/var/lib/mimolo/artifacts/demo/plot.png", now)
	require.NoError(t, err)

	ref, ok := b.ResolveArtifactToken(token, now)
	require.True(t, ok)
	assert.Equal(t, "/var/lib/mimolo/artifacts/demo/plot.png", ref)

	_, ok = b.ResolveArtifactToken(token, now)
	assert.False(t, ok, "a token must resolve exactly once")
}

func TestArtifactToken_ExpiresAfterTTL(t *testing.T) {
	b := newTestBridge(4)
	now := time.Now()
	token, err := b.MintArtifactToken("demo", "/ref", now)
	require.NoError(t, err)

	_, ok := b.ResolveArtifactToken(token, now.Add(2*time.Minute))
	assert.False(t, ok)
}
