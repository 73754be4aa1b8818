package telemetry_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/telemetry"
)

func TestRing_SnapshotBeforeWraparoundIsOldestFirst(t *testing.T) {
	r := telemetry.NewRing(5)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r.Push(telemetry.Sample{At: base.Add(time.Duration(i) * time.Second)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i, s := range snap {
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), s.At)
	}
}

func TestRing_WraparoundRetainsOnlyLastCapacitySamplesInOrder(t *testing.T) {
	r := telemetry.NewRing(3)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		r.Push(telemetry.Sample{At: base.Add(time.Duration(i) * time.Second)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, base.Add(4*time.Second), snap[0].At)
	assert.Equal(t, base.Add(5*time.Second), snap[1].At)
	assert.Equal(t, base.Add(6*time.Second), snap[2].At)
}

func TestSampler_SamplesRunningProcess(t *testing.T) {
	s := telemetry.NewSampler(zap.NewNop())
	pid := os.Getpid()

	cpu, rss, ok := s.Sample("self", pid)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, cpu, 0.0)
	assert.Greater(t, rss, uint64(0))
}

func TestSampler_UnknownPidMisses(t *testing.T) {
	s := telemetry.NewSampler(zap.NewNop())
	_, _, ok := s.Sample("nope", 999999)
	assert.False(t, ok)
}

func TestSampler_ForgetDropsCachedHandle(t *testing.T) {
	s := telemetry.NewSampler(zap.NewNop())
	pid := os.Getpid()

	_, _, ok := s.Sample("self", pid)
	require.True(t, ok)

	s.Forget("self")
	_, _, ok = s.Sample("self", pid)
	assert.True(t, ok, "a fresh Sample after Forget should still succeed by re-resolving the pid")
}
