package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/agent"
)

func writeFakeAgentBinary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\nsleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCheckTrustedRoot_RejectsOutsideRoots(t *testing.T) {
	dir := t.TempDir()
	roots := agent.TrustRoots{WorkspaceAgentsDir: filepath.Join(dir, "agents")}
	require.NoError(t, os.MkdirAll(roots.WorkspaceAgentsDir, 0o755))

	outsideDir := t.TempDir()
	outside := writeFakeAgentBinary(t, outsideDir)

	err := agent.CheckTrustedRoot(outside, nil, roots)
	assert.ErrorIs(t, err, agent.ErrPolicyViolation)
}

func TestCheckTrustedRoot_AcceptsInsideWorkspaceRoot(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	bin := writeFakeAgentBinary(t, agentsDir)

	roots := agent.TrustRoots{WorkspaceAgentsDir: agentsDir}
	assert.NoError(t, agent.CheckTrustedRoot(bin, nil, roots))
}

func TestManager_StartRejectsUntrustedExecutable(t *testing.T) {
	dir := t.TempDir()
	outsideDir := t.TempDir()
	bin := writeFakeAgentBinary(t, outsideDir)

	roots := agent.TrustRoots{WorkspaceAgentsDir: filepath.Join(dir, "agents")}
	require.NoError(t, os.MkdirAll(roots.WorkspaceAgentsDir, 0o755))

	var transitions []string
	m := agent.NewManager(roots, dir, zap.NewNop(), func(label string, from, to agent.State, detail string) {
		transitions = append(transitions, to.String())
	})

	err := m.Start(context.Background(), agent.Config{Label: "demo", Executable: bin})
	assert.ErrorIs(t, err, agent.ErrPolicyViolation)
	assert.Empty(t, transitions, "a policy violation must never transition lifecycle state")

	snap, ok := m.Snapshot("demo")
	assert.False(t, ok, "a rejected start should not create a tracked entry")
	_ = snap
}

func TestManager_StartSpawnsAndHandshakeCompletesRunning(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	bin := writeFakeAgentBinary(t, agentsDir)

	roots := agent.TrustRoots{WorkspaceAgentsDir: agentsDir}
	m := agent.NewManager(roots, dir, zap.NewNop(), nil)

	err := m.Start(context.Background(), agent.Config{Label: "demo", Executable: bin})
	require.NoError(t, err)

	snap, ok := m.Snapshot("demo")
	require.True(t, ok)
	assert.Equal(t, agent.StateStarting, snap.State)

	m.OnHandshake("demo", "agent-1", "0.3")
	snap, ok = m.Snapshot("demo")
	require.True(t, ok)
	assert.Equal(t, agent.StateRunning, snap.State)
	assert.Equal(t, "agent-1", snap.AgentID)

	h := m.Handle("demo")
	require.NotNil(t, h)
	h.Kill()
	m.OnChildExit("demo", nil)
	snap, _ = m.Snapshot("demo")
	assert.Equal(t, agent.StateError, snap.State)
}

func TestManager_MarkShuttingDownThenChildExitGoesInactiveNotError(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	bin := writeFakeAgentBinary(t, agentsDir)

	roots := agent.TrustRoots{WorkspaceAgentsDir: agentsDir}
	m := agent.NewManager(roots, dir, zap.NewNop(), nil)

	require.NoError(t, m.Start(context.Background(), agent.Config{Label: "demo", Executable: bin}))
	m.OnHandshake("demo", "agent-1", "0.3")

	assert.True(t, m.MarkShuttingDown("demo"))
	snap, ok := m.Snapshot("demo")
	require.True(t, ok)
	assert.Equal(t, agent.StateShuttingDown, snap.State)

	h := m.Handle("demo")
	require.NotNil(t, h)
	h.Kill()
	m.OnChildExit("demo", nil)

	snap, ok = m.Snapshot("demo")
	require.True(t, ok)
	assert.Equal(t, agent.StateInactive, snap.State,
		"a cooperative exit observed after MarkShuttingDown must complete shutting-down -> inactive, never -> error")
}

func TestManager_MarkShuttingDownFalseWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	roots := agent.TrustRoots{WorkspaceAgentsDir: dir}
	m := agent.NewManager(roots, dir, zap.NewNop(), nil)

	assert.False(t, m.MarkShuttingDown("nonexistent"))
}

func TestManager_CheckHeartbeatsMarksDegraded(t *testing.T) {
	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	bin := writeFakeAgentBinary(t, agentsDir)

	roots := agent.TrustRoots{WorkspaceAgentsDir: agentsDir}
	m := agent.NewManager(roots, dir, zap.NewNop(), nil)

	require.NoError(t, m.Start(context.Background(), agent.Config{
		Label: "demo", Executable: bin, HeartbeatIntervalS: 1,
	}))
	m.OnHandshake("demo", "agent-1", "0.3")
	m.OnHeartbeat("demo", time.Now().Add(-5*time.Second))

	m.CheckHeartbeats(time.Now())
	snap, ok := m.Snapshot("demo")
	require.True(t, ok)
	assert.Equal(t, "degraded_heartbeat", snap.Detail)

	h := m.Handle("demo")
	require.NotNil(t, h)
	h.Kill()
	m.OnChildExit("demo", nil)
}

func TestEnsureTrustRootsExist_FailsWhenNoneExist(t *testing.T) {
	roots := agent.TrustRoots{
		WorkspaceAgentsDir:        "/nonexistent/workspace/agents",
		InstalledPluginsAgentsDir: "/nonexistent/plugins/agents",
	}
	assert.Error(t, agent.EnsureTrustRootsExist(roots))
}

func TestEnsureTrustRootsExist_SucceedsWhenOneExists(t *testing.T) {
	dir := t.TempDir()
	roots := agent.TrustRoots{
		WorkspaceAgentsDir:        dir,
		InstalledPluginsAgentsDir: "/nonexistent/plugins/agents",
	}
	assert.NoError(t, agent.EnsureTrustRootsExist(roots))
}
