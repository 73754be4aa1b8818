package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/protocol"
)

// InboundQueueCapacity is the default bounded inbound queue size per
// handle (§4.2). Full queues drop the oldest message and increment
// dropped_total.
const InboundQueueCapacity = 1024

// SpawnError enumerates why spawn failed without ever reaching a live
// child process.
type SpawnError string

const (
	ErrExecutableNotTrusted SpawnError = "executable_not_trusted"
	ErrExecutableNotFound   SpawnError = "executable_not_found"
	ErrSpawnFailed          SpawnError = "spawn_failed"
)

func (e SpawnError) Error() string { return string(e) }

// SendResult reports the outcome of writing a command line to the
// child's stdin.
type SendResult struct {
	OK             bool
	WriterClosed   bool
	BackpressureFull bool
}

// Handle owns one child subprocess's I/O: stdin writer, stdout line
// reader, stderr tee, bounded inbound queue, and metrics. Owned
// exclusively by the Manager (C3); other components only ever see a
// Snapshot (§3 Ownership).
type Handle struct {
	Label  string
	Config Config

	log *zap.Logger

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writerMu  sync.Mutex

	inbound chan *protocol.Envelope

	metrics metricsState

	stderrPath string

	shutdownRequested atomic.Bool
	readerDone         chan struct{}

	waitOnce sync.Once
	waitErr  error

	processID int
	startedAt time.Time
}

// spawnOptions carries what the Manager has already validated (trusted
// root resolution happens in the Manager, not here — C2 only executes).
type spawnOptions struct {
	stderrDir string
}

// Spawn starts the child process for cfg and begins its stdout-reader
// and stderr-tee tasks. Returns a live Handle or a SpawnError.
func Spawn(ctx context.Context, cfg Config, stderrDir string, log *zap.Logger) (*Handle, error) {
	if _, err := os.Stat(cfg.Executable); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, cfg.Executable)
	}

	cmd := exec.CommandContext(ctx, cfg.Executable, cfg.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}

	stderrPath := ""
	var stderrFile *os.File
	if stderrDir != "" {
		stderrPath = stderrDir + "/" + cfg.Label + ".stderr.log"
		stderrFile, err = os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			log.Warn("could not open agent stderr tee file", zap.String("label", cfg.Label), zap.Error(err))
		}
	}
	if stderrFile != nil {
		cmd.Stderr = stderrFile
	} else {
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		Label:      cfg.Label,
		Config:     cfg,
		log:        log,
		cmd:        cmd,
		stdin:      stdin,
		inbound:    make(chan *protocol.Envelope, InboundQueueCapacity),
		stderrPath: stderrPath,
		readerDone: make(chan struct{}),
		processID:  cmd.Process.Pid,
		startedAt:  time.Now(),
	}

	go h.readStdout(stdout)

	return h, nil
}

// readStdout is the dedicated stdout-reader task (§4.2). It parses each
// line with the protocol codec and pushes onto the bounded inbound
// queue, dropping the oldest entry on overflow. An unparseable line
// yields a synthetic Error envelope rather than being discarded
// silently (§4.1/§7, property 3's dropped_total accounting only covers
// queue overflow, not parse failure).
func (h *Handle) readStdout(r io.ReadCloser) {
	defer close(h.readerDone)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes+1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err != nil {
			env = protocol.SyntheticError(h.Label, classifyDecodeErr(err), line, time.Now())
		}
		h.metrics.mu.Lock()
		h.metrics.lastRxAt = time.Now()
		h.metrics.mu.Unlock()
		h.pushInbound(env)
	}
	// Scanner exits on child-side EOF (process exit) or a read error;
	// the Manager observes this via WaitDone and handles the lifecycle
	// transition. This task itself never mutates lifecycle state.
}

func classifyDecodeErr(err error) string {
	switch {
	case err == protocol.ErrLineOversize:
		return "protocol_frame_oversize"
	case err == protocol.ErrMissingTimezone:
		return "timestamp_missing_tz"
	default:
		return "protocol_unknown_type"
	}
}

func (h *Handle) pushInbound(env *protocol.Envelope) {
	select {
	case h.inbound <- env:
		h.metrics.mu.Lock()
		h.metrics.queueDepth = len(h.inbound)
		h.metrics.mu.Unlock()
		return
	default:
	}

	// Full: drop oldest, then push. Best-effort — another reader could
	// race the channel empty between receive and send, which just means
	// the queue briefly holds one fewer message than capacity.
	select {
	case <-h.inbound:
		h.metrics.mu.Lock()
		h.metrics.droppedTotal++
		h.metrics.mu.Unlock()
	default:
	}
	select {
	case h.inbound <- env:
	default:
	}
	h.metrics.mu.Lock()
	h.metrics.queueDepth = len(h.inbound)
	h.metrics.mu.Unlock()
}

// Drain pulls up to max messages from the inbound queue without
// blocking. Called by the runtime tick (§4.4: bounded per-handle to
// prevent starvation).
func (h *Handle) Drain(max int) []*protocol.Envelope {
	out := make([]*protocol.Envelope, 0, max)
	for len(out) < max {
		select {
		case env := <-h.inbound:
			out = append(out, env)
		default:
			h.metrics.mu.Lock()
			h.metrics.queueDepth = len(h.inbound)
			h.metrics.mu.Unlock()
			return out
		}
	}
	h.metrics.mu.Lock()
	h.metrics.queueDepth = len(h.inbound)
	h.metrics.mu.Unlock()
	return out
}

// Send serializes cmd onto the child's stdin under the writer mutex
// (§4.2: "so multi-producer commands do not interleave").
func (h *Handle) Send(cmd protocol.AgentCommand) SendResult {
	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return SendResult{OK: false}
	}

	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	if h.stdin == nil {
		return SendResult{WriterClosed: true}
	}
	if _, err := h.stdin.Write(line); err != nil {
		return SendResult{WriterClosed: true}
	}
	h.metrics.mu.Lock()
	h.metrics.lastTxAt = time.Now()
	h.metrics.mu.Unlock()
	return SendResult{OK: true}
}

// Metrics returns the current point-in-time metrics block (§4.2).
func (h *Handle) Metrics() (queueDepth int, droppedTotal uint64, lastRxAt, lastTxAt time.Time, cpuPct float64, rssBytes uint64) {
	return h.metrics.snapshot()
}

// SetResourceSample records the latest CPU%/RSS sample taken by C11.
func (h *Handle) SetResourceSample(cpuPct float64, rssBytes uint64) {
	h.metrics.mu.Lock()
	h.metrics.cpuPercent = cpuPct
	h.metrics.rssBytes = rssBytes
	h.metrics.mu.Unlock()
}

// ProcessID returns the child's OS process id.
func (h *Handle) ProcessID() int { return h.processID }

// StartedAt returns when the child was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// WaitExit blocks until the child process exits and returns its error
// (nil on a clean exit(0)). Safe to call from multiple goroutines and
// any number of times: the underlying cmd.Wait() runs exactly once,
// guarded by waitOnce, and every caller observes its result — callers
// no longer need to coordinate a single call site among themselves.
func (h *Handle) WaitExit() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.writerMu.Lock()
		h.stdin = nil
		h.writerMu.Unlock()
	})
	return h.waitErr
}

// ReaderDone is closed once the stdout-reader task has returned.
func (h *Handle) ReaderDone() <-chan struct{} { return h.readerDone }

// Shutdown sends the ordered stop/flush/shutdown sequence and waits up
// to grace for the child to exit before force-killing it (§4.2, §4.10).
func (h *Handle) Shutdown(ctx context.Context, grace time.Duration, now func() time.Time) error {
	h.shutdownRequested.Store(true)

	for _, phase := range []string{"stop", "flush", "shutdown"} {
		h.Send(protocol.AgentCommand{Cmd: phase, Timestamp: now()})
	}

	exited := make(chan error, 1)
	go func() { exited <- h.WaitExit() }()

	select {
	case err := <-exited:
		return err
	case <-time.After(grace):
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-exited
		return fmt.Errorf("force_killed")
	case <-ctx.Done():
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-exited
		return ctx.Err()
	}
}

// Kill forcibly terminates the child immediately, used on handshake
// timeout (§4.3) where no graceful sequence has meaning yet.
func (h *Handle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}
