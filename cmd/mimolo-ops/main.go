// Package main — cmd/mimolo-ops/main.go
//
// MiMoLo Operations runtime entrypoint.
//
// Startup sequence:
//  1. Parse flags (--config).
//  2. Load and validate config.yaml, applying MIMOLO_* env overrides.
//  3. Initialise structured logger (zap).
//  4. Verify trusted agent-executable roots exist.
//  5. Open evidence sinks (journal, ops log, current-segment cache).
//  6. Construct the Segment Tracker, Evidence Router, Widget Bridge,
//     Action Queue, Agent Manager, plugin store, and perf telemetry.
//  7. Start the Command Bridge Server and the metrics endpoint.
//  8. Start every configured agent instance.
//  9. Register SIGHUP (hot-reload) and SIGINT/SIGTERM (shutdown) handlers.
// 10. Run the tick-thread runtime loop until a shutdown signal lands.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Stop accepting new bridge connections.
//  2. Cancel the tick-thread loop.
//  3. Run the Shutdown Orchestrator (stop/flush/shutdown every agent,
//     force-close the open segment, close sinks).
//  4. Exit 0.
//
// On fatal startup error (config invalid, trusted roots missing, socket
// bind failure): exit non-zero with a structured error on stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mimolo/operations/internal/actionqueue"
	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/bridge"
	"github.com/mimolo/operations/internal/config"
	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/pluginstore"
	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/runtime"
	"github.com/mimolo/operations/internal/segment"
	"github.com/mimolo/operations/internal/shutdown"
	"github.com/mimolo/operations/internal/sink"
	"github.com/mimolo/operations/internal/telemetry"
	"github.com/mimolo/operations/internal/widget"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/mimolo/ops.yaml", "Path to ops.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("mimolo-ops %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 2: Load config ──────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("mimolo-ops starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
		zap.String("data_dir", cfg.DataDir),
		zap.String("ipc_path", cfg.IPCPath),
	)

	// ── Step 4: Trusted roots must exist before any agent can spawn ──
	roots := cfg.TrustRoots.ToAgentTrustRoots()
	if err := agent.EnsureTrustRootsExist(roots); err != nil {
		log.Fatal("trusted agent-executable roots missing", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 5: Evidence sinks ───────────────────────────────────────
	journal, err := sink.NewJournal(cfg.DataDir+"/operations/journal", log)
	if err != nil {
		log.Fatal("journal open failed", zap.Error(err))
	}
	defer journal.Close() //nolint:errcheck

	opsLog := sink.NewOpsLog(log)

	cache, err := sink.NewCurrentSegmentCache(cfg.DataDir + "/operations/cache")
	if err != nil {
		log.Fatal("current-segment cache open failed", zap.Error(err))
	}

	sinks := &sink.Sinks{Journal: journal, OpsLog: opsLog}

	// ── Step 6: Collaborators ────────────────────────────────────────
	outOfOrderPolicy := segment.PolicyAccept
	if cfg.Monitor.OutOfOrderPolicy == "drop" {
		outOfOrderPolicy = segment.PolicyDrop
	}
	tracker := segment.NewTracker(cfg.Monitor.CooldownDuration(), outOfOrderPolicy, log, journal, cache)

	wbridge := widget.NewBridge(widget.Config{
		RenderDeadline:   time.Duration(cfg.Widget.RenderDeadlineMs) * time.Millisecond,
		MaxFragmentBytes: cfg.Widget.MaxFragmentBytes,
		ArtifactTokenTTL: time.Duration(cfg.Widget.ArtifactTokenTTLMs) * time.Millisecond,
		PendingTableCap:  cfg.Widget.PendingTableCap,
	}, log)

	agentStderrDir := cfg.DataDir + "/operations/agents/stderr"
	if err := os.MkdirAll(agentStderrDir, 0o700); err != nil {
		log.Warn("agent stderr dir creation failed", zap.Error(err))
	}
	manager := agent.NewManager(roots, agentStderrDir, log, func(label string, from, to agent.State, detail string) {
		log.Info("agent lifecycle transition",
			zap.String("label", label), zap.String("from", string(from)),
			zap.String("to", string(to)), zap.String("detail", detail))
	})

	consoleThreshold := protocol.LogLevel(cfg.Monitor.ConsoleVerbosity)
	router := evidence.NewRouter(log, tracker, sinks, wbridge, manager, consoleThreshold)

	queue := actionqueue.NewQueue(256)

	cfgStore := config.NewStore(*cfg, *configPath)

	pluginRoot := cfg.TrustRoots.InstalledPluginsAgentsDir
	pluginCacheDir := cfg.DataDir + "/operations/plugins"
	if err := os.MkdirAll(pluginCacheDir, 0o700); err != nil {
		log.Fatal("plugin cache dir creation failed", zap.Error(err))
	}
	pluginCache, err := pluginstore.Open(pluginCacheDir+"/cache.db", pluginRoot, log)
	if err != nil {
		log.Fatal("plugin cache open failed", zap.Error(err))
	}
	defer pluginCache.Close() //nolint:errcheck
	if n, err := pluginCache.Rebuild(); err != nil {
		log.Warn("plugin cache rebuild failed", zap.Error(err))
	} else {
		log.Info("plugin cache rebuilt", zap.Int("manifests", n))
	}
	plugins := &pluginstore.Store{Root: pluginRoot, Cache: pluginCache}

	metrics := telemetry.NewMetrics()
	sampler := telemetry.NewSampler(log)
	ring := telemetry.NewRing(cfg.Telemetry.RingSize)

	handlers := bridge.NewHandlers(manager, tracker, wbridge, queue, cfgStore, plugins, ring, log)
	server := bridge.NewServer(cfg.IPCPath, cfg.Bridge.MaxConnections, handlers, log)

	orchestrator := shutdown.New(manager, tracker, router, sinks, log, shutdown.Config{
		GraceTotal:   cfg.Shutdown.GraceTotal(),
		PhaseTimeout: cfg.Shutdown.PhaseTimeout(),
	})

	rt := runtime.New(cfgStore, manager, router, tracker, queue, wbridge, sampler, ring, metrics, log)

	// ── Step 7: Bridge server + metrics endpoint ─────────────────────
	bridgeErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			bridgeErrCh <- err
		}
	}()
	log.Info("command bridge listening", zap.String("socket", cfg.IPCPath))

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	// ── Step 8: Start configured agents ──────────────────────────────
	for _, ac := range cfg.Agents {
		if err := manager.Start(ctx, ac); err != nil {
			log.Error("agent start failed", zap.String("label", ac.Label), zap.Error(err))
		}
	}

	// ── Step 9: SIGHUP hot-reload ─────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			if err := cfgStore.ReloadFromDisk(); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			next := cfgStore.Current()
			router.SetConsoleThreshold(protocol.LogLevel(next.Monitor.ConsoleVerbosity))
			tracker.SetCooldown(next.Monitor.CooldownDuration())
			log.Info("config hot-reload applied",
				zap.Float64("poll_tick_s", next.Monitor.PollTickS),
				zap.Float64("cooldown_seconds", next.Monitor.CooldownSeconds),
				zap.String("console_verbosity", next.Monitor.ConsoleVerbosity))
		}
	}()

	// ── Step 10: Run tick thread until shutdown ──────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runtimeDone := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(runtimeDone)
	}()

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-bridgeErrCh:
		log.Error("bridge server failed — shutting down", zap.Error(err))
	}

	cancel()
	// Stop accepting new mutating work before waiting for the tick
	// thread to drain: the bridge listener only stops accepting new
	// connections on ctx cancellation above, it does not force-close
	// connections already in flight, so a command submitted into the
	// queue during this window must be rejected rather than left
	// waiting on a drain that will never come once the tick thread
	// exits.
	queue.BeginShutdown()
	handlers.BeginShutdown()
	<-runtimeDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.GraceTotal()+2*time.Second)
	defer shutdownCancel()

	summary, err := orchestrator.Run(shutdownCtx, time.Now)
	if err != nil {
		log.Error("shutdown orchestrator reported errors", zap.Error(err))
	}
	log.Info("mimolo-ops shutdown complete",
		zap.Int("agent_count", summary.AgentCount),
		zap.Int("force_killed", summary.ForceKilled),
		zap.Float64("duration_seconds", summary.DurationSeconds))

	if err := os.Remove(cfg.IPCPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove socket file", zap.Error(err))
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
