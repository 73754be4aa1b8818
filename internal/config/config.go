// Package config provides configuration loading, validation, and
// SIGHUP hot-reload for the Operations runtime.
//
// Configuration file: /etc/mimolo/ops.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The runtime listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate the YAML file.
//   - Only the whitelisted monitor keys (poll_tick_s, cooldown_seconds,
//     console_verbosity) are applied live, via the same apply path
//     update_monitor_settings uses.
//   - If the new config is invalid, the old config remains active and
//     an error is logged. The runtime does NOT crash on invalid reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges are enforced.
//   - Invalid config on startup: fatal, non-zero exit.
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mimolo/operations/internal/agent"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HotReloadableKeys lists the monitor settings that may be applied
// through SIGHUP or update_monitor_settings without a restart (§A.2,
// §4.8).
var HotReloadableKeys = []string{"poll_tick_s", "cooldown_seconds", "console_verbosity"}

// Config is the root configuration structure for Operations.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	DataDir   string `yaml:"data_dir"`
	IPCPath   string `yaml:"ipc_path"`
	OpsLogPath string `yaml:"ops_log_path"`

	Monitor       MonitorConfig        `yaml:"monitor"`
	TrustRoots    TrustRootsConfig     `yaml:"trust_roots"`
	Observability ObservabilityConfig  `yaml:"observability"`
	Bridge        BridgeConfig         `yaml:"bridge"`
	Widget        WidgetConfig         `yaml:"widget"`
	Shutdown      ShutdownConfig       `yaml:"shutdown"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`

	Agents []agent.Config `yaml:"agents"`
}

// MonitorConfig holds the tick-thread parameters, including the two
// settings whose defaults resolve spec.md's §9 Open Question and
// overflow-policy switch (§A "Supplemented Features").
type MonitorConfig struct {
	PollTickS        float64 `yaml:"poll_tick_s" json:"poll_tick_s"`
	CooldownSeconds  float64 `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	ConsoleVerbosity string  `yaml:"console_verbosity" json:"console_verbosity"`
	OutOfOrderPolicy string  `yaml:"out_of_order_policy" json:"out_of_order_policy"` // "accept" | "drop"
	MaxPerAgentDrain int     `yaml:"max_per_agent_drain" json:"max_per_agent_drain"`
	InboundQueueCap  int     `yaml:"inbound_queue_capacity" json:"inbound_queue_capacity"`
}

func (m MonitorConfig) PollTick() time.Duration {
	return time.Duration(m.PollTickS * float64(time.Second))
}

func (m MonitorConfig) CooldownDuration() time.Duration {
	return time.Duration(m.CooldownSeconds * float64(time.Second))
}

// TrustRootsConfig names the allowlisted directories an agent
// executable must resolve under (§3, §4.3).
type TrustRootsConfig struct {
	WorkspaceAgentsDir        string `yaml:"workspace_agents_dir"`
	InstalledPluginsAgentsDir string `yaml:"installed_plugins_agents_dir"`
}

func (t TrustRootsConfig) ToAgentTrustRoots() agent.TrustRoots {
	return agent.TrustRoots{
		WorkspaceAgentsDir:        t.WorkspaceAgentsDir,
		InstalledPluginsAgentsDir: t.InstalledPluginsAgentsDir,
	}
}

// ObservabilityConfig holds logging and metrics parameters.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// BridgeConfig holds Command Bridge Server parameters (§4.8).
type BridgeConfig struct {
	MaxConnections int `yaml:"max_connections"`
}

// WidgetConfig holds Widget Bridge parameters (§4.7).
type WidgetConfig struct {
	RenderDeadlineMs   int64 `yaml:"render_deadline_ms"`
	MaxFragmentBytes   int   `yaml:"max_fragment_bytes"`
	ArtifactTokenTTLMs int64 `yaml:"artifact_token_ttl_ms"`
	PendingTableCap    int   `yaml:"pending_table_capacity"`
}

// ShutdownConfig holds Shutdown Orchestrator timeouts (§4.10).
type ShutdownConfig struct {
	GraceTotalS  float64 `yaml:"grace_total_s"`
	PhaseTimeoutS float64 `yaml:"phase_timeout_s"`
}

func (s ShutdownConfig) GraceTotal() time.Duration {
	return time.Duration(s.GraceTotalS * float64(time.Second))
}

func (s ShutdownConfig) PhaseTimeout() time.Duration {
	return time.Duration(s.PhaseTimeoutS * float64(time.Second))
}

// TelemetryConfig holds Perf Telemetry retention (§4.11).
type TelemetryConfig struct {
	RingSize int `yaml:"ring_size"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		DataDir:       "/var/lib/mimolo",
		IPCPath:       "/run/mimolo/ops.sock",
		OpsLogPath:    "/var/log/mimolo/ops.log",
		Monitor: MonitorConfig{
			PollTickS:        0.2,
			CooldownSeconds:  900,
			ConsoleVerbosity: "info",
			OutOfOrderPolicy: "accept",
			MaxPerAgentDrain: 64,
			InboundQueueCap:  1024,
		},
		TrustRoots: TrustRootsConfig{
			WorkspaceAgentsDir:        "/var/lib/mimolo/operations/agents",
			InstalledPluginsAgentsDir: "/var/lib/mimolo/operations/plugins/agents",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: "127.0.0.1:9094",
		},
		Bridge: BridgeConfig{
			MaxConnections: 32,
		},
		Widget: WidgetConfig{
			RenderDeadlineMs:   2000,
			MaxFragmentBytes:   64 * 1024,
			ArtifactTokenTTLMs: 5000,
			PendingTableCap:    256,
		},
		Shutdown: ShutdownConfig{
			GraceTotalS:   10,
			PhaseTimeoutS: 3,
		},
		Telemetry: TelemetryConfig{
			RingSize: 300,
		},
	}
}

// maxUnixSocketPathLen is the sockaddr_un limit on Linux (108 bytes
// including the NUL terminator, so 107 usable).
const maxUnixSocketPathLen = 107

// Load reads and validates a config file from the given path, applies
// environment-variable overrides, and falls back to a short
// temp-directory socket path if IPCPath would not fit in sockaddr_un
// (§6, §A "Supplemented Features").
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applySocketPathFallback(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIMOLO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MIMOLO_IPC_PATH"); v != "" {
		cfg.IPCPath = v
	}
	if v := os.Getenv("MIMOLO_OPS_LOG_PATH"); v != "" {
		cfg.OpsLogPath = v
	}
}

func applySocketPathFallback(cfg *Config) {
	if len(cfg.IPCPath) <= maxUnixSocketPathLen {
		return
	}
	fallback := fmt.Sprintf("%s/mimolo-ops-%d.sock", os.TempDir(), os.Getpid())
	cfg.IPCPath = fallback
}

// Validate checks all config fields for correctness.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}
	if cfg.IPCPath == "" {
		errs = append(errs, "ipc_path must not be empty")
	}
	if cfg.Monitor.PollTickS <= 0 {
		errs = append(errs, fmt.Sprintf("monitor.poll_tick_s must be > 0, got %f", cfg.Monitor.PollTickS))
	}
	if cfg.Monitor.CooldownSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("monitor.cooldown_seconds must be > 0, got %f", cfg.Monitor.CooldownSeconds))
	}
	switch cfg.Monitor.ConsoleVerbosity {
	case "debug", "info", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("monitor.console_verbosity must be one of debug|info|warning|error, got %q", cfg.Monitor.ConsoleVerbosity))
	}
	switch cfg.Monitor.OutOfOrderPolicy {
	case "accept", "drop":
	default:
		errs = append(errs, fmt.Sprintf("monitor.out_of_order_policy must be accept|drop, got %q", cfg.Monitor.OutOfOrderPolicy))
	}
	if cfg.Monitor.MaxPerAgentDrain < 1 {
		errs = append(errs, "monitor.max_per_agent_drain must be >= 1")
	}
	if cfg.Monitor.InboundQueueCap < 1 {
		errs = append(errs, "monitor.inbound_queue_capacity must be >= 1")
	}
	if cfg.TrustRoots.WorkspaceAgentsDir == "" && cfg.TrustRoots.InstalledPluginsAgentsDir == "" {
		errs = append(errs, "trust_roots: at least one of workspace_agents_dir/installed_plugins_agents_dir must be set")
	}
	if cfg.Widget.RenderDeadlineMs < 500 || cfg.Widget.RenderDeadlineMs > 10000 {
		errs = append(errs, fmt.Sprintf("widget.render_deadline_ms must be in [500, 10000], got %d", cfg.Widget.RenderDeadlineMs))
	}
	if cfg.Widget.ArtifactTokenTTLMs < 500 || cfg.Widget.ArtifactTokenTTLMs > 10000 {
		errs = append(errs, fmt.Sprintf("widget.artifact_token_ttl_ms must be in [500, 10000], got %d", cfg.Widget.ArtifactTokenTTLMs))
	}
	if cfg.Widget.MaxFragmentBytes <= 0 {
		errs = append(errs, "widget.max_fragment_bytes must be > 0")
	}
	if cfg.Shutdown.GraceTotalS <= 0 {
		errs = append(errs, "shutdown.grace_total_s must be > 0")
	}
	if cfg.Shutdown.PhaseTimeoutS <= 0 || cfg.Shutdown.PhaseTimeoutS > cfg.Shutdown.GraceTotalS {
		errs = append(errs, "shutdown.phase_timeout_s must be > 0 and <= shutdown.grace_total_s")
	}
	if cfg.Telemetry.RingSize < 1 {
		errs = append(errs, "telemetry.ring_size must be >= 1")
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Label == "" {
			errs = append(errs, "agents[]: label must not be empty")
			continue
		}
		if seen[a.Label] {
			errs = append(errs, fmt.Sprintf("agents[]: duplicate label %q", a.Label))
		}
		seen[a.Label] = true
		if a.Executable == "" {
			errs = append(errs, fmt.Sprintf("agents[%s]: executable must not be empty", a.Label))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// ApplyHotReloadable copies the whitelisted fields of next onto cur,
// leaving everything else untouched. Used by both the SIGHUP handler
// and update_monitor_settings so the two triggers converge on one
// apply function (§A "Supplemented Features").
func ApplyHotReloadable(cur *Config, next Config) {
	cur.Monitor.PollTickS = next.Monitor.PollTickS
	cur.Monitor.CooldownSeconds = next.Monitor.CooldownSeconds
	cur.Monitor.ConsoleVerbosity = next.Monitor.ConsoleVerbosity
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
