package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/actionqueue"
	"github.com/mimolo/operations/internal/agent"
	"github.com/mimolo/operations/internal/config"
	"github.com/mimolo/operations/internal/pluginstore"
	"github.com/mimolo/operations/internal/protocol"
	"github.com/mimolo/operations/internal/segment"
	"github.com/mimolo/operations/internal/telemetry"
	"github.com/mimolo/operations/internal/widget"
)

// ConfigStore is the reloadable config holder the runtime threads
// through SIGHUP and update_monitor_settings (§A.2, §4.8).
type ConfigStore interface {
	Current() config.Config
	ApplyMonitorSettings(next config.MonitorConfig) error
	PersistAgents(agents []agent.Config) error
}

// Manager is the subset of agent.Manager the bridge drives.
type Manager interface {
	Start(ctx context.Context, cfg agent.Config) error
	Stop(ctx context.Context) func(label string) error
	Labels() []string
	Snapshot(label string) (agent.Snapshot, bool)
	AllSnapshots() []agent.Snapshot
	ForwardCommand(label string, cmd protocol.AgentCommand) agent.SendResult
}

// Tracker is the subset of segment.Tracker the bridge reads.
type Tracker interface {
	Current() segment.CurrentProjection
}

// Handlers is the Command Bridge Server's command dispatcher (C8),
// wired to every collaborator a command might need (§4.8).
type Handlers struct {
	manager  Manager
	tracker  Tracker
	bridge   *widget.Bridge
	queue    *actionqueue.Queue
	cfgStore ConfigStore
	plugins  *pluginstore.Store
	perf     *telemetry.Ring
	log      *zap.Logger

	shuttingDown bool
}

// NewHandlers constructs a Handlers dispatcher.
func NewHandlers(manager Manager, tracker Tracker, wbridge *widget.Bridge, queue *actionqueue.Queue, cfgStore ConfigStore, plugins *pluginstore.Store, perf *telemetry.Ring, log *zap.Logger) *Handlers {
	return &Handlers{manager: manager, tracker: tracker, bridge: wbridge, queue: queue, cfgStore: cfgStore, plugins: plugins, perf: perf, log: log}
}

// BeginShutdown marks the dispatcher as draining, so every subsequent
// mutating command returns shutting_down rather than enqueuing.
func (h *Handlers) BeginShutdown() {
	h.shuttingDown = true
}

var _ Handler = (*Handlers)(nil)

// Handle satisfies bridge.Handler, dispatching cmd to its implementation.
func (h *Handlers) Handle(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	switch cmd {
	case "ping":
		return okResponse(cmd, requestID, map[string]string{"status": "ok"}, now)
	case "get_registered_plugins":
		return h.getRegisteredPlugins(cmd, requestID, now)
	case "get_agent_states":
		return h.getAgentStates(cmd, requestID, now)
	case "get_agent_instances":
		return h.getAgentInstances(cmd, requestID, now)
	case "list_agent_templates":
		return h.listAgentTemplates(cmd, requestID, now)
	case "get_monitor_settings":
		return h.getMonitorSettings(cmd, requestID, now)
	case "get_runtime_perf":
		return h.getRuntimePerf(cmd, requestID, now)

	case "start_agent":
		return h.enqueueAgentLifecycle(ctx, cmd, requestID, raw, now, h.applyStart)
	case "stop_agent":
		return h.enqueueAgentLifecycle(ctx, cmd, requestID, raw, now, h.applyStop)
	case "restart_agent":
		return h.enqueueAgentLifecycle(ctx, cmd, requestID, raw, now, h.applyRestart)

	case "add_agent_instance":
		return h.addAgentInstance(ctx, cmd, requestID, raw, now)
	case "duplicate_agent_instance":
		return h.duplicateAgentInstance(ctx, cmd, requestID, raw, now)
	case "remove_agent_instance":
		return h.removeAgentInstance(ctx, cmd, requestID, raw, now)
	case "update_agent_instance":
		return h.updateAgentInstance(ctx, cmd, requestID, raw, now)

	case "update_monitor_settings":
		return h.updateMonitorSettings(ctx, cmd, requestID, raw, now)

	case "get_widget_manifest":
		return h.getWidgetManifest(cmd, requestID, raw, now)
	case "request_widget_render":
		return h.requestWidgetRender(cmd, requestID, raw, now)
	case "dispatch_widget_action":
		return h.dispatchWidgetAction(cmd, requestID, raw, now)

	case "list_installed_plugins":
		return h.listInstalledPlugins(cmd, requestID, now)
	case "inspect_plugin_archive":
		return h.inspectPluginArchive(cmd, requestID, raw, now)
	case "install_plugin":
		return h.installPlugin(cmd, requestID, raw, now)
	case "upgrade_plugin":
		return h.upgradePlugin(cmd, requestID, raw, now)

	default:
		return errResponse(cmd, requestID, ErrUnknownCommand, now)
	}
}

// --- Introspection -----------------------------------------------------

func (h *Handlers) getRegisteredPlugins(cmd, requestID string, now time.Time) Response {
	manifests, err := h.plugins.Cache.List()
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	return okResponse(cmd, requestID, map[string]any{"plugins": manifests}, now)
}

func (h *Handlers) getAgentStates(cmd, requestID string, now time.Time) Response {
	return okResponse(cmd, requestID, map[string]any{"agents": h.manager.AllSnapshots()}, now)
}

func (h *Handlers) getAgentInstances(cmd, requestID string, now time.Time) Response {
	cfg := h.cfgStore.Current()
	return okResponse(cmd, requestID, map[string]any{"instances": cfg.Agents}, now)
}

func (h *Handlers) listAgentTemplates(cmd, requestID string, now time.Time) Response {
	manifests, err := h.plugins.Cache.List()
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	type template struct {
		PluginID        string   `json:"plugin_id"`
		Version         string   `json:"version"`
		DisplayName     string   `json:"display_name"`
		SupportsWidget  bool     `json:"supports_widget"`
		SupportsRefresh bool     `json:"supports_refresh"`
		ContentModes    []string `json:"content_modes,omitempty"`
	}
	out := make([]template, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, template{
			PluginID: m.PluginID, Version: m.Version, DisplayName: m.DisplayName,
			SupportsWidget: m.SupportsWidget, SupportsRefresh: m.SupportsRefresh, ContentModes: m.ContentModes,
		})
	}
	return okResponse(cmd, requestID, map[string]any{"templates": out}, now)
}

func (h *Handlers) getMonitorSettings(cmd, requestID string, now time.Time) Response {
	cfg := h.cfgStore.Current()
	return okResponse(cmd, requestID, cfg.Monitor, now)
}

func (h *Handlers) getRuntimePerf(cmd, requestID string, now time.Time) Response {
	samples := h.perf.Snapshot()
	return okResponse(cmd, requestID, map[string]any{
		"samples":      samples,
		"segment":      h.tracker.Current(),
		"widget_queue": h.bridge.PendingCount(),
	}, now)
}

// --- Lifecycle (enqueued to C9) ----------------------------------------

type labelRequest struct {
	Label string `json:"label"`
}

func (h *Handlers) enqueueAgentLifecycle(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time, apply func(ctx context.Context, label string) (any, error)) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var req labelRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Label == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"label", now)
	}

	result := make(chan actionqueue.Outcome, 1)
	action := &actionqueue.Action{
		Label:  req.Label,
		Apply:  func() (any, error) { return apply(ctx, req.Label) },
		Result: result,
	}
	if !h.queue.Submit(action) {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	outcome := <-result
	if outcome.Err != nil {
		return errResponse(cmd, requestID, classifyActionErr(outcome.Err), now)
	}
	return okResponse(cmd, requestID, outcome.Data, now)
}

func (h *Handlers) applyStart(ctx context.Context, label string) (any, error) {
	cfg := h.cfgStore.Current()
	for _, a := range cfg.Agents {
		if a.Label == label {
			if err := h.manager.Start(ctx, a); err != nil {
				return nil, err
			}
			return map[string]string{"label": label}, nil
		}
	}
	return nil, fmt.Errorf("unknown_instance")
}

func (h *Handlers) applyStop(ctx context.Context, label string) (any, error) {
	if err := h.manager.Stop(ctx)(label); err != nil {
		return nil, err
	}
	return map[string]string{"label": label}, nil
}

func (h *Handlers) applyRestart(ctx context.Context, label string) (any, error) {
	if _, ok := h.manager.Snapshot(label); !ok {
		return nil, fmt.Errorf("unknown_instance")
	}
	_ = h.manager.Stop(ctx)(label)
	return h.applyStart(ctx, label)
}

func classifyActionErr(err error) string {
	switch err.Error() {
	case "unknown_instance":
		return ErrUnknownInstance
	case "policy_violation":
		return ErrPolicyViolation
	default:
		return ErrPreconditionFailed
	}
}

// --- Instance management (enqueued to C9, mutates config file) ---------

func (h *Handlers) addAgentInstance(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var newCfg agent.Config
	if err := json.Unmarshal(raw, &newCfg); err != nil || newCfg.Label == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"label", now)
	}

	result := make(chan actionqueue.Outcome, 1)
	action := &actionqueue.Action{
		Label: newCfg.Label,
		Apply: func() (any, error) {
			cfg := h.cfgStore.Current()
			for _, a := range cfg.Agents {
				if a.Label == newCfg.Label {
					return nil, fmt.Errorf("precondition_failed")
				}
			}
			agents := append(append([]agent.Config{}, cfg.Agents...), newCfg)
			if err := h.cfgStore.PersistAgents(agents); err != nil {
				return nil, err
			}
			return map[string]string{"label": newCfg.Label}, nil
		},
		Result: result,
	}
	if !h.queue.Submit(action) {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	outcome := <-result
	if outcome.Err != nil {
		return errResponse(cmd, requestID, classifyActionErr(outcome.Err), now)
	}
	return okResponse(cmd, requestID, outcome.Data, now)
}

type duplicateRequest struct {
	SourceLabel string `json:"source_label"`
	NewLabel    string `json:"new_label"`
}

func (h *Handlers) duplicateAgentInstance(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var req duplicateRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SourceLabel == "" || req.NewLabel == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"new_label", now)
	}

	result := make(chan actionqueue.Outcome, 1)
	action := &actionqueue.Action{
		Label: req.NewLabel,
		Apply: func() (any, error) {
			cfg := h.cfgStore.Current()
			var src *agent.Config
			for i := range cfg.Agents {
				if cfg.Agents[i].Label == req.SourceLabel {
					src = &cfg.Agents[i]
				}
				if cfg.Agents[i].Label == req.NewLabel {
					return nil, fmt.Errorf("precondition_failed")
				}
			}
			if src == nil {
				return nil, fmt.Errorf("unknown_instance")
			}
			dup := *src
			dup.Label = req.NewLabel
			agents := append(append([]agent.Config{}, cfg.Agents...), dup)
			if err := h.cfgStore.PersistAgents(agents); err != nil {
				return nil, err
			}
			return map[string]string{"label": req.NewLabel}, nil
		},
		Result: result,
	}
	if !h.queue.Submit(action) {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	outcome := <-result
	if outcome.Err != nil {
		return errResponse(cmd, requestID, classifyActionErr(outcome.Err), now)
	}
	return okResponse(cmd, requestID, outcome.Data, now)
}

func (h *Handlers) removeAgentInstance(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var req labelRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Label == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"label", now)
	}

	result := make(chan actionqueue.Outcome, 1)
	action := &actionqueue.Action{
		Label: req.Label,
		Apply: func() (any, error) {
			cfg := h.cfgStore.Current()
			out := make([]agent.Config, 0, len(cfg.Agents))
			found := false
			for _, a := range cfg.Agents {
				if a.Label == req.Label {
					found = true
					continue
				}
				out = append(out, a)
			}
			if !found {
				return nil, fmt.Errorf("unknown_instance")
			}
			if snap, ok := h.manager.Snapshot(req.Label); ok && snap.State == agent.StateRunning {
				_ = h.manager.Stop(ctx)(req.Label)
			}
			if err := h.cfgStore.PersistAgents(out); err != nil {
				return nil, err
			}
			return map[string]string{"label": req.Label}, nil
		},
		Result: result,
	}
	if !h.queue.Submit(action) {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	outcome := <-result
	if outcome.Err != nil {
		return errResponse(cmd, requestID, classifyActionErr(outcome.Err), now)
	}
	return okResponse(cmd, requestID, outcome.Data, now)
}

func (h *Handlers) updateAgentInstance(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var updated agent.Config
	if err := json.Unmarshal(raw, &updated); err != nil || updated.Label == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"label", now)
	}

	result := make(chan actionqueue.Outcome, 1)
	action := &actionqueue.Action{
		Label: updated.Label,
		Apply: func() (any, error) {
			cfg := h.cfgStore.Current()
			out := make([]agent.Config, len(cfg.Agents))
			copy(out, cfg.Agents)
			found := false
			for i := range out {
				if out[i].Label == updated.Label {
					out[i] = updated
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("unknown_instance")
			}
			if err := h.cfgStore.PersistAgents(out); err != nil {
				return nil, err
			}
			return map[string]string{"label": updated.Label}, nil
		},
		Result: result,
	}
	if !h.queue.Submit(action) {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	outcome := <-result
	if outcome.Err != nil {
		return errResponse(cmd, requestID, classifyActionErr(outcome.Err), now)
	}
	return okResponse(cmd, requestID, outcome.Data, now)
}

// --- Settings (whitelisted, rollback-on-failure) ------------------------

func (h *Handlers) updateMonitorSettings(ctx context.Context, cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var next config.MonitorConfig
	if err := json.Unmarshal(raw, &next); err != nil {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"monitor", now)
	}

	result := make(chan actionqueue.Outcome, 1)
	action := &actionqueue.Action{
		Apply: func() (any, error) {
			if err := h.cfgStore.ApplyMonitorSettings(next); err != nil {
				return nil, fmt.Errorf("precondition_failed")
			}
			return h.cfgStore.Current().Monitor, nil
		},
		Result: result,
	}
	if !h.queue.Submit(action) {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	outcome := <-result
	if outcome.Err != nil {
		return errResponse(cmd, requestID, classifyActionErr(outcome.Err), now)
	}
	return okResponse(cmd, requestID, outcome.Data, now)
}

// --- Widget (forwarded to C7) --------------------------------------------

type widgetManifestRequest struct {
	PluginID string `json:"plugin_id"`
}

func (h *Handlers) getWidgetManifest(cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	var req widgetManifestRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.PluginID == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"plugin_id", now)
	}
	manifests, err := h.plugins.Cache.List()
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	for _, m := range manifests {
		if m.PluginID == req.PluginID {
			return okResponse(cmd, requestID, m, now)
		}
	}
	return errResponse(cmd, requestID, ErrUnknownInstance, now)
}

type renderRequest struct {
	PluginID   string       `json:"plugin_id"`
	InstanceID string       `json:"instance_id"`
	Label      string       `json:"label"`
	Canvas     widget.Canvas `json:"canvas"`
	Mode       string       `json:"mode"`
}

func (h *Handlers) requestWidgetRender(cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	var req renderRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Label == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"label", now)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	pending, err := h.bridge.BeginRender(requestID, req.Label, req.PluginID, req.InstanceID, req.Canvas, req.Mode, now)
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}

	data, _ := json.Marshal(map[string]any{
		"request_id": requestID, "plugin_id": req.PluginID, "instance_id": req.InstanceID,
		"canvas": req.Canvas, "mode": req.Mode,
	})
	res := h.manager.ForwardCommand(req.Label, protocol.AgentCommand{Cmd: "render_widget", Timestamp: now, RequestID: requestID, Data: data})
	if !res.OK {
		return errResponse(cmd, requestID, ErrUnknownInstance, now)
	}

	result := pending.Await()
	if !result.OK {
		return errResponse(cmd, requestID, result.Error, now)
	}
	return okResponse(cmd, requestID, map[string]string{"mode": result.Mode, "html": result.HTML}, now)
}

type widgetActionRequest struct {
	PluginID   string `json:"plugin_id"`
	InstanceID string `json:"instance_id"`
	Label      string `json:"label"`
	Action     string `json:"action"`
}

func (h *Handlers) dispatchWidgetAction(cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	var req widgetActionRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Label == "" || req.Action == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"action", now)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var pending *widget.Request
	if req.Action == "refresh" {
		p, err := h.bridge.BeginRender(requestID, req.Label, req.PluginID, req.InstanceID, widget.Canvas{}, "refresh", now)
		if err != nil {
			return errResponse(cmd, requestID, ErrPreconditionFailed, now)
		}
		pending = p
	}

	data, _ := json.Marshal(map[string]any{
		"request_id": requestID, "plugin_id": req.PluginID, "instance_id": req.InstanceID, "action": req.Action,
	})
	res := h.manager.ForwardCommand(req.Label, protocol.AgentCommand{Cmd: "widget_action", Timestamp: now, RequestID: requestID, Data: data})
	if !res.OK {
		return errResponse(cmd, requestID, ErrUnknownInstance, now)
	}

	if pending == nil {
		return okResponse(cmd, requestID, map[string]string{"status": "dispatched"}, now)
	}
	result := pending.Await()
	if !result.OK {
		return errResponse(cmd, requestID, result.Error, now)
	}
	return okResponse(cmd, requestID, map[string]string{"mode": result.Mode, "html": result.HTML}, now)
}

// --- Plugin store (§6) ----------------------------------------------------

func (h *Handlers) listInstalledPlugins(cmd, requestID string, now time.Time) Response {
	manifests, err := h.plugins.Cache.List()
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	return okResponse(cmd, requestID, map[string]any{"plugins": manifests}, now)
}

type archiveRequest struct {
	ArchivePath string `json:"archive_path"`
	Force       bool   `json:"force,omitempty"`
}

func (h *Handlers) inspectPluginArchive(cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	var req archiveRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.ArchivePath == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"archive_path", now)
	}
	manifest, err := pluginstore.InspectArchive(req.ArchivePath)
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	return okResponse(cmd, requestID, manifest, now)
}

func (h *Handlers) installPlugin(cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var req archiveRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.ArchivePath == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"archive_path", now)
	}
	manifest, err := h.plugins.Install(req.ArchivePath)
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	return okResponse(cmd, requestID, manifest, now)
}

func (h *Handlers) upgradePlugin(cmd, requestID string, raw json.RawMessage, now time.Time) Response {
	if h.shuttingDown {
		return errResponse(cmd, requestID, ErrShuttingDown, now)
	}
	var req archiveRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.ArchivePath == "" {
		return errResponse(cmd, requestID, ErrMissingFieldPrefix+"archive_path", now)
	}
	manifest, err := h.plugins.Upgrade(req.ArchivePath, req.Force)
	if err != nil {
		return errResponse(cmd, requestID, ErrPreconditionFailed, now)
	}
	return okResponse(cmd, requestID, manifest, now)
}
