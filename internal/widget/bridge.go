// Package widget implements the Widget Bridge (C7): correlates
// Control's render/action requests with agent widget_frame responses,
// enforces payload bounds, and issues short-lived artifact tokens that
// never expose raw filesystem paths to Control.
package widget

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/protocol"
)

// Canvas describes the render surface Control offers (§3 Widget Request).
type Canvas struct {
	AspectRatio string `json:"aspect_ratio"`
	MaxW        int    `json:"max_w"`
	MaxH        int    `json:"max_h"`
}

// Request is one pending render/action correlation (§3 Widget Request).
type Request struct {
	RequestID  string
	PluginID   string
	InstanceID string
	Canvas     Canvas
	Mode       string
	IssuedAt   time.Time
	DeadlineAt time.Time

	label string
	done  chan Result
}

// Result is what the bridge hands back to Control once a widget_frame
// arrives or the deadline elapses.
type Result struct {
	OK      bool
	Mode    string
	HTML    string
	Error   string // "render_timeout" | "render_payload_too_large" | "render_validation_failed"
}

// ArtifactResolver resolves a minted token back to a real filesystem
// artifact path, scoped to the issuing agent's declared artifact root
// (§4.7, §C "Widget artifact root resolution").
type ArtifactResolver interface {
	ArtifactRoot(label string) (string, bool)
}

// Config bounds the bridge's behavior (§4.7).
type Config struct {
	RenderDeadline   time.Duration
	MaxFragmentBytes int
	ArtifactTokenTTL time.Duration
	PendingTableCap  int
}

// Bridge is the Widget Bridge (C7). Owns the pending-request table
// exclusively (§3 Ownership).
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*Request

	cfg Config
	log *zap.Logger

	tokens map[string]artifactToken
}

type artifactToken struct {
	label      string
	artifactRef string
	expiresAt  time.Time
}

// NewBridge constructs a Bridge.
func NewBridge(cfg Config, log *zap.Logger) *Bridge {
	return &Bridge{
		pending: make(map[string]*Request),
		cfg:     cfg,
		log:     log,
		tokens:  make(map[string]artifactToken),
	}
}

// ErrPendingTableFull is returned when the bridge is at capacity and
// cannot accept a new render request (property 6: "never exceeds its
// configured capacity").
var ErrPendingTableFull = fmt.Errorf("widget_pending_table_full")

// BeginRender registers a new pending request and returns it; its Await
// resolves once the agent responds or the deadline elapses.
// Callers (the C8 request_widget_render handler) must call Await on the
// returned Request.
func (b *Bridge) BeginRender(requestID, label, pluginID, instanceID string, canvas Canvas, mode string, now time.Time) (*Request, error) {
	b.mu.Lock()
	if len(b.pending) >= b.cfg.PendingTableCap {
		b.mu.Unlock()
		return nil, ErrPendingTableFull
	}
	req := &Request{
		RequestID:  requestID,
		PluginID:   pluginID,
		InstanceID: instanceID,
		Canvas:     canvas,
		Mode:       mode,
		IssuedAt:   now,
		DeadlineAt: now.Add(b.cfg.RenderDeadline),
		label:      label,
		done:       make(chan Result, 1),
	}
	b.pending[requestID] = req
	b.mu.Unlock()
	return req, nil
}

// Await blocks until req resolves (widget_frame arrival, OnWidgetFrame)
// or its deadline elapses, whichever first. Safe to call once per
// request.
func (req *Request) Await() Result {
	timer := time.NewTimer(time.Until(req.DeadlineAt))
	defer timer.Stop()
	select {
	case r := <-req.done:
		return r
	case <-timer.C:
		return Result{OK: false, Error: "render_timeout"}
	}
}

// Sweep evicts any pending request past its deadline, resolving it with
// render_timeout. Called each tick so a caller that never calls Await
// still frees its slot (property 6: "or is evicted with render_timeout").
func (b *Bridge) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, req := range b.pending {
		if now.After(req.DeadlineAt) {
			select {
			case req.done <- Result{OK: false, Error: "render_timeout"}:
			default:
			}
			delete(b.pending, id)
		}
	}
	for tok, at := range b.tokens {
		if now.After(at.expiresAt) {
			delete(b.tokens, tok)
		}
	}
}

// allowedArtifactPrefix is the required src shape for any artifact
// reference inside a widget_frame fragment (§4.7).
const allowedArtifactPrefix = "mimolo://artifact/"

// OnWidgetFrame satisfies evidence.WidgetReceiver. It validates the
// frame against the bounds in §4.7 and resolves the matching pending
// request.
func (b *Bridge) OnWidgetFrame(requestID string, env *protocol.Envelope) {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		// No matching waiter — either already timed out or an
		// unsolicited frame. Drop silently; nothing to correlate.
		return
	}

	var data protocol.WidgetFrameData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		req.done <- Result{OK: false, Error: "render_validation_failed"}
		return
	}

	if len(data.HTML) > b.cfg.MaxFragmentBytes {
		req.done <- Result{OK: false, Error: "render_payload_too_large"}
		return
	}

	if !validateArtifactTokens(data.HTML) {
		req.done <- Result{OK: false, Error: "render_validation_failed"}
		return
	}

	req.done <- Result{OK: true, Mode: data.Mode, HTML: data.HTML}
}

// validateArtifactTokens rejects any src="..." attribute whose value is
// not shaped mimolo://artifact/<opaque> — raw paths anywhere fail
// validation (§4.7).
func validateArtifactTokens(html string) bool {
	idx := 0
	for {
		i := strings.Index(html[idx:], "src=\"")
		if i < 0 {
			return true
		}
		start := idx + i + len("src=\"")
		end := strings.Index(html[start:], "\"")
		if end < 0 {
			return false
		}
		val := html[start : start+end]
		if !strings.HasPrefix(val, allowedArtifactPrefix) {
			return false
		}
		token := strings.TrimPrefix(val, allowedArtifactPrefix)
		if token == "" || strings.ContainsAny(token, "/\\") {
			return false
		}
		idx = start + end
	}
}

// MintArtifactToken issues a short-lived, single-resolve token for
// artifactRef, scoped to label's declared artifact root (§3 Artifact
// Token, §C). The caller (an agent-originated resolution request, or
// an install/inspect flow) must already have validated artifactRef
// stays within resolver.ArtifactRoot(label).
func (b *Bridge) MintArtifactToken(label, artifactRef string, now time.Time) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("widget: mint token: %w", err)
	}
	token := hex.EncodeToString(buf)

	b.mu.Lock()
	b.tokens[token] = artifactToken{
		label:       label,
		artifactRef: artifactRef,
		expiresAt:   now.Add(b.cfg.ArtifactTokenTTL),
	}
	b.mu.Unlock()
	return token, nil
}

// ResolveArtifactToken resolves token to its artifact_ref exactly once;
// a second resolution attempt fails (§3: "single-resolve-through-bridge").
func (b *Bridge) ResolveArtifactToken(token string, now time.Time) (artifactRef string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok, found := b.tokens[token]
	if !found || now.After(tok.expiresAt) {
		return "", false
	}
	delete(b.tokens, token)
	return tok.artifactRef, true
}

// PendingCount returns the current pending-table size, for perf
// telemetry and tests of property 6.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
