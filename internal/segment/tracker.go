// Package segment implements the Segment Tracker (C5): a
// cooldown-driven open/close timeline over resetting evidence events,
// plus the current_segment projection consumed by the cache sink and
// the get_runtime_perf bridge handler.
package segment

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClockSkewFuture is the tolerance beyond which a resetting event's
// timestamp is clamped to now and a clock_skew warning logged (§4.5).
const ClockSkewFuture = 5 * time.Minute

// CacheWriteThrottle bounds how often the current_segment.json cache
// is rewritten in response to resetting events (§4.5: "throttled to at
// most once per second").
const CacheWriteThrottle = 1 * time.Second

// OutOfOrderPolicy selects how a resetting event older than
// last_event_at is handled — spec.md §9's Open Question, resolved
// behind this config switch rather than a silent default (§C).
type OutOfOrderPolicy string

const (
	PolicyAccept OutOfOrderPolicy = "accept" // contribute, do not rewind cooldown_deadline
	PolicyDrop   OutOfOrderPolicy = "drop"   // discard entirely, no contribution
)

// Segment is one entry in the timeline (§3).
type Segment struct {
	SegmentID          string    `json:"segment_id"`
	StartedAt          time.Time `json:"started_at"`
	LastEventAt        time.Time `json:"last_event_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	ResetsCount        int       `json:"resets_count"`
	ContributingLabels []string  `json:"contributing_labels"`
	CooldownDeadline   time.Time `json:"cooldown_deadline"`
}

// CurrentProjection is the current_segment.json schema (§6).
type CurrentProjection struct {
	LastClosed *Segment `json:"last_closed,omitempty"`
	Active     *Segment `json:"active,omitempty"`
}

// JournalSink receives segment_start/segment_close/idle_start records.
// Implemented by the evidence.Sinks adapter so this package does not
// import evidence and create a cycle (§9 layering note).
type JournalSink interface {
	AppendSegmentEvent(kind string, at time.Time, seg Segment, durationS float64)
}

// CacheWriter persists the CurrentProjection atomically. Implemented by
// internal/sink.
type CacheWriter interface {
	WriteCurrentSegment(CurrentProjection) error
}

// Tracker is the Segment Tracker (C5). Holds at most one open segment
// at a time (§3 invariant); exclusively owns segment state.
type Tracker struct {
	mu sync.Mutex

	cooldown time.Duration
	policy   OutOfOrderPolicy

	open       *Segment
	lastClosed *Segment

	lastCacheWrite time.Time

	log   *zap.Logger
	sink  JournalSink
	cache CacheWriter

	newID func() string
}

// NewTracker constructs a Tracker.
func NewTracker(cooldown time.Duration, policy OutOfOrderPolicy, log *zap.Logger, sink JournalSink, cache CacheWriter) *Tracker {
	return &Tracker{
		cooldown: cooldown,
		policy:   policy,
		log:      log,
		sink:     sink,
		cache:    cache,
		newID:    func() string { return uuid.New().String() },
	}
}

// SetCooldown updates the cooldown window, applied by SIGHUP reload or
// update_monitor_settings (§A.2).
func (t *Tracker) SetCooldown(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cooldown = d
	if t.open != nil {
		t.open.CooldownDeadline = t.open.LastEventAt.Add(t.cooldown)
	}
}

// ObserveResettingEvent records one resetting event from label at the
// agent-supplied timestamp (§4.4/§4.5). monotonicNow is injected so
// clock-skew clamping can be tested deterministically.
func (t *Tracker) ObserveResettingEvent(label string, at time.Time) {
	t.observe(label, at, time.Now())
}

func (t *Tracker) observe(label string, at, monotonicNow time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at.After(monotonicNow.Add(ClockSkewFuture)) {
		t.log.Warn("clock_skew: resetting event timestamp clamped to now",
			zap.String("label", label), zap.Time("event_ts", at))
		at = monotonicNow
	}

	if t.open == nil {
		id := t.newID()
		t.open = &Segment{
			SegmentID:          id,
			StartedAt:          at,
			LastEventAt:        at,
			ResetsCount:        1,
			ContributingLabels: []string{label},
			CooldownDeadline:   at.Add(t.cooldown),
		}
		t.sink.AppendSegmentEvent("segment_start", at, *t.open, 0)
		t.writeCache(true)
		return
	}

	if at.Before(t.open.LastEventAt) {
		switch t.policy {
		case PolicyDrop:
			return
		default: // PolicyAccept
			t.open.ResetsCount++
			t.appendContributor(label)
			t.maybeWriteCacheThrottled()
			return
		}
	}

	t.open.LastEventAt = at
	t.open.ResetsCount++
	t.appendContributor(label)
	t.open.CooldownDeadline = at.Add(t.cooldown)
	t.maybeWriteCacheThrottled()
}

func (t *Tracker) appendContributor(label string) {
	for _, l := range t.open.ContributingLabels {
		if l == label {
			return
		}
	}
	t.open.ContributingLabels = append(t.open.ContributingLabels, label)
	sort.Strings(t.open.ContributingLabels)
}

func (t *Tracker) maybeWriteCacheThrottled() {
	if time.Since(t.lastCacheWrite) < CacheWriteThrottle {
		return
	}
	t.writeCache(false)
}

func (t *Tracker) writeCache(force bool) {
	if !force && time.Since(t.lastCacheWrite) < CacheWriteThrottle {
		return
	}
	t.lastCacheWrite = time.Now()
	proj := t.projectionLocked()
	if err := t.cache.WriteCurrentSegment(proj); err != nil {
		t.log.Warn("current_segment cache write failed", zap.Error(err))
	}
}

// Tick closes the open segment if its cooldown deadline has passed
// (§4.5). Called once per runtime tick.
func (t *Tracker) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open == nil || now.Before(t.open.CooldownDeadline) {
		return
	}

	closedAt := now
	t.open.ClosedAt = &closedAt
	durationS := closedAt.Sub(t.open.StartedAt).Seconds()
	t.sink.AppendSegmentEvent("segment_close", closedAt, *t.open, durationS)
	t.sink.AppendSegmentEvent("idle_start", closedAt, *t.open, 0)

	closed := *t.open
	t.lastClosed = &closed
	t.open = nil
	t.writeCache(true)
}

// Current returns the current_segment projection (§3, §6).
func (t *Tracker) Current() CurrentProjection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.projectionLocked()
}

func (t *Tracker) projectionLocked() CurrentProjection {
	var proj CurrentProjection
	if t.lastClosed != nil {
		c := *t.lastClosed
		proj.LastClosed = &c
	}
	if t.open != nil {
		o := *t.open
		proj.Active = &o
	}
	return proj
}

// ForceClose closes any open segment immediately, used by the Shutdown
// Orchestrator (§4.10: "close the open segment, if any").
func (t *Tracker) ForceClose(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		return
	}
	closedAt := now
	t.open.ClosedAt = &closedAt
	durationS := closedAt.Sub(t.open.StartedAt).Seconds()
	t.sink.AppendSegmentEvent("segment_close", closedAt, *t.open, durationS)
	t.sink.AppendSegmentEvent("idle_start", closedAt, *t.open, 0)
	closed := *t.open
	t.lastClosed = &closed
	t.open = nil
	t.writeCache(true)
}

// MarshalCurrentSegment renders the projection for the cache sink; kept
// alongside CurrentProjection so callers needn't import encoding/json
// separately.
func MarshalCurrentSegment(p CurrentProjection) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
