// Package sink implements the Evidence Sinks (C6): the append-only
// daily journal, the atomic current_segment cache, and the
// orchestrator log. Exclusively owns its file descriptors (§3
// Ownership).
package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/segment"
)

// Journal is the daily append-only JSON-lines evidence ledger (§4.6).
// One file per UTC date; rotates at UTC midnight on the next write.
type Journal struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger

	currentDate string
	f           *os.File
	w           *bufio.Writer

	failedOnce bool
	degraded   bool
}

// NewJournal constructs a Journal writing under dir.
func NewJournal(dir string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sink.NewJournal: mkdir %q: %w", dir, err)
	}
	return &Journal{dir: dir, log: log}, nil
}

func (j *Journal) pathForDate(date string) string {
	return filepath.Join(j.dir, date+".mimolo.jsonl")
}

// rotateLocked opens (creating if necessary) the file for today's UTC
// date if it differs from the currently-open file.
func (j *Journal) rotateLocked() error {
	today := time.Now().UTC().Format("2006-01-02")
	if j.f != nil && today == j.currentDate {
		return nil
	}
	if j.f != nil {
		j.w.Flush()
		j.f.Close()
	}
	f, err := os.OpenFile(j.pathForDate(today), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	j.f = f
	j.w = bufio.NewWriter(f)
	j.currentDate = today
	return nil
}

// AppendJournal writes one evidence record, line-flushed before return
// (§4.6 crash semantics). Satisfies evidence.Sinks.
func (j *Journal) AppendJournal(rec evidence.Record) error {
	return j.appendLine(rec)
}

func (j *Journal) appendLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sink: marshal journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	writeErr := j.writeLocked(line)
	if writeErr == nil {
		j.failedOnce = false
		return nil
	}

	if !j.failedOnce {
		j.failedOnce = true
		// Retry once (§7 sink faults).
		writeErr = j.writeLocked(line)
		if writeErr == nil {
			j.failedOnce = false
			return nil
		}
	}

	j.degraded = true
	j.log.Error("journal_write_failed", zap.Error(writeErr))
	return fmt.Errorf("journal_write_failed: %w", writeErr)
}

func (j *Journal) writeLocked(line []byte) error {
	if err := j.rotateLocked(); err != nil {
		return err
	}
	if _, err := j.w.Write(line); err != nil {
		return err
	}
	return j.w.Flush()
}

// Degraded reports whether the journal has hit a sustained write
// failure and the runtime is operating in counted-loss mode (§7).
func (j *Journal) Degraded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.degraded
}

// AppendSegmentEvent satisfies segment.JournalSink.
func (j *Journal) AppendSegmentEvent(kind string, at time.Time, seg segment.Segment, durationS float64) {
	type segmentEventRecord struct {
		Timestamp time.Time `json:"timestamp"`
		Kind      string    `json:"kind"`
		SegmentID string    `json:"segment_id"`
		StartedAt time.Time `json:"started_at"`
		DurationS float64   `json:"duration_s,omitempty"`
		ResetsCount int     `json:"resets_count"`
		ContributingLabels []string `json:"contributing_labels"`
	}
	rec := segmentEventRecord{
		Timestamp:          at,
		Kind:               kind,
		SegmentID:          seg.SegmentID,
		StartedAt:          seg.StartedAt,
		DurationS:          durationS,
		ResetsCount:        seg.ResetsCount,
		ContributingLabels: seg.ContributingLabels,
	}
	if err := j.appendLine(rec); err != nil {
		j.log.Error("failed to journal segment event", zap.String("kind", kind), zap.Error(err))
	}
}

// AppendLifecycleEvent journals a structured lifecycle breadcrumb, used
// by the Shutdown Orchestrator (§4.10:
// orchestrator.shutdown_initiated/complete).
func (j *Journal) AppendLifecycleEvent(kind string, at time.Time, payload any) {
	data, _ := json.Marshal(payload)
	rec := evidence.Record{Timestamp: at, Kind: kind, Payload: data}
	if err := j.appendLine(rec); err != nil {
		j.log.Error("failed to journal lifecycle event", zap.String("kind", kind), zap.Error(err))
	}
}

// Close flushes and closes the currently-open journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	j.w.Flush()
	err := j.f.Close()
	j.f = nil
	return err
}
