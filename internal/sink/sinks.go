package sink

import (
	"time"

	"github.com/mimolo/operations/internal/evidence"
	"github.com/mimolo/operations/internal/protocol"
)

// Sinks composes the Journal and OpsLog into the single evidence.Sinks
// the Router was constructed against, so the router needn't know about
// two separate sink objects (§3: "C6 exclusively owns sink file
// descriptors").
type Sinks struct {
	Journal *Journal
	OpsLog  *OpsLog
}

var _ evidence.Sinks = (*Sinks)(nil)

func (s *Sinks) AppendJournal(rec evidence.Record) error {
	return s.Journal.AppendJournal(rec)
}

func (s *Sinks) AppendLog(level protocol.LogLevel, label, message string) {
	s.OpsLog.AppendLog(level, label, message)
}

// AppendLifecycleEvent delegates to the Journal, used by the Shutdown
// Orchestrator for its shutdown_initiated/shutdown_complete breadcrumbs
// (§4.10).
func (s *Sinks) AppendLifecycleEvent(kind string, at time.Time, payload any) {
	s.Journal.AppendLifecycleEvent(kind, at, payload)
}

// Close releases every sink's open file descriptor, per the
// scoped-acquisition rule in §9: released on every exit path.
func (s *Sinks) Close() error {
	return s.Journal.Close()
}
