package sink

import (
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/protocol"
)

// OpsLog renders C4-filtered agent log records to the orchestrator log
// (§4.6, third sink output); lifecycle breadcrumbs go to the Journal. It wraps the same
// *zap.Logger every other component logs through so operator-facing
// output is interleaved in one file, just tagged by source.
type OpsLog struct {
	log *zap.Logger
}

// NewOpsLog constructs an OpsLog around an already-configured logger;
// records go wherever that logger writes.
func NewOpsLog(log *zap.Logger) *OpsLog {
	return &OpsLog{log: log}
}

// AppendLog satisfies evidence.Sinks. Agent log lines are rendered at
// the level the agent reported, tagged with the originating label.
func (o *OpsLog) AppendLog(level protocol.LogLevel, label, message string) {
	fields := []zap.Field{zap.String("label", label), zap.String("source", "agent")}
	switch level {
	case protocol.LevelDebug:
		o.log.Debug(message, fields...)
	case protocol.LevelWarning:
		o.log.Warn(message, fields...)
	case protocol.LevelError:
		o.log.Error(message, fields...)
	default:
		o.log.Info(message, fields...)
	}
}
