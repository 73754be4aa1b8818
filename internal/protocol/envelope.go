// Package protocol implements the Agent JSON-Lines Protocol (Agent JLP):
// the newline-delimited JSON wire format spoken between Operations and
// each agent subprocess over stdin/stdout pipes.
//
// One JSON object per line, UTF-8, terminated by '\n'. The envelope's
// "type" field selects the payload variant (§3, §4.1 of the design).
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the Agent JLP envelope's discriminator.
type MessageType string

const (
	TypeHandshake   MessageType = "handshake"
	TypeSummary     MessageType = "summary"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeStatus      MessageType = "status"
	TypeError       MessageType = "error"
	TypeAck         MessageType = "ack"
	TypeLog         MessageType = "log"
	TypeWidgetFrame MessageType = "widget_frame"
)

// LogLevel is the verbosity of a Log envelope.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Envelope is the shared Agent JLP wire structure. Data carries the
// per-type payload as raw JSON so the codec can validate structural
// fields (type, timestamp, agent identity) before the caller decodes
// the type-specific body.
type Envelope struct {
	Type            MessageType     `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	AgentID         string          `json:"agent_id"`
	AgentLabel      string          `json:"agent_label"`
	ProtocolVersion string          `json:"protocol_version"`
	AgentVersion    string          `json:"agent_version"`
	Data            json.RawMessage `json:"data"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
	Level           LogLevel        `json:"level,omitempty"`
	Message         string          `json:"message,omitempty"`
	AckCommand      string          `json:"ack_command,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
}

// ActivitySignal is the only field the Evidence Router consults when
// classifying a Summary as resetting or non-resetting (§4.4).
type ActivitySignal struct {
	Mode      string `json:"mode"` // "active" | "passive"
	KeepAlive bool   `json:"keep_alive,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s ActivitySignal) IsActive() bool {
	return s.Mode == "active" || s.KeepAlive
}

// SummaryData is the decoded "data" body of a Summary envelope.
type SummaryData struct {
	ActivitySignal ActivitySignal  `json:"activity_signal"`
	Extra          json.RawMessage `json:"-"`
}

// StatusData is the decoded "data" body of a Status envelope.
type StatusData struct {
	Detail  string `json:"detail"`
	Healthy bool   `json:"healthy"`
}

// WidgetFrameData is the decoded "data" body of a WidgetFrame envelope.
type WidgetFrameData struct {
	Mode string `json:"mode"`
	HTML string `json:"html"`
}

// ErrorData is the decoded "data" body of a synthetic or agent-emitted
// Error envelope.
type ErrorData struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

// AgentCommand is the line Operations writes to an agent's stdin: the
// stop/flush/shutdown sequence (§4.2, §4.10) and widget render/action
// forwarding (§4.7). Distinct from Envelope, which is what agents write
// back on stdout — commands flow the other direction and carry no
// agent-populated fields.
type AgentCommand struct {
	Cmd       string          `json:"cmd"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EncodeCommand serializes an AgentCommand as one '\n'-terminated JSON
// line, matching Agent JLP framing in the opposite direction.
func EncodeCommand(cmd AgentCommand) ([]byte, error) {
	if cmd.Data == nil {
		cmd.Data = json.RawMessage("{}")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
