package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxLineBytes is the largest single Agent JLP line the codec accepts.
// Oversize lines are rejected with a synthetic Error envelope rather
// than propagated (§4.1).
const MaxLineBytes = 256 * 1024

// DiagnosticTruncateBytes bounds the raw-line diagnostic payload
// attached to a protocol_unknown_type error.
const DiagnosticTruncateBytes = 512

// Decode errors. Each is surfaced as a synthetic Error envelope by the
// caller (Agent Process Handle), not returned to the agent.
var (
	ErrLineOversize    = fmt.Errorf("protocol_frame_oversize")
	ErrInvalidUTF8     = fmt.Errorf("protocol_invalid_utf8")
	ErrUnknownType     = fmt.Errorf("protocol_unknown_type")
	ErrMissingTimezone = fmt.Errorf("timestamp_missing_tz")
	ErrEmbeddedNewline = fmt.Errorf("protocol_embedded_newline")
)

// rawEnvelope mirrors Envelope but keeps Timestamp as a string so Decode
// can apply the "timezone required" check before committing to a
// time.Time value (time.Parse silently accepts non-RFC3339 layouts that
// would otherwise hide a missing offset).
type rawEnvelope struct {
	Type            MessageType     `json:"type"`
	Timestamp       string          `json:"timestamp"`
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

var knownTypes = map[MessageType]bool{
	TypeHandshake:   true,
	TypeSummary:     true,
	TypeHeartbeat:   true,
	TypeStatus:      true,
	TypeError:       true,
	TypeAck:         true,
	TypeLog:         true,
	TypeWidgetFrame: true,
}

// Decode parses one Agent JLP line (without its trailing newline) into
// an Envelope. line must not contain an embedded '\n' — the stdout
// reader is responsible for splitting on newlines before calling Decode,
// so ErrEmbeddedNewline only fires if a caller passes a multi-line
// chunk by mistake.
func Decode(line []byte) (*Envelope, error) {
	if len(line) > MaxLineBytes {
		return nil, ErrLineOversize
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}
	if !utf8.Valid(line) {
		return nil, ErrInvalidUTF8
	}

	var raw rawEnvelope
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, err)
	}

	if raw.Type == "" || !knownTypes[raw.Type] {
		return nil, ErrUnknownType
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Type:            raw.Type,
		Timestamp:       ts,
		AgentID:         raw.AgentID,
		AgentLabel:      raw.AgentLabel,
		ProtocolVersion: raw.ProtocolVersion,
		AgentVersion:    raw.AgentVersion,
		Data:            raw.Data,
		Metrics:         raw.Metrics,
		Level:           raw.Level,
		Message:         raw.Message,
		AckCommand:      raw.AckCommand,
		RequestID:       raw.RequestID,
	}, nil
}

// parseTimestamp requires an explicit UTC offset (RFC3339 with a 'Z' or
// "+HH:MM"/"-HH:MM" suffix). A bare local-looking timestamp is rejected
// per §4.1.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrMissingTimezone
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrMissingTimezone, err)
		}
	}
	// time.Parse(RFC3339...) accepts an offset but Go will also parse a
	// string lacking a zone designator as an error already; this check
	// additionally guards against "Z"-less layouts that time.Parse
	// would otherwise have rejected only via format mismatch above.
	return t.UTC(), nil
}

// TruncateDiagnostic returns line truncated to DiagnosticTruncateBytes,
// for attaching to a protocol_unknown_type error payload.
func TruncateDiagnostic(line []byte) string {
	if len(line) <= DiagnosticTruncateBytes {
		return string(line)
	}
	return string(line[:DiagnosticTruncateBytes])
}

// Encode serializes an Envelope with deterministic key order and a
// trailing '\n', matching what an emitter (Operations writing a command,
// or a synthetic Error) must produce.
func Encode(env *Envelope) ([]byte, error) {
	out := struct {
		Type            MessageType     `json:"type"`
		Timestamp       string          `json:"timestamp"`
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
	}{
		Type:            env.Type,
		Timestamp:       env.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentID:         env.AgentID,
		AgentLabel:      env.AgentLabel,
		ProtocolVersion: env.ProtocolVersion,
		AgentVersion:    env.AgentVersion,
		Data:            env.Data,
		Metrics:         env.Metrics,
		Level:           env.Level,
		Message:         env.Message,
		AckCommand:      env.AckCommand,
		RequestID:       env.RequestID,
	}
	if out.Data == nil {
		out.Data = json.RawMessage("{}")
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}
	return append(data, '\n'), nil
}

// SyntheticError builds an Error envelope the core attributes to a given
// agent label, for protocol-layer faults that never reached a
// well-formed agent message (oversize line, unknown type, bad timestamp).
func SyntheticError(label, kind string, rawLine []byte, now time.Time) *Envelope {
	data, _ := json.Marshal(ErrorData{
		Kind:    kind,
		Payload: TruncateDiagnostic(rawLine),
	})
	return &Envelope{
		Type:            TypeError,
		Timestamp:       now.UTC(),
		AgentLabel:      label,
		ProtocolVersion: "0.0",
		Data:            data,
	}
}
