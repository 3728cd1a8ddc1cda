package proto

import "encoding/json"

// ControlKind is the closed set of frame kinds the control plane sends to
// an agent subprocess on its stdin.
type ControlKind string

const (
	ControlMessage  ControlKind = "message"
	ControlTask     ControlKind = "task"
	ControlShutdown ControlKind = "shutdown"
)

// ControlFrame is one newline-delimited JSON object written to an agent's
// stdin by the Process Supervisor.
type ControlFrame struct {
	Kind    ControlKind `json:"kind"`
	Message *Message    `json:"message,omitempty"`
	Task    *Task       `json:"task,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// AgentFrameKind is the closed set of frame kinds an agent subprocess
// writes back on its stdout.
type AgentFrameKind string

const (
	AgentFrameReady     AgentFrameKind = "ready"
	AgentFrameResponse  AgentFrameKind = "response"
	AgentFrameLog       AgentFrameKind = "log"
	AgentFrameHeartbeat AgentFrameKind = "heartbeat"
)

// AgentFrame is one newline-delimited JSON object read from an agent's
// stdout by the Process Supervisor.
type AgentFrame struct {
	Kind         AgentFrameKind `json:"kind"`
	TaskID       string         `json:"taskId,omitempty"`
	ReplyTo      string         `json:"replyTo,omitempty"`
	Content      string         `json:"content,omitempty"`
	Level        string         `json:"level,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// MarshalLine renders v as compact JSON followed by a single newline, the
// exact wire framing the subprocess protocol uses in both directions.
func MarshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
