package types

import "encoding/json"

// MessageKind discriminates the closed set of session message variants.
type MessageKind string

const (
	MessageUserText   MessageKind = "user-text"
	MessageAgentText  MessageKind = "agent-text"
	MessageToolCall   MessageKind = "tool-call"
	MessageAgentEvent MessageKind = "agent-event"
)

// SessionMessage is one envelope on a session's append-only log. Body is
// ciphertext; Seq is assigned by the relay when the message lands.
type SessionMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Seq       int64  `json:"seq"`
	// LocalID is the client dedup key: two messages with the same LocalID
	// coalesce to whichever landed first.
	LocalID   string `json:"localId,omitempty"`
	Body      []byte `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// MessageContent is the decrypted payload of a SessionMessage: a tagged
// union over Kind with exactly one variant populated.
type MessageContent struct {
	Kind MessageKind `json:"kind"`

	// user-text / agent-text
	Text string `json:"text,omitempty"`

	// tool-call
	Tool *ToolCallContent `json:"tool,omitempty"`

	// agent-event
	Event *AgentEventContent `json:"event,omitempty"`
}

// ToolCallStatus tracks a tool call through its lifetime.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallDenied    ToolCallStatus = "denied"
)

// ToolCallContent describes an assistant tool invocation. Children holds the
// ids of nested sub-step messages; refs are flat ids resolved through the
// session message map, never pointers.
type ToolCallContent struct {
	CallID    string          `json:"callID"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Result    string          `json:"result,omitempty"`
	Children  []string        `json:"children,omitempty"`
}

// AgentEventType enumerates agent lifecycle events.
type AgentEventType string

const (
	AgentEventSwitchMode   AgentEventType = "switch-mode"
	AgentEventLimitReached AgentEventType = "limit-reached"
	AgentEventReady        AgentEventType = "ready"
	AgentEventSessionDeath AgentEventType = "session-death"
	AgentEventPermission   AgentEventType = "permission-request"
)

// AgentEventContent is the payload of an agent-event message.
type AgentEventContent struct {
	Type AgentEventType `json:"type"`

	// switch-mode
	Mode string `json:"mode,omitempty"`

	// ready
	Usage *UsageStats `json:"usage,omitempty"`

	// session-death
	Reason   string `json:"reason,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// permission-request
	RequestID string          `json:"requestID,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// UsageStats is the cumulative token usage reported with ready events.
type UsageStats struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheTokens  int64 `json:"cacheTokens,omitempty"`
	CostCents    int64 `json:"costCents,omitempty"`
}
