package models

import "encoding/json"

// Role indicates the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant request to run a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of a tool call, recorded on a tool message.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolUseID  string `json:"toolUseId,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// TranscriptMessage is one line of a session transcript JSONL file.
type TranscriptMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"` // ms since epoch
}

// Usage records token consumption for one agent turn.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// TurnStatus is the terminal status of an agent turn.
type TurnStatus string

const (
	TurnOK      TurnStatus = "ok"
	TurnAborted TurnStatus = "aborted"
	TurnError   TurnStatus = "error"
)

// TurnResult is what the agent turn invoker returns to the orchestrator.
type TurnResult struct {
	Payloads []ReplyPayload `json:"payloads"`
	Usage    Usage          `json:"usage"`
	Model    string         `json:"model"`
	Provider string         `json:"provider"`
	Status   TurnStatus     `json:"status"`
}

// AgentEventType names the intermediate events a running turn emits.
type AgentEventType string

const (
	EventMessageEnd AgentEventType = "message_end"
	EventToolResult AgentEventType = "tool_result"
	EventUsage      AgentEventType = "usage"
)

// AgentEvent is an intermediate event emitted while a turn runs. The
// orchestrator may forward these as interim payloads or gateway events.
type AgentEvent struct {
	Type    AgentEventType  `json:"type"`
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SentRecord notes a message the agent already delivered through an in-turn
// messaging tool, keyed by normalized target. The dispatcher suppresses
// duplicate outbound payloads for those targets.
type SentRecord struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	Target    string `json:"target"`
	Text      string `json:"text,omitempty"`
}

// TargetKey returns the normalized suppression key for the record.
func (r SentRecord) TargetKey() string {
	return r.Channel + "|" + r.AccountID + "|" + r.Target
}
