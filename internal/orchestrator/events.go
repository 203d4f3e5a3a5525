package orchestrator

import (
	"encoding/json"

	"negotiatechat/internal/models"
	"negotiatechat/internal/tools"
)

// Event is one item of a turn's outbound sequence. Finished and Aborted are
// terminal; exactly one of them is the last event of every turn.
type Event interface {
	EventType() string
}

const (
	EventStarted      = "start"
	EventTextDelta    = "text"
	EventToolCall     = "tool-call"
	EventToolResult   = "tool-result"
	EventStepFinished = "step"
	EventUsage        = "usage"
	EventWarning      = "warning"
	EventFinished     = "done"
	EventAborted      = "aborted"
)

type Started struct {
	SessionID     string `json:"sessionId"`
	ChatID        string `json:"chatId"`
	Model         string `json:"model"`
	HistoryKept   int    `json:"historyKept"`
	ContextTokens int    `json:"contextTokens"`
}

type TextDelta struct {
	Text string `json:"text"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input"`
}

type ToolResult struct {
	ToolCallID string        `json:"toolCallId"`
	ToolName   string        `json:"toolName"`
	Outcome    tools.Outcome `json:"outcome"`
}

type StepFinished struct {
	Round        int          `json:"round"`
	FinishReason string       `json:"finishReason"`
	Usage        models.Usage `json:"usage"`
}

// UsageUpdate carries the reconciled usage before the turn closes.
type UsageUpdate struct {
	Record models.UsageRecord `json:"usage"`
}

// Warning is non-fatal; the turn continues.
type Warning struct {
	Message string `json:"message"`
}

type Finished struct {
	SessionID string             `json:"sessionId"`
	Messages  []models.Message   `json:"messages"`
	Usage     models.UsageRecord `json:"usage"`
}

type Aborted struct {
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (Started) EventType() string      { return EventStarted }
func (TextDelta) EventType() string    { return EventTextDelta }
func (ToolCall) EventType() string     { return EventToolCall }
func (ToolResult) EventType() string   { return EventToolResult }
func (StepFinished) EventType() string { return EventStepFinished }
func (UsageUpdate) EventType() string  { return EventUsage }
func (Warning) EventType() string      { return EventWarning }
func (Finished) EventType() string     { return EventFinished }
func (Aborted) EventType() string      { return EventAborted }

const (
	ReasonCancelled     = "cancelled"
	ReasonProvider      = "provider_error"
	ReasonHistory       = "history_error"
	ReasonInternal      = "internal_error"
	ReasonStateMismatch = "illegal_transition"
)
