package models

import (
	"encoding/json"
	"fmt"
)

// Part is one element of a message body. The set of implementations is closed.
type Part interface {
	PartType() string
	isPart()
}

const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartData       = "data"
)

type TextPart struct {
	Text string
}

type ToolCallPart struct {
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
}

type ToolResultPart struct {
	ToolCallID string
	ToolName   string
	Output     json.RawMessage
	IsError    bool
}

type StepStartPart struct{}

type StepFinishPart struct {
	FinishReason string
}

type DataPart struct {
	Name string
	Data json.RawMessage
}

func (TextPart) PartType() string       { return PartText }
func (ToolCallPart) PartType() string   { return PartToolCall }
func (ToolResultPart) PartType() string { return PartToolResult }
func (StepStartPart) PartType() string  { return PartStepStart }
func (StepFinishPart) PartType() string { return PartStepFinish }
func (DataPart) PartType() string       { return PartData }

func (TextPart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}
func (StepStartPart) isPart()  {}
func (StepFinishPart) isPart() {}
func (DataPart) isPart()       {}

// Parts is an ordered message body with a tagged JSON encoding.
type Parts []Part

type wirePart struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	IsError      bool            `json:"isError,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Name         string          `json:"name,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

func (ps Parts) MarshalJSON() ([]byte, error) {
	wire := make([]wirePart, 0, len(ps))
	for _, p := range ps {
		w := wirePart{Type: p.PartType()}
		switch v := p.(type) {
		case TextPart:
			w.Text = v.Text
		case ToolCallPart:
			w.ToolCallID, w.ToolName, w.Input = v.ToolCallID, v.ToolName, v.Input
		case ToolResultPart:
			w.ToolCallID, w.ToolName, w.Output, w.IsError = v.ToolCallID, v.ToolName, v.Output, v.IsError
		case StepFinishPart:
			w.FinishReason = v.FinishReason
		case DataPart:
			w.Name, w.Data = v.Name, v.Data
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

func (ps *Parts) UnmarshalJSON(data []byte) error {
	var wire []wirePart
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(Parts, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case PartText:
			out = append(out, TextPart{Text: w.Text})
		case PartToolCall:
			out = append(out, ToolCallPart{ToolCallID: w.ToolCallID, ToolName: w.ToolName, Input: w.Input})
		case PartToolResult:
			out = append(out, ToolResultPart{ToolCallID: w.ToolCallID, ToolName: w.ToolName, Output: w.Output, IsError: w.IsError})
		case PartStepStart:
			out = append(out, StepStartPart{})
		case PartStepFinish:
			out = append(out, StepFinishPart{FinishReason: w.FinishReason})
		case PartData:
			out = append(out, DataPart{Name: w.Name, Data: w.Data})
		default:
			return fmt.Errorf("unknown part type %q", w.Type)
		}
	}
	*ps = out
	return nil
}
