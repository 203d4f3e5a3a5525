// Package provider abstracts the streaming language model behind the turn
// orchestrator. One Generate call is one generation step; tool results are
// injected by appending them to the conversation and generating again.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cloudwego/eino/schema"

	"negotiatechat/internal/models"
)

var ErrUnknownModel = errors.New("unknown model selector")

type Request struct {
	Model           string
	SystemPrompt    string
	Messages        []models.Message
	Tools           []*schema.ToolInfo
	MaxOutputTokens int
}

// Provider starts one generation step.
type Provider interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close()
}

// Event is one item of a generation stream.
type Event interface {
	isEvent()
}

type TextDelta struct {
	Text string
}

type ToolCallRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Finish ends a step. Usage holds the counts of this step only.
type Finish struct {
	Reason string
	Usage  models.Usage
}

func (TextDelta) isEvent()       {}
func (ToolCallRequest) isEvent() {}
func (Finish) isEvent()          {}
