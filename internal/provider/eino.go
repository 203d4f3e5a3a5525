package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"negotiatechat/internal/models"
)

// EinoProvider drives any eino tool-calling chat model.
type EinoProvider struct {
	model  model.ToolCallingChatModel
	logger *slog.Logger
}

func NewEino(chatModel model.ToolCallingChatModel, logger *slog.Logger) *EinoProvider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EinoProvider{model: chatModel, logger: logger}
}

func (p *EinoProvider) Generate(ctx context.Context, req Request) (Stream, error) {
	if p.model == nil {
		return nil, errors.New("chat model not configured")
	}
	chat := p.model
	if len(req.Tools) > 0 {
		bound, err := p.model.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		chat = bound
	}
	var opts []model.Option
	if req.MaxOutputTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxOutputTokens))
	}
	reader, err := chat.Stream(ctx, ToSchema(req.SystemPrompt, req.Messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	return &einoStream{reader: reader, logger: p.logger}, nil
}

type einoStream struct {
	reader  *schema.StreamReader[*schema.Message]
	logger  *slog.Logger
	chunks  []*schema.Message
	pending []Event
	usage   *schema.TokenUsage
	reason  string
	done    bool
}

func (s *einoStream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			if err := s.finish(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		s.chunks = append(s.chunks, chunk)
		if meta := chunk.ResponseMeta; meta != nil {
			if meta.Usage != nil {
				s.usage = meta.Usage
			}
			if meta.FinishReason != "" {
				s.reason = meta.FinishReason
			}
		}
		if chunk.Content != "" {
			return TextDelta{Text: chunk.Content}, nil
		}
	}
}

// finish merges the buffered chunks to recover complete tool calls.
func (s *einoStream) finish() error {
	s.done = true
	var calls []schema.ToolCall
	if len(s.chunks) > 0 {
		merged, err := schema.ConcatMessages(s.chunks)
		if err != nil {
			return fmt.Errorf("merge stream chunks: %w", err)
		}
		calls = merged.ToolCalls
		if s.usage == nil && merged.ResponseMeta != nil {
			s.usage = merged.ResponseMeta.Usage
		}
	}
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		s.pending = append(s.pending, ToolCallRequest{
			ID:    id,
			Name:  call.Function.Name,
			Input: normalizeArguments(call.Function.Arguments),
		})
	}
	reason := s.reason
	if len(calls) > 0 {
		reason = "tool-calls"
	} else if reason == "" {
		reason = "stop"
	}
	fin := Finish{Reason: reason}
	if s.usage != nil {
		fin.Usage = models.Usage{
			InputTokens:  s.usage.PromptTokens,
			OutputTokens: s.usage.CompletionTokens,
			TotalTokens:  s.usage.TotalTokens,
		}
	}
	s.pending = append(s.pending, fin)
	s.logger.Debug("generation step finished", "reason", reason, "tool_calls", len(calls), "chunks", len(s.chunks))
	return nil
}

func (s *einoStream) Close() {
	if s.reader != nil {
		s.reader.Close()
	}
}

func normalizeArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// ToSchema converts chat messages into eino messages. Assistant messages are
// split per step into an assistant message carrying the tool calls followed
// by one tool message per result.
func ToSchema(systemPrompt string, msgs []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, schema.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, schema.SystemMessage(m.Text()))
		case models.RoleAssistant:
			out = append(out, assistantSteps(m)...)
		default:
			out = append(out, schema.UserMessage(m.Text()))
		}
	}
	return out
}

func assistantSteps(m models.Message) []*schema.Message {
	var (
		out     []*schema.Message
		text    strings.Builder
		calls   []schema.ToolCall
		results []*schema.Message
	)
	flush := func() {
		if text.Len() > 0 || len(calls) > 0 {
			out = append(out, &schema.Message{
				Role:      schema.Assistant,
				Content:   text.String(),
				ToolCalls: calls,
			})
		}
		out = append(out, results...)
		text.Reset()
		calls, results = nil, nil
	}
	for _, part := range m.Parts {
		switch p := part.(type) {
		case models.StepStartPart:
			flush()
		case models.TextPart:
			text.WriteString(p.Text)
		case models.ToolCallPart:
			calls = append(calls, schema.ToolCall{
				ID:       p.ToolCallID,
				Type:     "function",
				Function: schema.FunctionCall{Name: p.ToolName, Arguments: string(p.Input)},
			})
		case models.ToolResultPart:
			results = append(results, &schema.Message{
				Role:       schema.Tool,
				Content:    toolContent(p.Output),
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
			})
		}
	}
	flush()
	return out
}

func toolContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
