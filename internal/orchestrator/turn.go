package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"

	"negotiatechat/internal/models"
	"negotiatechat/internal/provider"
	"negotiatechat/internal/tools"
)

// Turn is a single run of the orchestrator. It is not restartable.
type Turn struct {
	svc     *Service
	id      string
	chatID  string
	message models.Message
	budget  models.ContextBudget
	binding provider.Binding
	toolSet *tools.ToolSet
	events  chan Event
	cancel  context.CancelFunc
	state   atomic.Int32
	logger  *slog.Logger
}

// ID is the stream session id of the turn.
func (t *Turn) ID() string { return t.id }

// Events yields the turn's events and is closed after the terminal one.
// The consumer must drain it until it is closed.
func (t *Turn) Events() <-chan Event { return t.events }

func (t *Turn) State() State { return State(t.state.Load()) }

// Cancel aborts the turn. In-flight tools finish on their own; their results
// are dropped.
func (t *Turn) Cancel() { t.cancel() }

func (t *Turn) transition(to State) bool {
	for {
		from := t.State()
		if !canTransition(from, to) {
			t.logger.Error("illegal turn transition", "from", from, "to", to)
			return false
		}
		if t.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

// emit delivers a non-terminal event; it gives up when the turn is cancelled.
func (t *Turn) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Turn) finish(ev Event) {
	t.svc.deps.Streams.Remove(t.id)
	t.cancel()
	t.events <- ev
	close(t.events)
}

func (t *Turn) abort(reason string, err error) {
	if !t.transition(StateAborted) {
		return
	}
	if reason == ReasonCancelled {
		t.logger.Info("turn aborted", "reason", reason)
	} else {
		t.logger.Error("turn aborted", "reason", reason, "error", err)
	}
	t.finish(Aborted{Reason: reason, Err: err})
}

// abortOnCancel turns a cancelled context into an abort.
func (t *Turn) abortOnCancel(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		t.abort(ReasonCancelled, err)
		return true
	}
	return false
}

func (t *Turn) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.abort(ReasonInternal, fmt.Errorf("turn panicked: %v\n%s", r, debug.Stack()))
		}
	}()

	svc := t.svc
	est := svc.deps.Estimator

	newTokens := est.EstimateMessage(t.message)
	var history []models.Message
	if svc.deps.History != nil {
		var err error
		history, err = svc.deps.History.FetchHistory(ctx, t.chatID, t.budget.Usable(newTokens), t.budget.MinMessages)
		if err != nil {
			if t.abortOnCancel(ctx) {
				return
			}
			t.abort(ReasonHistory, fmt.Errorf("fetch history: %w", err))
			return
		}
	}
	sel := svc.deps.Builder.BuildWithStats(history, t.message, t.budget)
	if !t.transition(StateContextBuilt) {
		t.abort(ReasonStateMismatch, nil)
		return
	}
	if sel.FloorOvershoot {
		t.logger.Debug("history floor exceeds budget", "kept", sel.HistoryKept, "usable", sel.UsableBudget)
	}
	if !t.emit(ctx, Started{
		SessionID:     t.id,
		ChatID:        t.chatID,
		Model:         t.binding.Selector,
		HistoryKept:   sel.HistoryKept,
		ContextTokens: sel.HistoryTokens + newTokens,
	}) {
		t.abortOnCancel(ctx)
		return
	}

	assistant := models.Message{ID: uuid.NewString(), ChatID: t.chatID, Role: models.RoleAssistant}
	systemPrompt := svc.systemPrompt(t.binding)
	var total models.Usage

	for round := 1; ; round++ {
		if !t.transition(StateGenerating) {
			t.abort(ReasonStateMismatch, nil)
			return
		}
		assistant.Parts = append(assistant.Parts, models.StepStartPart{})
		step, ok := t.generate(ctx, provider.Request{
			Model:           t.binding.ModelID,
			SystemPrompt:    systemPrompt,
			Messages:        append(append([]models.Message{}, sel.Messages...), assistant),
			Tools:           t.toolSet.Infos(),
			MaxOutputTokens: svc.cfg.MaxOutputTokens,
		}, &assistant)
		if !ok {
			return
		}
		total = total.Add(step.usage)

		if len(step.calls) == 0 {
			if !t.closeStep(ctx, &assistant, round, step) {
				return
			}
			break
		}
		if round >= svc.cfg.MaxRoundTrips {
			if !t.closeStep(ctx, &assistant, round, step) {
				return
			}
			if !t.emit(ctx, Warning{Message: fmt.Sprintf("stopped after %d tool round trips; %d tool calls were not executed", round, len(step.calls))}) {
				t.abortOnCancel(ctx)
				return
			}
			t.logger.Warn("round-trip limit reached", "rounds", round, "pending_calls", len(step.calls))
			break
		}

		if !t.transition(StateToolPending) {
			t.abort(ReasonStateMismatch, nil)
			return
		}
		outcomes := t.runTools(ctx, step.calls)
		if t.abortOnCancel(ctx) {
			return
		}
		for i, call := range step.calls {
			out := outcomes[i]
			assistant.Parts = append(assistant.Parts, models.ToolResultPart{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Output:     out.ModelPayload(),
				IsError:    !out.OK(),
			})
			if !t.emit(ctx, ToolResult{ToolCallID: call.ID, ToolName: call.Name, Outcome: out}) {
				t.abortOnCancel(ctx)
				return
			}
		}
		if !t.closeStep(ctx, &assistant, round, step) {
			return
		}
	}

	if t.abortOnCancel(ctx) {
		return
	}
	t.finalize(ctx, assistant, total)
}

type stepResult struct {
	calls  []provider.ToolCallRequest
	reason string
	usage  models.Usage
}

// generate runs one provider step, streaming text and tool calls into the
// assistant message. It reports false once the turn has been aborted.
func (t *Turn) generate(ctx context.Context, req provider.Request, assistant *models.Message) (stepResult, bool) {
	var res stepResult
	stream, err := t.binding.Provider.Generate(ctx, req)
	if err != nil {
		if !t.abortOnCancel(ctx) {
			t.abort(ReasonProvider, err)
		}
		return res, false
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return res, true
		}
		if err != nil {
			if !t.abortOnCancel(ctx) {
				t.abort(ReasonProvider, err)
			}
			return res, false
		}
		switch e := ev.(type) {
		case provider.TextDelta:
			if e.Text == "" {
				continue
			}
			appendText(assistant, e.Text)
			if !t.emit(ctx, TextDelta{Text: e.Text}) {
				t.abortOnCancel(ctx)
				return res, false
			}
		case provider.ToolCallRequest:
			res.calls = append(res.calls, e)
			assistant.Parts = append(assistant.Parts, models.ToolCallPart{
				ToolCallID: e.ID,
				ToolName:   e.Name,
				Input:      e.Input,
			})
			if !t.emit(ctx, ToolCall{ToolCallID: e.ID, ToolName: e.Name, Input: e.Input}) {
				t.abortOnCancel(ctx)
				return res, false
			}
		case provider.Finish:
			res.reason = e.Reason
			res.usage = res.usage.Add(e.Usage)
		}
	}
}

func appendText(m *models.Message, text string) {
	if n := len(m.Parts); n > 0 {
		if last, ok := m.Parts[n-1].(models.TextPart); ok {
			m.Parts[n-1] = models.TextPart{Text: last.Text + text}
			return
		}
	}
	m.Parts = append(m.Parts, models.TextPart{Text: text})
}

func (t *Turn) closeStep(ctx context.Context, assistant *models.Message, round int, step stepResult) bool {
	assistant.Parts = append(assistant.Parts, models.StepFinishPart{FinishReason: step.reason})
	if !t.emit(ctx, StepFinished{Round: round, FinishReason: step.reason, Usage: step.usage}) {
		t.abortOnCancel(ctx)
		return false
	}
	return true
}

// runTools resolves one step's tool calls. outcomes[i] answers calls[i].
func (t *Turn) runTools(ctx context.Context, calls []provider.ToolCallRequest) []tools.Outcome {
	toolCtx := tools.WithChatID(ctx, t.chatID)
	if len(calls) == 1 {
		return []tools.Outcome{t.toolSet.Call(toolCtx, calls[0].Name, calls[0].Input)}
	}
	tasks := make([]tools.Task, len(calls))
	for i, call := range calls {
		tasks[i] = t.toolSet.Task(call.Name, call.Input)
	}
	return tools.RunAll(toolCtx, tasks)
}

func (t *Turn) finalize(ctx context.Context, assistant models.Message, raw models.Usage) {
	if !t.transition(StateFinalizing) {
		t.abort(ReasonStateMismatch, nil)
		return
	}
	svc := t.svc
	// The answer is complete; bookkeeping must not be cut short by the caller.
	persistCtx := context.WithoutCancel(ctx)

	record := svc.deps.Reconciler.Finalize(persistCtx, raw, t.binding.ModelID)
	t.emitFinal(UsageUpdate{Record: record})

	assistant.CreatedAt = svc.now().UTC()
	toPersist := make([]models.Message, 0, 2)
	for _, m := range []models.Message{t.message, assistant} {
		p := m.Persistable()
		p.TokenCount = svc.deps.Estimator.EstimateMessage(p)
		toPersist = append(toPersist, p)
	}

	if svc.deps.Sink != nil {
		if err := svc.deps.Sink.AppendMessages(persistCtx, toPersist); err != nil {
			t.logger.Error("persist turn messages failed", "error", err)
			t.emitFinal(Warning{Message: "the response could not be saved to the chat history"})
		}
		if err := svc.deps.Sink.UpdateTurnUsage(persistCtx, t.chatID, record); err != nil {
			t.logger.Warn("update turn usage failed", "error", err)
		}
	}

	if !t.transition(StateClosed) {
		t.abort(ReasonStateMismatch, nil)
		return
	}
	t.logger.Info("turn finished",
		"input_tokens", record.InputTokens,
		"output_tokens", record.OutputTokens,
		"parts", len(assistant.Parts),
	)
	t.finish(Finished{SessionID: t.id, Messages: toPersist, Usage: record})
}

// emitFinal delivers finalizing events regardless of cancellation.
func (t *Turn) emitFinal(ev Event) {
	t.events <- ev
}
