package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiatechat/internal/contextwindow"
	"negotiatechat/internal/models"
	"negotiatechat/internal/provider"
	"negotiatechat/internal/streams"
	"negotiatechat/internal/tokens"
	"negotiatechat/internal/tools"
	"negotiatechat/internal/usage"
)

type step struct {
	events []provider.Event
	err    error // returned by Recv after the events
}

type fakeProvider struct {
	mu       sync.Mutex
	steps    []step
	repeat   *step
	requests []provider.Request
	startErr error
}

func (p *fakeProvider) Generate(_ context.Context, req provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	req.Messages = append([]models.Message{}, req.Messages...)
	for i := range req.Messages {
		req.Messages[i].Parts = append(models.Parts{}, req.Messages[i].Parts...)
	}
	p.requests = append(p.requests, req)
	var s step
	switch {
	case len(p.steps) > 0:
		s, p.steps = p.steps[0], p.steps[1:]
	case p.repeat != nil:
		s = *p.repeat
	default:
		s = step{events: []provider.Event{provider.Finish{Reason: "stop"}}}
	}
	return &fakeStream{events: s.events, err: s.err}, nil
}

func (p *fakeProvider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request{}, p.requests...)
}

type fakeStream struct {
	events []provider.Event
	err    error
}

func (s *fakeStream) Recv() (provider.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Close() {}

type fakeHistory struct {
	messages []models.Message
	err      error
}

func (h fakeHistory) FetchHistory(context.Context, string, int, int) ([]models.Message, error) {
	return h.messages, h.err
}

type fakeSink struct {
	mu        sync.Mutex
	appended  []models.Message
	usage     []models.UsageRecord
	appendErr error
	usageErr  error
}

func (s *fakeSink) AppendMessages(_ context.Context, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, msgs...)
	return nil
}

func (s *fakeSink) UpdateTurnUsage(_ context.Context, _ string, record models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return s.usageErr
	}
	s.usage = append(s.usage, record)
	return nil
}

func (s *fakeSink) snapshot() ([]models.Message, []models.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message{}, s.appended...), append([]models.UsageRecord{}, s.usage...)
}

type busyRunner struct{}

func (busyRunner) Go(func()) error { return errors.New("pool saturated") }

type staticCatalog struct{ catalog *usage.Catalog }

func (c staticCatalog) Current(context.Context) (*usage.Catalog, error) {
	if c.catalog == nil {
		return nil, usage.ErrCatalogUnavailable
	}
	return c.catalog, nil
}

func newToolRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(map[string][]string{"default": {"clock", "slow", "broken"}}, func(name string) time.Duration {
		if name == "slow" {
			return 2 * time.Second
		}
		return time.Second
	}, nil)
	reg.Add(&schema.ToolInfo{Name: "clock", Desc: "current time"}, func(context.Context, json.RawMessage) (any, error) {
		return "12:00", nil
	})
	reg.Add(&schema.ToolInfo{Name: "slow", Desc: "slow tool"}, func(context.Context, json.RawMessage) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return map[string]string{"status": "slow done"}, nil
	})
	reg.Add(&schema.ToolInfo{Name: "broken", Desc: "always fails"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("backend down")
	})
	return reg
}

type harness struct {
	svc      *Service
	provider *fakeProvider
	sink     *fakeSink
	streams  *streams.Registry
}

func newHarness(t *testing.T, p *fakeProvider, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	resolver := provider.NewRegistry()
	resolver.Bind(provider.Binding{Selector: "chat-model", ModelID: "claude-sonnet-4", Provider: p, ToolSet: "default"})
	sink := &fakeSink{}
	reg := streams.NewRegistry()
	est := tokens.New()
	cfg := Config{
		MaxRoundTrips: 5,
		DefaultBudget: defaultBudget(),
	}
	deps := Deps{
		History:    fakeHistory{},
		Sink:       sink,
		Models:     resolver,
		ToolSets:   newToolRegistry(t),
		Reconciler: usage.NewReconciler(staticCatalog{}, 50*time.Millisecond, nil),
		Builder:    contextwindow.New(est),
		Estimator:  est,
		Streams:    reg,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	svc, err := New(cfg, deps)
	require.NoError(t, err)
	return &harness{svc: svc, provider: p, sink: sink, streams: reg}
}

func defaultBudget() models.ContextBudget {
	return models.ContextBudget{MaxTotalTokens: 140000, ReservedForResponse: 4000, ReservedForSystemPrompt: 2000, MinMessages: 20}
}

func (h *harness) start(t *testing.T, ctx context.Context, text string) *Turn {
	t.Helper()
	turn, err := h.svc.RunTurn(ctx, TurnRequest{
		ChatID:        "chat-1",
		Message:       models.NewUserMessage("", "chat-1", text),
		ModelSelector: "chat-model",
	})
	require.NoError(t, err)
	return turn
}

func collect(t *testing.T, turn *Turn) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-turn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("turn did not finish, got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType()
	}
	return types
}

func toolCall(id, name string) provider.ToolCallRequest {
	return provider.ToolCallRequest{ID: id, Name: name, Input: json.RawMessage(`{}`)}
}

func TestTurnWithToolPersistsOnlyTextAndSteps(t *testing.T) {
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{
			provider.TextDelta{Text: "Let me check. "},
			toolCall("c1", "clock"),
			provider.Finish{Reason: "tool-calls", Usage: models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		}},
		{events: []provider.Event{
			provider.TextDelta{Text: "It is "},
			provider.TextDelta{Text: "noon."},
			provider.Finish{Reason: "stop", Usage: models.Usage{InputTokens: 20, OutputTokens: 7, TotalTokens: 27}},
		}},
	}}
	h := newHarness(t, p, nil)
	turn := h.start(t, context.Background(), "what time is it?")
	events := collect(t, turn)

	assert.Equal(t, []string{
		EventStarted, EventTextDelta, EventToolCall, EventToolResult, EventStepFinished,
		EventTextDelta, EventTextDelta, EventStepFinished, EventUsage, EventFinished,
	}, eventTypes(events))
	assert.Equal(t, StateClosed, turn.State())

	result := events[3].(ToolResult)
	assert.True(t, result.Outcome.OK())
	assert.Equal(t, "clock", result.ToolName)

	finished := events[len(events)-1].(Finished)
	assert.Equal(t, turn.ID(), finished.SessionID)
	require.Len(t, finished.Messages, 2)
	for _, m := range finished.Messages {
		assert.False(t, m.HasToolParts(), "persisted message %s carries tool parts", m.Role)
		assert.Greater(t, m.TokenCount, 0)
	}
	assert.Equal(t, models.RoleUser, finished.Messages[0].Role)
	assert.Equal(t, "Let me check. \nIt is noon.", finished.Messages[1].Text())
	assert.Equal(t, models.Usage{InputTokens: 30, OutputTokens: 12, TotalTokens: 42}, finished.Usage.Usage)

	appended, usageRows := h.sink.snapshot()
	assert.Equal(t, finished.Messages, appended)
	require.Len(t, usageRows, 1)
	assert.Equal(t, 42, usageRows[0].TotalTokens)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 3)
	assert.Contains(t, reqs[0].SystemPrompt, "current date")
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.True(t, last.HasToolParts(), "second step must see the tool result")
	assert.Equal(t, 0, h.streams.Len())
}

func TestTurnFanOutKeepsCallOrder(t *testing.T) {
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{
			toolCall("a", "slow"),
			toolCall("b", "broken"),
			toolCall("c", "clock"),
			provider.Finish{Reason: "tool-calls"},
		}},
	}}
	h := newHarness(t, p, nil)
	events := collect(t, h.start(t, context.Background(), "do three things"))

	var results []ToolResult
	for _, ev := range events {
		if r, ok := ev.(ToolResult); ok {
			results = append(results, r)
		}
	}
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].ToolCallID, results[1].ToolCallID, results[2].ToolCallID})
	assert.True(t, results[0].Outcome.OK())
	assert.False(t, results[1].Outcome.OK())
	assert.Contains(t, results[1].Outcome.Error(), "backend down")
	assert.True(t, results[2].Outcome.OK())
	assert.IsType(t, Finished{}, events[len(events)-1])

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	var resultIDs []string
	for _, part := range reqs[1].Messages[len(reqs[1].Messages)-1].Parts {
		if r, ok := part.(models.ToolResultPart); ok {
			resultIDs = append(resultIDs, r.ToolCallID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, resultIDs)
}

func TestTurnUnknownToolIsReportedToModel(t *testing.T) {
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{toolCall("x", "rm_rf"), provider.Finish{Reason: "tool-calls"}}},
	}}
	h := newHarness(t, p, nil)
	events := collect(t, h.start(t, context.Background(), "hack"))
	var found bool
	for _, ev := range events {
		if r, ok := ev.(ToolResult); ok {
			found = true
			assert.False(t, r.Outcome.OK())
			assert.Contains(t, r.Outcome.Error(), "not available")
		}
	}
	assert.True(t, found)
	assert.IsType(t, Finished{}, events[len(events)-1])
}

func TestTurnStopsAtRoundTripCap(t *testing.T) {
	p := &fakeProvider{repeat: &step{events: []provider.Event{
		toolCall("loop", "clock"),
		provider.Finish{Reason: "tool-calls", Usage: models.Usage{InputTokens: 1, OutputTokens: 1}},
	}}}
	h := newHarness(t, p, func(cfg *Config, _ *Deps) { cfg.MaxRoundTrips = 3 })
	events := collect(t, h.start(t, context.Background(), "loop forever"))

	assert.Len(t, p.Requests(), 3)
	var warnings, results int
	for _, ev := range events {
		switch ev.(type) {
		case Warning:
			warnings++
		case ToolResult:
			results++
		}
	}
	assert.Equal(t, 1, warnings)
	assert.Equal(t, 2, results)
	finished := events[len(events)-1].(Finished)
	assert.Equal(t, 6, finished.Usage.TotalTokens)
	for _, m := range finished.Messages {
		assert.False(t, m.HasToolParts())
	}
}

func TestTurnCancelDuringToolDiscardsResults(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{toolCall("w", "wait"), provider.Finish{Reason: "tool-calls"}}},
	}}
	h := newHarness(t, p, func(_ *Config, deps *Deps) {
		reg := tools.NewRegistry(map[string][]string{"default": {"wait"}}, nil, nil)
		reg.Add(&schema.ToolInfo{Name: "wait", Desc: "waits"}, func(context.Context, json.RawMessage) (any, error) {
			<-release
			return "late", nil
		})
		deps.ToolSets = reg
	})
	turn := h.start(t, context.Background(), "wait for it")

	var events []Event
	for ev := range turn.Events() {
		events = append(events, ev)
		if _, ok := ev.(ToolCall); ok {
			turn.Cancel()
		}
	}

	last := events[len(events)-1]
	require.IsType(t, Aborted{}, last)
	assert.Equal(t, ReasonCancelled, last.(Aborted).Reason)
	for _, ev := range events {
		assert.NotEqual(t, EventToolResult, ev.EventType())
	}
	assert.Equal(t, StateAborted, turn.State())
	appended, usageRows := h.sink.snapshot()
	assert.Empty(t, appended)
	assert.Empty(t, usageRows)
	assert.Equal(t, 0, h.streams.Len())
}

func TestTurnCancelByStreamID(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{toolCall("w", "wait"), provider.Finish{Reason: "tool-calls"}}},
	}}
	h := newHarness(t, p, func(_ *Config, deps *Deps) {
		reg := tools.NewRegistry(map[string][]string{"default": {"wait"}}, nil, nil)
		reg.Add(&schema.ToolInfo{Name: "wait"}, func(context.Context, json.RawMessage) (any, error) {
			<-block
			return nil, nil
		})
		deps.ToolSets = reg
	})
	turn := h.start(t, context.Background(), "hello")
	go func() {
		deadline := time.Now().Add(time.Second)
		for turn.State() != StateToolPending && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		h.svc.Streams().Cancel(context.Background(), turn.ID())
	}()
	events := collect(t, turn)
	assert.IsType(t, Aborted{}, events[len(events)-1])
}

func TestTurnProviderFailureAborts(t *testing.T) {
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{provider.TextDelta{Text: "partial"}}, err: errors.New("connection reset")},
	}}
	h := newHarness(t, p, nil)
	events := collect(t, h.start(t, context.Background(), "hi"))

	last := events[len(events)-1].(Aborted)
	assert.Equal(t, ReasonProvider, last.Reason)
	assert.ErrorContains(t, last.Err, "connection reset")
	appended, _ := h.sink.snapshot()
	assert.Empty(t, appended)
}

func TestTurnProviderStartFailureAborts(t *testing.T) {
	p := &fakeProvider{startErr: errors.New("401 unauthorized")}
	h := newHarness(t, p, nil)
	events := collect(t, h.start(t, context.Background(), "hi"))
	assert.Equal(t, []string{EventStarted, EventAborted}, eventTypes(events))
}

func TestTurnHistoryFailureAborts(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, func(_ *Config, deps *Deps) {
		deps.History = fakeHistory{err: errors.New("db locked")}
	})
	events := collect(t, h.start(t, context.Background(), "hi"))
	require.Len(t, events, 1)
	assert.Equal(t, ReasonHistory, events[0].(Aborted).Reason)
}

func TestTurnPersistenceFailureIsAWarning(t *testing.T) {
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{provider.TextDelta{Text: "answer"}, provider.Finish{Reason: "stop"}}},
	}}
	h := newHarness(t, p, nil)
	h.sink.appendErr = errors.New("disk full")
	h.sink.usageErr = errors.New("disk full")
	events := collect(t, h.start(t, context.Background(), "hi"))

	assert.Equal(t, []string{
		EventStarted, EventTextDelta, EventStepFinished, EventUsage, EventWarning, EventFinished,
	}, eventTypes(events))
	finished := events[len(events)-1].(Finished)
	assert.Equal(t, "answer", finished.Messages[1].Text())
}

func TestTurnUsesBuiltContext(t *testing.T) {
	var history []models.Message
	for i := 0; i < 5; i++ {
		m := models.NewUserMessage("", "chat-1", "old")
		m.TokenCount = 10
		history = append(history, m)
	}
	p := &fakeProvider{}
	h := newHarness(t, p, func(_ *Config, deps *Deps) { deps.History = fakeHistory{messages: history} })
	turn, err := h.svc.RunTurn(context.Background(), TurnRequest{
		ChatID:        "chat-1",
		Message:       models.NewUserMessage("", "chat-1", "new"),
		Budget:        models.ContextBudget{MaxTotalTokens: 100, ReservedForSystemPrompt: 20, MinMessages: 2},
		ModelSelector: "chat-model",
	})
	require.NoError(t, err)
	events := collect(t, turn)

	started := events[0].(Started)
	assert.Equal(t, 5, started.HistoryKept)
	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Messages, 7) // 5 history + new + assistant
	assert.Equal(t, "new", reqs[0].Messages[5].Text())
}

func TestTurnEnrichesUsageWithCatalog(t *testing.T) {
	p := &fakeProvider{steps: []step{
		{events: []provider.Event{provider.TextDelta{Text: "ok"}, provider.Finish{Reason: "stop", Usage: models.Usage{InputTokens: 1000, OutputTokens: 100, TotalTokens: 1100}}}},
	}}
	cat := &usage.Catalog{Models: map[string]usage.ModelPricing{
		"claude-sonnet-4": {ID: "claude-sonnet-4", ContextWindow: 200000, InputCostPerMTok: 3, OutputCostPerMTok: 15},
	}}
	h := newHarness(t, p, func(_ *Config, deps *Deps) {
		deps.Reconciler = usage.NewReconciler(staticCatalog{catalog: cat}, time.Second, nil)
	})
	events := collect(t, h.start(t, context.Background(), "price me"))
	finished := events[len(events)-1].(Finished)
	require.NotNil(t, finished.Usage.Cost)
	assert.InDelta(t, 0.0045, finished.Usage.Cost.TotalCostUSD, 1e-9)
	assert.Equal(t, "claude-sonnet-4", finished.Usage.ModelID)
}

func TestRunTurnValidation(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, nil)
	ctx := context.Background()

	_, err := h.svc.RunTurn(ctx, TurnRequest{ChatID: "chat-1", Message: models.NewUserMessage("", "chat-1", "hi"), ModelSelector: "nope"})
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = h.svc.RunTurn(ctx, TurnRequest{ChatID: "chat-1", Message: models.NewUserMessage("", "chat-1", "   "), ModelSelector: "chat-model"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = h.svc.RunTurn(ctx, TurnRequest{ChatID: "", Message: models.NewUserMessage("", "", "hi"), ModelSelector: "chat-model"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	other := models.NewUserMessage("", "chat-2", "hi")
	_, err = h.svc.RunTurn(ctx, TurnRequest{ChatID: "chat-1", Message: other, ModelSelector: "chat-model"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assistant := models.NewUserMessage("", "chat-1", "hi")
	assistant.Role = models.RoleAssistant
	_, err = h.svc.RunTurn(ctx, TurnRequest{ChatID: "chat-1", Message: assistant, ModelSelector: "chat-model"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = h.svc.RunTurn(ctx, TurnRequest{
		ChatID:        "chat-1",
		Message:       models.NewUserMessage("", "chat-1", "hi"),
		Budget:        models.ContextBudget{MaxTotalTokens: 100, MinMessages: -1},
		ModelSelector: "chat-model",
	})
	assert.ErrorIs(t, err, ErrInvalidBudget)

	assert.Empty(t, h.provider.Requests())
	assert.Equal(t, 0, h.streams.Len())
}

func TestRunTurnBusy(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, func(_ *Config, deps *Deps) { deps.Runner = busyRunner{} })
	_, err := h.svc.RunTurn(context.Background(), TurnRequest{
		ChatID:        "chat-1",
		Message:       models.NewUserMessage("", "chat-1", "hi"),
		ModelSelector: "chat-model",
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, h.streams.Len())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateContextBuilt))
	assert.True(t, canTransition(StateGenerating, StateToolPending))
	assert.True(t, canTransition(StateToolPending, StateGenerating))
	assert.True(t, canTransition(StateGenerating, StateFinalizing))
	assert.True(t, canTransition(StateToolPending, StateAborted))
	assert.False(t, canTransition(StateClosed, StateAborted))
	assert.False(t, canTransition(StateAborted, StateAborted))
	assert.False(t, canTransition(StateIdle, StateGenerating))
	assert.False(t, canTransition(StateToolPending, StateFinalizing))
	assert.Equal(t, "tool_pending", StateToolPending.String())
}

func TestEmitAfterCancelDeliversNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	turn := &Turn{events: make(chan Event, 8)}
	for i := 0; i < 100; i++ {
		assert.False(t, turn.emit(ctx, TextDelta{Text: "late"}))
	}
	assert.Empty(t, turn.events)

	assert.True(t, turn.emit(context.Background(), TextDelta{Text: "on time"}))
	assert.Len(t, turn.events, 1)
}
