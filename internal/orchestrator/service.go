// Package orchestrator drives one conversational turn: it bounds the context,
// streams the model's answer, resolves tool calls between generation steps
// and hands back the messages and usage to persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"negotiatechat/internal/contextwindow"
	"negotiatechat/internal/models"
	"negotiatechat/internal/provider"
	"negotiatechat/internal/streams"
	"negotiatechat/internal/tokens"
	"negotiatechat/internal/tools"
	"negotiatechat/internal/usage"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidBudget  = errors.New("invalid context budget")
	ErrUnknownModel   = provider.ErrUnknownModel
	ErrBusy           = errors.New("too many turns in progress")
)

// HistoryStore returns the stored messages of a chat, oldest first. It may
// pre-trim to the budget; the context builder has the final word.
type HistoryStore interface {
	FetchHistory(ctx context.Context, chatID string, tokenBudget, minMessages int) ([]models.Message, error)
}

// Sink persists the outcome of a finished turn.
type Sink interface {
	AppendMessages(ctx context.Context, messages []models.Message) error
	UpdateTurnUsage(ctx context.Context, chatID string, record models.UsageRecord) error
}

// Runner starts turn goroutines. It returns an error when it cannot take
// more work.
type Runner interface {
	Go(fn func()) error
}

// ToolSets resolves the named tool set of a model binding.
type ToolSets interface {
	Set(name string) (*tools.ToolSet, error)
}

type goRunner struct{}

func (goRunner) Go(fn func()) error {
	go fn()
	return nil
}

const (
	DefaultMaxRoundTrips = 5
	DefaultEventBuffer   = 64
	DefaultSystemPrompt  = "You are a friendly assistant! Keep your responses concise and helpful."
)

type Config struct {
	MaxRoundTrips   int
	EventBuffer     int
	MaxOutputTokens int
	// DefaultBudget applies when a request carries a zero budget.
	DefaultBudget       models.ContextBudget
	DefaultSystemPrompt string
}

// Deps are the collaborators of a Service. Models is required; the others
// fall back to no-op or in-process defaults.
type Deps struct {
	History    HistoryStore
	Sink       Sink
	Models     provider.Resolver
	ToolSets   ToolSets
	Reconciler *usage.Reconciler
	Builder    *contextwindow.Builder
	Estimator  *tokens.Estimator
	Streams    *streams.Registry
	Runner     Runner
	Logger     *slog.Logger
}

// Service is long-lived and shared by all turns.
type Service struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Models == nil {
		return nil, errors.New("model resolver required")
	}
	if cfg.MaxRoundTrips <= 0 {
		cfg.MaxRoundTrips = DefaultMaxRoundTrips
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.DefaultSystemPrompt == "" {
		cfg.DefaultSystemPrompt = DefaultSystemPrompt
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.New()
	}
	if deps.Builder == nil {
		deps.Builder = contextwindow.New(deps.Estimator)
	}
	if deps.Streams == nil {
		deps.Streams = streams.NewRegistry()
	}
	if deps.Runner == nil {
		deps.Runner = goRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{cfg: cfg, deps: deps, now: time.Now}, nil
}

// Streams exposes the correlation registry so callers can cancel turns by id.
func (s *Service) Streams() *streams.Registry {
	return s.deps.Streams
}

// TurnRequest is the input of RunTurn. A nil ToolSet means the tool set
// bound to the model selector.
type TurnRequest struct {
	ChatID        string
	Message       models.Message
	Budget        models.ContextBudget
	ToolSet       *tools.ToolSet
	ModelSelector string
}

// RunTurn validates the request and starts the turn. Validation errors are
// returned before any event is produced.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	msg, err := s.validateMessage(req.ChatID, req.Message)
	if err != nil {
		return nil, err
	}
	budget := req.Budget
	if budget == (models.ContextBudget{}) {
		budget = s.cfg.DefaultBudget
	}
	if err := validateBudget(budget); err != nil {
		return nil, err
	}
	binding, err := s.deps.Models.Resolve(req.ModelSelector)
	if err != nil {
		return nil, err
	}
	if binding.Provider == nil {
		return nil, fmt.Errorf("%w: %q has no provider", ErrUnknownModel, req.ModelSelector)
	}
	toolSet := req.ToolSet
	if toolSet == nil && s.deps.ToolSets != nil {
		if toolSet, err = s.deps.ToolSets.Set(binding.ToolSet); err != nil {
			return nil, fmt.Errorf("resolve tool set for %q: %w", req.ModelSelector, err)
		}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &Turn{
		svc:     s,
		chatID:  req.ChatID,
		message: msg,
		budget:  budget,
		binding: binding,
		toolSet: toolSet,
		events:  make(chan Event, s.cfg.EventBuffer),
		cancel:  cancel,
		logger:  s.deps.Logger,
	}
	t.id = s.deps.Streams.Register(req.ChatID, cancel)
	t.logger = s.deps.Logger.With("stream_id", t.id, "chat_id", req.ChatID, "model", binding.Selector)

	if err := s.deps.Runner.Go(func() { t.run(turnCtx) }); err != nil {
		cancel()
		s.deps.Streams.Remove(t.id)
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return t, nil
}

func (s *Service) validateMessage(chatID string, m models.Message) (models.Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return m, fmt.Errorf("%w: chat id is required", ErrInvalidMessage)
	}
	if m.Role != models.RoleUser {
		return m, fmt.Errorf("%w: role must be %q", ErrInvalidMessage, models.RoleUser)
	}
	if m.HasToolParts() {
		return m, fmt.Errorf("%w: tool parts are not accepted from clients", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Text()) == "" {
		return m, fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	} else if m.ChatID != chatID {
		return m, fmt.Errorf("%w: message belongs to chat %s", ErrInvalidMessage, m.ChatID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	return m, nil
}

func validateBudget(b models.ContextBudget) error {
	switch {
	case b.MaxTotalTokens <= 0:
		return fmt.Errorf("%w: max total tokens must be positive", ErrInvalidBudget)
	case b.ReservedForResponse < 0, b.ReservedForSystemPrompt < 0:
		return fmt.Errorf("%w: reservations must not be negative", ErrInvalidBudget)
	case b.MinMessages < 0:
		return fmt.Errorf("%w: min messages must not be negative", ErrInvalidBudget)
	}
	return nil
}

// systemPrompt appends request hints to the bound prompt.
func (s *Service) systemPrompt(binding provider.Binding) string {
	prompt := binding.SystemPrompt
	if prompt == "" {
		prompt = s.cfg.DefaultSystemPrompt
	}
	now := s.now()
	return fmt.Sprintf("%s\n\nAbout the origin of user's request:\n- current date: %s (%s)",
		prompt, now.Format("2006-01-02"), now.Weekday())
}
