// Package contextwindow selects the slice of chat history that fits the
// token budget of a turn.
package contextwindow

import (
	"negotiatechat/internal/models"
	"negotiatechat/internal/tokens"
)

// Builder picks the most recent history that fits a ContextBudget.
//
// By default the MinMessages floor wins over the budget: the most recent
// MinMessages entries are kept even when they overshoot. In strict mode the
// budget is a hard cap and the floor only applies to what fits.
type Builder struct {
	estimator *tokens.Estimator
	strict    bool
}

type Option func(*Builder)

// WithStrictBudget makes the usable budget a hard cap.
func WithStrictBudget(strict bool) Option {
	return func(b *Builder) { b.strict = strict }
}

func New(estimator *tokens.Estimator, opts ...Option) *Builder {
	if estimator == nil {
		estimator = tokens.New()
	}
	b := &Builder{estimator: estimator}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Selection describes what Build kept.
type Selection struct {
	Messages      []models.Message
	HistoryKept   int
	HistoryTokens int
	UsableBudget  int
	// FloorOvershoot is set when the MinMessages floor pushed the history
	// past the usable budget.
	FloorOvershoot bool
}

// Build returns the selected history suffix in chronological order followed
// by newMessage.
func (b *Builder) Build(history []models.Message, newMessage models.Message, budget models.ContextBudget) []models.Message {
	return b.BuildWithStats(history, newMessage, budget).Messages
}

func (b *Builder) BuildWithStats(history []models.Message, newMessage models.Message, budget models.ContextBudget) Selection {
	usable := budget.Usable(b.estimator.EstimateMessage(newMessage))
	floor := budget.MinMessages
	if floor < 0 {
		floor = 0
	}

	kept := 0
	total := 0
	overshoot := false
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.estimator.EstimateMessage(history[i])
		fits := total+cost <= usable
		if !fits {
			if b.strict || kept >= floor {
				break
			}
			overshoot = true
		}
		total += cost
		kept++
	}

	out := make([]models.Message, 0, kept+1)
	out = append(out, history[len(history)-kept:]...)
	out = append(out, newMessage)
	return Selection{
		Messages:       out,
		HistoryKept:    kept,
		HistoryTokens:  total,
		UsableBudget:   usable,
		FloorOvershoot: overshoot,
	}
}
