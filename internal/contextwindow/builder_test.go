package contextwindow

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiatechat/internal/models"
	"negotiatechat/internal/tokens"
)

func msg(id string, tokenCount int) models.Message {
	return models.Message{
		ID:         id,
		Role:       models.RoleUser,
		Parts:      models.Parts{models.TextPart{Text: id}},
		TokenCount: tokenCount,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestBuildIncludesEverythingThatFits(t *testing.T) {
	// five old messages totalling 50 tokens, a 10 token new message and
	// 100-20 tokens of room: every old message fits, the floor of 2 is only a minimum.
	history := []models.Message{msg("h1", 10), msg("h2", 10), msg("h3", 10), msg("h4", 10), msg("h5", 10)}
	newMsg := msg("new", 10)
	budget := models.ContextBudget{MaxTotalTokens: 100, ReservedForSystemPrompt: 20, MinMessages: 2}

	got := New(tokens.New()).Build(history, newMsg, budget)
	assert.Equal(t, []string{"h1", "h2", "h3", "h4", "h5", "new"}, ids(got))
}

func TestBuildStopsAtBudget(t *testing.T) {
	history := []models.Message{msg("h1", 30), msg("h2", 30), msg("h3", 30), msg("h4", 30)}
	budget := models.ContextBudget{MaxTotalTokens: 100, ReservedForSystemPrompt: 10, MinMessages: 1}

	sel := New(tokens.New()).BuildWithStats(history, msg("new", 10), budget)
	assert.Equal(t, []string{"h3", "h4", "new"}, ids(sel.Messages))
	assert.Equal(t, 80, sel.UsableBudget)
	assert.Equal(t, 60, sel.HistoryTokens)
	assert.False(t, sel.FloorOvershoot)
}

func TestBuildFloorOvershootsBudget(t *testing.T) {
	history := []models.Message{msg("h1", 50), msg("h2", 50), msg("h3", 50)}
	budget := models.ContextBudget{MaxTotalTokens: 100, ReservedForSystemPrompt: 20, MinMessages: 2}

	sel := New(tokens.New()).BuildWithStats(history, msg("new", 10), budget)
	assert.Equal(t, []string{"h2", "h3", "new"}, ids(sel.Messages))
	assert.True(t, sel.FloorOvershoot)
	assert.Equal(t, 100, sel.HistoryTokens)
}

func TestBuildNegativeBudgetKeepsFloor(t *testing.T) {
	history := []models.Message{msg("h1", 5), msg("h2", 5), msg("h3", 5)}
	newMsg := msg("new", 500)
	budget := models.ContextBudget{MaxTotalTokens: 100, ReservedForSystemPrompt: 20, MinMessages: 2}

	sel := New(tokens.New()).BuildWithStats(history, newMsg, budget)
	assert.Less(t, sel.UsableBudget, 0)
	assert.Equal(t, []string{"h2", "h3", "new"}, ids(sel.Messages))
}

func TestBuildStrictBudgetDropsOldestOfFloor(t *testing.T) {
	history := []models.Message{msg("h1", 50), msg("h2", 50), msg("h3", 50)}
	budget := models.ContextBudget{MaxTotalTokens: 100, ReservedForSystemPrompt: 20, MinMessages: 2}

	got := New(tokens.New(), WithStrictBudget(true)).Build(history, msg("new", 10), budget)
	assert.Equal(t, []string{"h3", "new"}, ids(got))

	got = New(tokens.New(), WithStrictBudget(true)).Build(history, msg("new", 500), budget)
	assert.Equal(t, []string{"new"}, ids(got))
}

func TestBuildEstimatesMissingTokenCounts(t *testing.T) {
	history := []models.Message{
		{ID: "old", Parts: models.Parts{models.TextPart{Text: "one two three four five six seven eight nine ten"}}},
		{ID: "recent", Parts: models.Parts{models.TextPart{Text: "hi"}}},
	}
	// "hi" costs 2+10, the ten word message costs 13+10
	budget := models.ContextBudget{MaxTotalTokens: 30 + 12, MinMessages: 0}
	got := New(nil).Build(history, msg("new", 12), budget)
	assert.Equal(t, []string{"recent", "new"}, ids(got))
}

func TestBuildEmptyHistory(t *testing.T) {
	got := New(nil).Build(nil, msg("new", 1), models.ContextBudget{MaxTotalTokens: 10, MinMessages: 5})
	assert.Equal(t, []string{"new"}, ids(got))
}

func TestBuildProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := New(tokens.New())
	for i := 0; i < 500; i++ {
		n := rng.Intn(30)
		history := make([]models.Message, n)
		for j := range history {
			history[j] = msg(fmt.Sprintf("h%d", j), 1+rng.Intn(200))
		}
		budget := models.ContextBudget{
			MaxTotalTokens:          rng.Intn(2000),
			ReservedForResponse:     rng.Intn(300),
			ReservedForSystemPrompt: rng.Intn(300),
			MinMessages:             rng.Intn(10),
		}
		newMsg := msg("new", 1+rng.Intn(300))

		got := b.Build(history, newMsg, budget)
		require.NotEmpty(t, got)
		assert.Equal(t, "new", got[len(got)-1].ID)
		kept := got[:len(got)-1]
		assert.LessOrEqual(t, len(kept), n)
		if n >= budget.MinMessages {
			assert.GreaterOrEqual(t, len(kept), budget.MinMessages)
		}
		// kept history is the chronological suffix
		for j, m := range kept {
			assert.Equal(t, history[n-len(kept)+j].ID, m.ID)
		}
	}
}
