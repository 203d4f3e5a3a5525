package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistableDropsToolParts(t *testing.T) {
	msg := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: Parts{
			StepStartPart{},
			TextPart{Text: "checking"},
			ToolCallPart{ToolCallID: "c1", ToolName: "web_search", Input: json.RawMessage(`{"query":"go"}`)},
			ToolResultPart{ToolCallID: "c1", ToolName: "web_search", Output: json.RawMessage(`"ok"`)},
			DataPart{Name: "usage", Data: json.RawMessage(`{}`)},
			StepFinishPart{FinishReason: "stop"},
		},
		TokenCount: 42,
	}

	clean := msg.Persistable()
	require.Len(t, clean.Parts, 3)
	assert.False(t, clean.HasToolParts())
	assert.Equal(t, 0, clean.TokenCount)
	assert.Equal(t, PartStepStart, clean.Parts[0].PartType())
	assert.Equal(t, PartText, clean.Parts[1].PartType())
	assert.Equal(t, PartStepFinish, clean.Parts[2].PartType())

	// original is untouched
	assert.True(t, msg.HasToolParts())
	assert.Len(t, msg.Parts, 6)
}

func TestPartsJSONEncoding(t *testing.T) {
	parts := Parts{
		TextPart{Text: "hello"},
		ToolCallPart{ToolCallID: "c1", ToolName: "get_current_date", Input: json.RawMessage(`{}`)},
		StepFinishPart{FinishReason: "tool-calls"},
	}
	raw, err := json.Marshal(parts)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"tool-call"`)
	assert.Contains(t, string(raw), `"toolName":"get_current_date"`)

	var decoded Parts
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, parts, decoded)

	err = json.Unmarshal([]byte(`[{"type":"image"}]`), &decoded)
	assert.Error(t, err)
}

func TestMessageText(t *testing.T) {
	msg := Message{Parts: Parts{TextPart{Text: "a"}, StepStartPart{}, TextPart{Text: "b"}}}
	assert.Equal(t, "a\nb", msg.Text())
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	u = u.Add(Usage{InputTokens: 3, OutputTokens: 2})
	assert.Equal(t, Usage{InputTokens: 13, OutputTokens: 7, TotalTokens: 20}, u)
}

func TestContextBudgetUsable(t *testing.T) {
	b := ContextBudget{MaxTotalTokens: 100, ReservedForResponse: 30, ReservedForSystemPrompt: 20}
	assert.Equal(t, 40, b.Usable(10))
	assert.Equal(t, -10, b.Usable(60))
}
