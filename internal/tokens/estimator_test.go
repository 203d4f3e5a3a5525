package tokens

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"

	"negotiatechat/internal/models"
)

func TestEstimateEmpty(t *testing.T) {
	e := New()
	assert.Equal(t, 0, e.Estimate(""))
	assert.Equal(t, 0, e.Estimate("   \n\t"))
}

func TestEstimateTiers(t *testing.T) {
	e := New()

	// 4 latin words -> ceil(4*1.3)
	assert.Equal(t, 6, e.Estimate("the quick brown fox"))

	// short cyrillic words (avg <= 5 chars) -> ceil(words*1.7)
	assert.Equal(t, 7, e.Estimate("мой дом там где"))

	// long cyrillic words -> ceil(words*2.0)
	assert.Equal(t, 6, e.Estimate("переговоры стратегические предложения"))
}

func TestEstimateMixedScriptBelowThreshold(t *testing.T) {
	e := New()
	// one cyrillic word among long latin text stays in the default tier
	text := "negotiation strategy requires preparation and patience да"
	assert.Equal(t, 10, e.Estimate(text))
}

func TestEstimateMonotonicInWordCount(t *testing.T) {
	e := New()
	for _, word := range []string{"deal", "сделка", "компромиссное"} {
		prev := 0
		for n := 1; n <= 50; n++ {
			got := e.Estimate(strings.TrimSpace(strings.Repeat(word+" ", n)))
			assert.GreaterOrEqual(t, got, prev, "word=%s n=%d", word, n)
			prev = got
		}
	}
}

func TestEstimatePartsCountsTextOnly(t *testing.T) {
	e := New()
	parts := models.Parts{
		models.StepStartPart{},
		models.TextPart{Text: "the quick brown fox"},
		models.ToolCallPart{ToolCallID: "1", ToolName: "web_search", Input: []byte(`{"query":"a very long query string"}`)},
		models.ToolResultPart{ToolCallID: "1", ToolName: "web_search", Output: []byte(`"lots of output text here"`)},
		models.StepFinishPart{},
	}
	assert.Equal(t, 6+MessageOverhead, e.EstimateParts(parts))
	assert.Equal(t, MessageOverhead, e.EstimateParts(nil))
}

func TestEstimateMessageUsesCachedCount(t *testing.T) {
	e := New()
	msg := models.Message{Parts: models.Parts{models.TextPart{Text: "the quick brown fox"}}}
	assert.Equal(t, 16, e.EstimateMessage(msg))
	msg.TokenCount = 99
	assert.Equal(t, 99, e.EstimateMessage(msg))
}

func TestCustomProfile(t *testing.T) {
	greek := ScriptProfile{Name: "greek", Table: unicode.Greek, DominanceRatio: 0.3, LongWordChars: 5, LongWordFactor: 2.5, ShortWordFactor: 2}
	e := New(greek)
	assert.Equal(t, 4, e.Estimate("καλή μέρα"))
	// cyrillic is not detected without its profile
	assert.Equal(t, 6, e.Estimate("мой дом там где"))
}
