// Package tokens approximates the token cost of message content without a
// tokenizer. Counts are word based and tuned per dominant script.
package tokens

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"negotiatechat/internal/models"
)

// MessageOverhead covers role, id and timestamps of a message.
const MessageOverhead = 10

// ScriptProfile describes a script that inflates token counts when it
// dominates a text.
type ScriptProfile struct {
	Name string
	// Table matches the letters of the script.
	Table *unicode.RangeTable
	// DominanceRatio is the share of characters above which the script dominates.
	DominanceRatio float64
	// LongWordChars is the average word length above which LongWordFactor applies.
	LongWordChars   float64
	LongWordFactor  float64
	ShortWordFactor float64
}

// Cyrillic is the default dominant-script profile.
var Cyrillic = ScriptProfile{
	Name:            "cyrillic",
	Table:           unicode.Cyrillic,
	DominanceRatio:  0.3,
	LongWordChars:   5,
	LongWordFactor:  2.0,
	ShortWordFactor: 1.7,
}

// DefaultFactor applies when no profile dominates.
const DefaultFactor = 1.3

type Estimator struct {
	profiles      []ScriptProfile
	defaultFactor float64
}

// New returns an estimator for the given profiles, Cyrillic when none given.
func New(profiles ...ScriptProfile) *Estimator {
	if len(profiles) == 0 {
		profiles = []ScriptProfile{Cyrillic}
	}
	return &Estimator{profiles: profiles, defaultFactor: DefaultFactor}
}

// Estimate returns the approximate token count of text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if !norm.NFC.IsNormalString(text) {
		text = norm.NFC.String(text)
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	chars := utf8.RuneCountInString(text)

	if p, ok := e.dominant(text, chars); ok {
		avg := float64(chars) / float64(words)
		if avg > p.LongWordChars {
			return ceilTokens(words, p.LongWordFactor)
		}
		return ceilTokens(words, p.ShortWordFactor)
	}
	return ceilTokens(words, e.defaultFactor)
}

// EstimateParts sums the text parts and adds MessageOverhead. Tool and step
// parts carry no persisted cost.
func (e *Estimator) EstimateParts(parts models.Parts) int {
	total := 0
	for _, p := range parts {
		if t, ok := p.(models.TextPart); ok {
			total += e.Estimate(t.Text)
		}
	}
	return total + MessageOverhead
}

// EstimateMessage returns the cached token count or estimates it.
func (e *Estimator) EstimateMessage(m models.Message) int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	return e.EstimateParts(m.Parts)
}

func (e *Estimator) dominant(text string, chars int) (ScriptProfile, bool) {
	counts := make([]int, len(e.profiles))
	for _, r := range text {
		for i, p := range e.profiles {
			if unicode.Is(p.Table, r) {
				counts[i]++
				break
			}
		}
	}
	for i, p := range e.profiles {
		if float64(counts[i]) > float64(chars)*p.DominanceRatio {
			return p, true
		}
	}
	return ScriptProfile{}, false
}

func ceilTokens(words int, factor float64) int {
	return int(math.Ceil(float64(words) * factor))
}
