package models

// ContextBudget bounds the context sent to the model for one turn.
type ContextBudget struct {
	MaxTotalTokens          int `json:"max_total_tokens"`
	ReservedForResponse     int `json:"reserved_for_response"`
	ReservedForSystemPrompt int `json:"reserved_for_system_prompt"`
	MinMessages             int `json:"min_messages"`
}

// Usable returns the history budget left once reservations and the new
// message are accounted for. The result may be negative.
func (b ContextBudget) Usable(newMessageTokens int) int {
	return b.MaxTotalTokens - b.ReservedForResponse - b.ReservedForSystemPrompt - newMessageTokens
}

// Usage holds raw token counts reported by a provider.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates u2 into u. Missing totals are derived from the parts.
func (u Usage) Add(u2 Usage) Usage {
	total := u2.TotalTokens
	if total == 0 {
		total = u2.InputTokens + u2.OutputTokens
	}
	return Usage{
		InputTokens:  u.InputTokens + u2.InputTokens,
		OutputTokens: u.OutputTokens + u2.OutputTokens,
		TotalTokens:  u.TotalTokens + total,
	}
}

// UsageRecord is the accounting result of a turn. ModelID and Cost are only
// set when pricing metadata was available.
type UsageRecord struct {
	Usage
	ModelID string       `json:"modelId,omitempty"`
	Cost    *CostSummary `json:"cost,omitempty"`
}

type CostSummary struct {
	InputCostUSD       float64 `json:"inputCostUSD"`
	OutputCostUSD      float64 `json:"outputCostUSD"`
	TotalCostUSD       float64 `json:"totalCostUSD"`
	ContextWindow      int     `json:"contextWindow,omitempty"`
	ContextUsedPercent float64 `json:"contextUsedPercent,omitempty"`
}
