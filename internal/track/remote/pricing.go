package remote

import (
	"strings"

	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

// Price lists USD per 1K tokens for one model.
type Price struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// PriceTable maps model-name prefixes to prices. Lookups pick the longest
// matching prefix, so "gpt-4o-mini" beats "gpt-4o" for dated variants like
// gpt-4o-mini-2024-07-18.
type PriceTable map[string]Price

// DefaultPriceTable returns published list prices for common hosted models.
// Config may add or override entries; unknown models cost zero.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"gpt-4o-mini":       {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
		"gpt-4o":            {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
		"gpt-4-turbo":       {PromptPer1K: 0.01, CompletionPer1K: 0.03},
		"gpt-3.5-turbo":     {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
		"o1-mini":           {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},
		"o1":                {PromptPer1K: 0.015, CompletionPer1K: 0.06},
		"claude-3-5-haiku":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
		"claude-3-5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
		"gemini-1.5-flash":  {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
		"gemini-1.5-pro":    {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
		"deepseek-chat":     {PromptPer1K: 0.00027, CompletionPer1K: 0.0011},
		"mistral-large":     {PromptPer1K: 0.002, CompletionPer1K: 0.006},
	}
}

// Cost computes the USD estimate for one call against model. Returns zero
// for unknown models.
func (t PriceTable) Cost(model string, usage llm.Usage) float64 {
	best := ""
	for prefix := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := t[best]
	return float64(usage.PromptTokens)/1000*p.PromptPer1K +
		float64(usage.CompletionTokens)/1000*p.CompletionPer1K
}
