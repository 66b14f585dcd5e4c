package remote_test

import (
	"math"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/track/remote"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

// TestCost_LongestPrefixMatch verifies that dated model snapshots resolve to
// the most specific price entry rather than a shorter prefix.
func TestCost_LongestPrefixMatch(t *testing.T) {
	table := remote.DefaultPriceTable()
	usage := llm.Usage{PromptTokens: 1000, CompletionTokens: 1000}

	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o-mini", 0.00015 + 0.0006},
		{"gpt-4o-mini-2024-07-18", 0.00015 + 0.0006},
		{"gpt-4o-2024-08-06", 0.0025 + 0.01},
		{"gpt-4o", 0.0025 + 0.01},
		{"o1-mini-2024-09-12", 0.0011 + 0.0044},
		{"o1-preview", 0.015 + 0.06},
		{"claude-3-5-sonnet-20241022", 0.003 + 0.015},
		{"gemini-1.5-flash-002", 0.000075 + 0.0003},
		{"totally-unknown-model", 0},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := table.Cost(tt.model, usage)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Cost(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

// TestCost_ScalesWithUsage verifies that prompt and completion tokens are
// priced independently.
func TestCost_ScalesWithUsage(t *testing.T) {
	table := remote.PriceTable{
		"m": {PromptPer1K: 0.001, CompletionPer1K: 0.002},
	}

	got := table.Cost("m", llm.Usage{PromptTokens: 500, CompletionTokens: 250})
	want := 0.5*0.001 + 0.25*0.002
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Cost = %v, want %v", got, want)
	}

	if got := table.Cost("m", llm.Usage{}); got != 0 {
		t.Errorf("Cost with zero usage = %v, want 0", got)
	}
}
