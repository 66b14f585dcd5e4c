package integrate

import (
	"math"
	"testing"
)

// TestJaccard verifies the token-set similarity across identical, related,
// and divergent content, including case and punctuation insensitivity.
func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "Paris is the capital", "Paris is the capital", 1},
		{"both empty", "", "", 1},
		{"one empty", "Paris", "", 0},
		{"case and punctuation ignored", "Hello, World!", "hello world", 1},
		{
			"related phrasings",
			"Paris is the capital of France",
			"Paris is France's capital city",
			// {paris, is, capital, france} shared of 8 distinct tokens.
			0.5,
		},
		{
			"divergent answers",
			"Paris is the capital",
			"The weather is nice",
			// {is, the} shared of 6 distinct tokens.
			1.0 / 3.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if sym := Jaccard(tt.b, tt.a); math.Abs(sym-got) > 1e-9 {
				t.Errorf("Jaccard is not symmetric: %v vs %v", got, sym)
			}
		})
	}
}

// TestDedupeOverlap verifies that repeated wording at the seam between two
// texts is removed from the second text.
func TestDedupeOverlap(t *testing.T) {
	tests := []struct {
		name string
		prev string
		next string
		want string
	}{
		{
			"no overlap",
			"Paris is the capital.",
			"It has two million residents.",
			"It has two million residents.",
		},
		{
			"leading repeat removed",
			"The capital of France is Paris",
			"The capital of France is Paris and it is beautiful",
			"and it is beautiful",
		},
		{
			"punctuation-insensitive overlap",
			"The answer is Paris.",
			"is Paris, known for the Louvre",
			"known for the Louvre",
		},
		{
			"next fully covered",
			"Paris is the capital of France today",
			"the capital of France today",
			"",
		},
		{
			"empty next",
			"anything",
			"",
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dedupeOverlap(tt.prev, tt.next); got != tt.want {
				t.Errorf("dedupeOverlap(%q, %q) = %q, want %q", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

// TestNormalizeWord verifies surrounding punctuation is stripped while inner
// characters survive.
func TestNormalizeWord(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Paris,", "paris"},
		{"(hello)", "hello"},
		{"France's", "france's"},
		{"...", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeWord(tt.in); got != tt.want {
			t.Errorf("normalizeWord(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
