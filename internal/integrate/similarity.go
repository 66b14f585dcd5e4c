package integrate

import (
	"strings"
	"unicode"
)

// Jaccard computes token-set similarity between two texts in [0, 1]. Content
// is lowercased and split on non-alphanumeric runes before comparison, so
// punctuation and casing differences do not count as divergence. Two empty
// texts are considered identical.
func Jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// normalizeWord strips surrounding punctuation and lowercases one word for
// overlap comparison.
func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}

// dedupeOverlap removes from the head of next the longest run of words that
// already ends prev, comparing words case- and punctuation-insensitively.
// Returns next unchanged when there is no overlap.
func dedupeOverlap(prev, next string) string {
	prevWords := strings.Fields(prev)
	nextWords := strings.Fields(next)
	limit := len(prevWords)
	if len(nextWords) < limit {
		limit = len(nextWords)
	}

	for n := limit; n > 0; n-- {
		if wordsEqual(prevWords[len(prevWords)-n:], nextWords[:n]) {
			return strings.Join(nextWords[n:], " ")
		}
	}
	return next
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if normalizeWord(a[i]) != normalizeWord(b[i]) {
			return false
		}
	}
	return true
}
