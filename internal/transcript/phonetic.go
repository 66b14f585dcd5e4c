package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.88
)

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term
// whose Double Metaphone codes overlap the input. Default: 0.70.
func WithPhoneticThreshold(t float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = t
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for terms with no
// phonetic overlap. Higher than the phonetic threshold on purpose: without
// pronunciation evidence a match has to be nearly exact. Default: 0.88.
func WithFuzzyThreshold(t float64) MatcherOption {
	return func(m *Matcher) {
		m.fuzzyThreshold = t
	}
}

// Matcher aligns a heard span with the vocabulary term it most plausibly
// was. Candidates are filtered by Double Metaphone code overlap, then
// ranked by Jaro-Winkler similarity; spans with no phonetic candidate fall
// back to a stricter pure-similarity pass. Read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a Matcher with the default thresholds.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the vocabulary term most similar to span, its score, and
// whether any term cleared its threshold. When ok is false, term equals
// span and score is 0. span may be multi-word.
func (m *Matcher) Match(span string, vocabulary []string) (term string, score float64, ok bool) {
	spanLower := strings.ToLower(strings.TrimSpace(span))
	if spanLower == "" || len(vocabulary) == 0 {
		return span, 0, false
	}
	spanTokens := strings.Fields(spanLower)
	spanCodes := metaphoneCodes(spanTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, v := range vocabulary {
		vLower := strings.ToLower(strings.TrimSpace(v))
		if vLower == "" {
			continue
		}
		vTokens := strings.Fields(vLower)

		sim := similarity(spanTokens, vTokens, spanLower, vLower)

		if codesOverlap(spanCodes, metaphoneCodes(vTokens)) {
			if sim >= m.phoneticThreshold && (!bestPhonetic || sim > bestScore) {
				best, bestScore, bestPhonetic = v, sim, true
			}
		} else if !bestPhonetic && sim >= m.fuzzyThreshold && sim > bestScore {
			best, bestScore = v, sim
		}
	}

	if best == "" {
		return span, 0, false
	}
	return best, bestScore, true
}

// metaphoneCodes returns the union of Double Metaphone primary and
// secondary codes over the tokens. Empty codes are dropped.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(tokens))
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score across three views of the pair:
// the full strings, the space-stripped strings (one heard word for two
// vocabulary words, or the reverse), and the best single token pair.
func similarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false)
		if joined > score {
			score = joined
		}
	}

	for _, a := range aTokens {
		for _, b := range bTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
