package wakeword

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// defaultPhoneticThreshold is the minimum Jaro-Winkler score for a
	// window that already covers the phrase phonetically.
	defaultPhoneticThreshold = 0.70

	// defaultFuzzyThreshold is the minimum Jaro-Winkler score for a
	// window with no phonetic coverage. Only near-exact renderings of
	// the phrase (merged tokens, minor misspellings) clear it.
	defaultFuzzyThreshold = 0.90
)

// MatcherOption configures a TextMatcher.
type MatcherOption func(*TextMatcher)

// WithPhoneticThreshold overrides the score floor for phonetically
// covered windows.
func WithPhoneticThreshold(t float64) MatcherOption {
	return func(m *TextMatcher) { m.phoneticThreshold = t }
}

// WithFuzzyThreshold overrides the score floor for windows without
// phonetic coverage.
func WithFuzzyThreshold(t float64) MatcherOption {
	return func(m *TextMatcher) { m.fuzzyThreshold = t }
}

// TextMatcher finds a wake phrase in transcribed text. It slides a
// token window over the transcript and scores each window against the
// phrase two ways: Double Metaphone coverage decides whether the window
// sounds like the phrase, and Jaro-Winkler similarity decides how close
// the spelling is. Covered windows match at a tolerant threshold,
// uncovered ones only on near-exact similarity, so recognition errors
// like "hay antifon" still wake while "hey there" does not.
//
// Safe for concurrent use: a TextMatcher is read-only after
// construction.
type TextMatcher struct {
	phrase     string
	tokens     []string
	tokenCodes [][]string

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewTextMatcher builds a matcher for the given wake phrase. The phrase
// is lowercased and stripped of punctuation; an empty result is an
// error.
func NewTextMatcher(phrase string, opts ...MatcherOption) (*TextMatcher, error) {
	tokens := strings.Fields(normalize(phrase))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("wakeword: empty wake phrase %q", phrase)
	}

	m := &TextMatcher{
		phrase:            strings.Join(tokens, " "),
		tokens:            tokens,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, tok := range tokens {
		m.tokenCodes = append(m.tokenCodes, phoneticCodes(tok))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Phrase returns the normalized wake phrase.
func (m *TextMatcher) Phrase() string {
	return m.phrase
}

// Match scans the transcript for the wake phrase and reports the best
// scoring window. TimestampMs is always -1: text matching happens after
// transcription and cannot place the hit inside the audio.
func (m *TextMatcher) Match(transcript string) Detection {
	tokens := strings.Fields(normalize(transcript))
	if len(tokens) == 0 {
		return Detection{TimestampMs: -1}
	}

	maxWindow := len(m.tokens) + 1
	if maxWindow > len(tokens) {
		maxWindow = len(tokens)
	}

	best := 0.0
	hit := false
	for size := 1; size <= maxWindow; size++ {
		for start := 0; start+size <= len(tokens); start++ {
			window := tokens[start : start+size]
			score := m.windowScore(window)

			// Coverage demands that every phrase token is phonetically
			// present in the window. Sharing a single word, like the
			// "hey" in "hey there", is not coverage.
			if (m.covers(window) && score >= m.phoneticThreshold) || score >= m.fuzzyThreshold {
				hit = true
				if score > best {
					best = score
				}
			}
		}
	}

	if !hit {
		return Detection{TimestampMs: -1}
	}
	return Detection{Hit: true, Confidence: best, TimestampMs: -1}
}

// windowScore is the Jaro-Winkler similarity between the window and the
// phrase, taking the better of the space-joined and concatenated forms.
// The concatenated form catches transcriptions that merge or split the
// phrase tokens. Per-token comparisons are deliberately not used; they
// would score a lone shared word as a full match.
func (m *TextMatcher) windowScore(window []string) float64 {
	joined := strings.Join(window, " ")
	score := matchr.JaroWinkler(joined, m.phrase, false)

	if len(window) > 1 || len(m.tokens) > 1 {
		concat := strings.Join(window, "")
		concatPhrase := strings.Join(m.tokens, "")
		if s := matchr.JaroWinkler(concat, concatPhrase, false); s > score {
			score = s
		}
	}
	return score
}

// covers reports whether each phrase token has at least one Double
// Metaphone code present in the window.
func (m *TextMatcher) covers(window []string) bool {
	have := make(map[string]bool)
	for _, tok := range window {
		for _, code := range phoneticCodes(tok) {
			have[code] = true
		}
	}

	for _, codes := range m.tokenCodes {
		found := false
		for _, code := range codes {
			if have[code] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// phoneticCodes returns the distinct Double Metaphone codes for a
// token.
func phoneticCodes(token string) []string {
	primary, secondary := matchr.DoubleMetaphone(token)

	var codes []string
	if primary != "" {
		codes = append(codes, primary)
	}
	if secondary != "" && secondary != primary {
		codes = append(codes, secondary)
	}
	return codes
}

// normalize lowercases the text and replaces every character that is
// not a letter or digit with a space, so punctuation attached to the
// phrase does not defeat the token match.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}
