// Package transcript corrects recognition errors for custom vocabulary in
// STT output.
//
// General-purpose recognizers routinely mangle names the user cares about:
// contact names, product names, technical terms, the assistant's own wake
// phrase. The [Corrector] applies up to two stages to each transcription:
//
//  1. Phonetic matching: Double Metaphone codes plus Jaro-Winkler ranking
//     align misheard spans with the configured vocabulary. In-process, no
//     network, fast enough for the live voice path.
//
//  2. LLM review: when the recognizer reports low confidence, a language
//     model reviews the text against the vocabulary and fixes what the
//     phonetic stage could not. Model output is verified token-by-token
//     against the declared substitutions; undeclared edits are reverted.
//
// Every substitution is recorded as a [Correction] naming the stage that
// produced it, so callers can audit or display what changed.
package transcript

import (
	"context"
	"strings"

	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

const (
	// StagePhonetic marks corrections from the phonetic matcher.
	StagePhonetic = "phonetic"

	// StageLLM marks corrections from the language-model review.
	StageLLM = "llm"
)

// Correction is one substitution applied to a transcription.
type Correction struct {
	// Heard is the span as the recognizer produced it.
	Heard string

	// Applied is the vocabulary term that replaced it.
	Applied string

	// Confidence is the stage's confidence in the substitution, in [0, 1].
	Confidence float64

	// Stage is [StagePhonetic] or [StageLLM].
	Stage string
}

// Result pairs the corrected text with the substitutions that produced it.
type Result struct {
	Text        string
	Corrections []Correction
}

// Option configures a Corrector.
type Option func(*Corrector)

// WithLLM enables the language-model review stage. Without it only the
// phonetic stage runs.
func WithLLM(p llm.Provider) Option {
	return func(c *Corrector) {
		c.llm = p
	}
}

// WithLLMThreshold sets the recognizer confidence below which the LLM
// stage runs. Transcriptions at or above it skip the model round trip.
// Default: 0.85. Transcriptions reporting no confidence at all always
// qualify when an LLM is configured.
func WithLLMThreshold(t float64) Option {
	return func(c *Corrector) {
		c.llmThreshold = t
	}
}

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector rewrites vocabulary terms the recognizer misheard. Read-only
// after construction; safe for concurrent use.
type Corrector struct {
	vocab        []string
	vocabWords   int // longest term, in words
	matcher      *Matcher
	llm          llm.Provider
	llmThreshold float64
}

// NewCorrector builds a Corrector over the given vocabulary. Terms may be
// multi-word ("status report mode"); matching windows grow to the longest
// term. An empty vocabulary yields a corrector that passes text through
// unchanged.
func NewCorrector(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher:      NewMatcher(),
		llmThreshold: 0.85,
	}
	for _, term := range vocabulary {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		c.vocab = append(c.vocab, term)
		if n := len(strings.Fields(term)); n > c.vocabWords {
			c.vocabWords = n
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct applies the configured stages to text. sttConfidence is the
// recognizer's whole-utterance confidence; zero means unreported. Stage
// failures degrade, never fail: an LLM error returns the phonetic-stage
// result with a nil error.
func (c *Corrector) Correct(ctx context.Context, text string, sttConfidence float64) (Result, error) {
	res := Result{Text: text}
	if len(c.vocab) == 0 || strings.TrimSpace(text) == "" {
		return res, nil
	}

	res.Text, res.Corrections = c.applyPhonetic(text)

	if c.llm != nil && (sttConfidence == 0 || sttConfidence < c.llmThreshold) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		reviewed, corrections := c.reviewWithLLM(ctx, res.Text)
		res.Text = reviewed
		res.Corrections = append(res.Corrections, corrections...)
	}
	return res, nil
}

// applyPhonetic slides vocabulary-sized windows over the token stream and
// replaces the longest window that matches a term. Longer windows win so
// multi-word terms are not shadowed by partial single-word matches.
func (c *Corrector) applyPhonetic(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		width := c.vocabWords
		if i+width > len(tokens) {
			width = len(tokens) - i
		}

		matched := false
		for n := width; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.Match(window, c.vocab)
			if !ok || strings.EqualFold(window, term) {
				continue
			}
			out = append(out, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Heard:      window,
				Applied:    term,
				Confidence: conf,
				Stage:      StagePhonetic,
			})
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return strings.Join(out, " "), corrections
}
