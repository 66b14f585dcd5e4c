package router

import (
	"regexp"
	"strings"
)

// cue is one weighted lexical pattern. Scores are the capped sum of the
// weights of every cue that matches, so ordering within a table does not
// affect the result.
type cue struct {
	re     *regexp.Regexp
	weight float64
}

var questionCues = []cue{
	{regexp.MustCompile(`(?i)^\s*(?:who|what|when|where|why|how|which|is|are|was|were|do|does|did|can|could|should|would|will|am)\b`), 1},
	{regexp.MustCompile(`\?\s*$`), 1},
}

var imperativeCues = []cue{
	{regexp.MustCompile(`(?i)^\s*(?:turn|set|play|stop|start|open|close|pause|resume|remind|tell|show|call|send|add|remove|create|make|write|give|find|search|schedule|cancel|mute)\b`), 1},
}

var creativityCues = []cue{
	{regexp.MustCompile(`(?i)\b(?:write|compose|draft)\b`), 0.4},
	{regexp.MustCompile(`(?i)\b(?:story|poem|essay|song|lyrics|haiku|fiction|novel|screenplay)\b`), 0.4},
	{regexp.MustCompile(`(?i)\b(?:imagine|invent|brainstorm|make up|dream up)\b`), 0.4},
	{regexp.MustCompile(`(?i)\b(?:creative|creatively|whimsical|playful)\b`), 0.3},
	{regexp.MustCompile(`(?i)\b(?:joke|riddle|limerick)\b`), 0.3},
}

var complexityCues = []cue{
	{regexp.MustCompile(`(?i)\b(?:analyze|analyse|analysis|evaluate|assess)\b`), 0.35},
	{regexp.MustCompile(`(?i)\b(?:compare|contrast|versus|vs\.?|trade-?offs?)\b`), 0.35},
	{regexp.MustCompile(`(?i)\b(?:implications?|consequences?|ramifications?|impacts?)\b`), 0.3},
	{regexp.MustCompile(`(?i)\b(?:explain|why|reason about|reasons?)\b`), 0.2},
	{regexp.MustCompile(`(?i)\b(?:architectures?|strategies|strategy|frameworks?|systems?|policies|policy)\b`), 0.2},
	{regexp.MustCompile(`(?i)\b(?:step[- ]by[- ]step|in detail|in depth|comprehensive|thorough(?:ly)?)\b`), 0.3},
	{regexp.MustCompile(`(?i)\b(?:prove|derive|optimi[sz]e|synthesi[sz]e)\b`), 0.3},
}

var timeCues = []cue{
	{regexp.MustCompile(`(?i)\b(?:quick|quickly|fast|briefly|real quick)\b`), 0.5},
	{regexp.MustCompile(`(?i)\b(?:now|right away|immediately|asap|urgent(?:ly)?|hurry)\b`), 0.5},
	{regexp.MustCompile(`(?i)\b(?:short answer|one word|in a word|tl;?dr)\b`), 0.5},
}

var contextCues = []cue{
	{regexp.MustCompile(`(?i)^\s*(?:and|also|what about|how about|same for|again)\b`), 1},
	{regexp.MustCompile(`(?i)\b(?:that one|this one|those|these|the same|like before|you (?:said|mentioned))\b`), 1},
	{regexp.MustCompile(`(?i)^\s*(?:it|that|this|they|he|she)\b`), 1},
}

func score(q string, cues []cue) float64 {
	var total float64
	for _, c := range cues {
		if c.re.MatchString(q) {
			total += c.weight
		}
	}
	if total > 1 {
		return 1
	}
	return total
}

// Features are the lexical signals one query exposes. All scores live in
// [0, 1]; booleans are reported as 0 or 1 in [Features.Map].
type Features struct {
	WordCount        int
	Question         bool
	Imperative       bool
	Statement        bool
	Creativity       float64
	Complexity       float64
	TimeSensitivity  float64
	ContextDependent bool
}

// Extract computes the features of a query. It is pure and total; an
// empty query yields the zero value with Statement set.
func Extract(query string) Features {
	q := strings.TrimSpace(query)
	words := len(strings.Fields(q))

	f := Features{
		WordCount:        words,
		Question:         score(q, questionCues) > 0,
		Imperative:       score(q, imperativeCues) > 0,
		TimeSensitivity:  score(q, timeCues),
		ContextDependent: score(q, contextCues) > 0,
		Creativity:       score(q, creativityCues),
	}
	f.Statement = !f.Question && !f.Imperative

	// Clause structure and sheer length push complexity beyond what the
	// cue table alone sees.
	complexity := score(q, complexityCues)
	complexity += 0.08 * float64(strings.Count(q, ",")+strings.Count(q, ";"))
	complexity += min(0.25, float64(words)/120)
	f.Complexity = min(1, complexity)
	return f
}

// Map flattens the features for the decision record.
func (f Features) Map() map[string]float64 {
	b2f := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}
	return map[string]float64{
		"length":            float64(f.WordCount),
		"question":          b2f(f.Question),
		"imperative":        b2f(f.Imperative),
		"statement":         b2f(f.Statement),
		"creativity":        f.Creativity,
		"complexity":        f.Complexity,
		"time_sensitivity":  f.TimeSensitivity,
		"context_dependent": b2f(f.ContextDependent),
	}
}
