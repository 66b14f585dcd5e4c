// Package track defines the shared types produced and consumed by the local
// and remote generation tracks. The two controllers live in the local and
// remote subpackages; the integrator consumes their Responses.
//
// Track failures are values, not errors: a failed call still yields a
// Response with Success false, an ErrorKind, and whatever partial Content
// was produced before the failure.
package track

import (
	"strings"

	"github.com/antiphon-ai/antiphon/internal/fault"
)

// Source identifies which track produced a response.
type Source string

const (
	SourceLocal Source = "local"
	SourceAPI   Source = "api"
)

// Params are the generation parameters shared by both tracks. The remote
// track ignores the sampler knobs its transport cannot express (TopK,
// RepeatPenalty, Stop). Zero values mean "use the track's default".
type Params struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Stop          []string
	SystemPrompt  string
}

// Response is the outcome of one track invocation.
//
// QualityScore and the latency/memory extras are best-effort: zero means no
// estimate was possible.
type Response struct {
	Content       string     `json:"content"`
	Success       bool       `json:"success"`
	ErrorKind     fault.Kind `json:"error_kind,omitempty"`
	TokensUsed    int        `json:"tokens_used"`
	LatencyMS     float64    `json:"latency_ms"`
	FirstTokenMS  float64    `json:"first_token_ms,omitempty"`
	MemoryDeltaMB float64    `json:"memory_delta_mb,omitempty"`
	CostEstimate  float64    `json:"cost_estimate"`
	QualityScore  float64    `json:"quality_score,omitempty"`
	FinishReason  string     `json:"finish_reason"`
	Source        Source     `json:"source"`
}

// AsMap converts the response into the JSON-shaped map stored in turn state,
// so serialized state round-trips without type drift.
func (r Response) AsMap() map[string]any {
	m := map[string]any{
		"content":       r.Content,
		"success":       r.Success,
		"tokens_used":   r.TokensUsed,
		"latency_ms":    r.LatencyMS,
		"cost_estimate": r.CostEstimate,
		"finish_reason": r.FinishReason,
		"source":        string(r.Source),
	}
	if r.ErrorKind != fault.Unknown {
		m["error_kind"] = string(r.ErrorKind)
	}
	if r.FirstTokenMS != 0 {
		m["first_token_ms"] = r.FirstTokenMS
	}
	if r.MemoryDeltaMB != 0 {
		m["memory_delta_mb"] = r.MemoryDeltaMB
	}
	if r.QualityScore != 0 {
		m["quality_score"] = r.QualityScore
	}
	return m
}

// FromMap reconstructs a Response from its state map form. Numeric values
// may arrive as int (fresh) or float64 (after a JSON round trip).
func FromMap(m map[string]any) (Response, bool) {
	if m == nil {
		return Response{}, false
	}
	r := Response{
		Content:       asString(m["content"]),
		Success:       asBool(m["success"]),
		ErrorKind:     fault.Kind(asString(m["error_kind"])),
		TokensUsed:    int(asFloat(m["tokens_used"])),
		LatencyMS:     asFloat(m["latency_ms"]),
		FirstTokenMS:  asFloat(m["first_token_ms"]),
		MemoryDeltaMB: asFloat(m["memory_delta_mb"]),
		CostEstimate:  asFloat(m["cost_estimate"]),
		QualityScore:  asFloat(m["quality_score"]),
		FinishReason:  asString(m["finish_reason"]),
		Source:        Source(asString(m["source"])),
	}
	return r, true
}

// EstimateQuality scores response text on crude completeness cues, in [0,1].
// It is a relative signal for integration preference and optimizer quality
// tracking, not an absolute judgment. Empty content scores zero.
func EstimateQuality(content, finishReason string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}

	score := 0.4

	// Natural completion beats truncation.
	if finishReason == "stop" {
		score += 0.2
	}

	// Longer answers up to a point.
	words := len(strings.Fields(trimmed))
	bonus := float64(words) / 150
	if bonus > 0.2 {
		bonus = 0.2
	}
	score += bonus

	// Ends at a sentence boundary.
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	return score
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
