// Package integrate merges the outcomes of the local and hosted generation
// tracks into a single final response. The Integrator applies a fixed
// selection table: a lone successful track wins outright, path-pinned turns
// pass through, and concurrent turns are merged by textual similarity
// (prefer, combine, or interrupt). Integration never fails a turn: every
// internal error degrades to a canned fallback message.
package integrate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/track"
)

// Source identifies where the final content came from.
type Source string

const (
	SourceLocal      Source = "local"
	SourceAPI        Source = "api"
	SourceIntegrated Source = "integrated"
	SourceFallback   Source = "fallback"
)

// Strategy names the merge rule that produced the result.
type Strategy string

const (
	StrategyPreference   Strategy = "preference"
	StrategyFastest      Strategy = "fastest"
	StrategyCombine      Strategy = "combine"
	StrategyInterrupt    Strategy = "interrupt"
	StrategySingleSource Strategy = "single_source"
)

// FallbackMessage is the canned reply emitted when no track produced a
// usable response.
const FallbackMessage = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

// Result is the integrator's output for one turn. Immutable once returned.
type Result struct {
	Content         string         `json:"content"`
	Source          Source         `json:"source"`
	Strategy        Strategy       `json:"strategy"`
	SimilarityScore *float64       `json:"similarity_score,omitempty"`
	ProcessingMS    float64        `json:"processing_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// AsMap renders the result in its serialized shape for storage in the
// conversation state's processing map.
func (r Result) AsMap() map[string]any {
	m := map[string]any{
		"content":       r.Content,
		"source":        string(r.Source),
		"strategy":      string(r.Strategy),
		"processing_ms": r.ProcessingMS,
	}
	if r.SimilarityScore != nil {
		m["similarity_score"] = *r.SimilarityScore
	}
	if len(r.Metadata) > 0 {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		m["metadata"] = meta
	}
	return m
}

// Config holds merge thresholds and weights. Zero values select defaults.
type Config struct {
	// SimilarityHigh is the Jaccard score at or above which both tracks are
	// considered to agree. Default: 0.8.
	SimilarityHigh float64

	// SimilarityMedium is the score at or above which responses are related
	// enough to combine. Default: 0.5.
	SimilarityMedium float64

	// APIPreferenceWeight scales the API response's quality when both tracks
	// agree. Default: 0.7.
	APIPreferenceWeight float64

	// LocalPreferenceWeight scales the local response's quality. Default: 0.3.
	LocalPreferenceWeight float64

	// Bridge is the connective inserted between combined responses.
	// Default: "Additionally,".
	Bridge string
}

// Integrator merges track responses. Safe for concurrent use; thresholds
// and weights may be replaced at runtime with [Integrator.Reconfigure].
type Integrator struct {
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger
}

// Option configures an Integrator.
type Option func(*Integrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Integrator) {
		g.logger = l
	}
}

// New creates an Integrator. Zero-value config fields are replaced with
// defaults.
func New(cfg Config, opts ...Option) *Integrator {
	g := &Integrator{cfg: withDefaults(cfg), logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Reconfigure replaces the merge thresholds and weights at runtime. Zero
// fields fall back to the defaults, mirroring [New]. Turns already being
// integrated keep the config they started with.
func (g *Integrator) Reconfigure(cfg Config) {
	cfg = withDefaults(cfg)
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func withDefaults(cfg Config) Config {
	if cfg.SimilarityHigh <= 0 {
		cfg.SimilarityHigh = 0.8
	}
	if cfg.SimilarityMedium <= 0 {
		cfg.SimilarityMedium = 0.5
	}
	if cfg.APIPreferenceWeight <= 0 {
		cfg.APIPreferenceWeight = 0.7
	}
	if cfg.LocalPreferenceWeight <= 0 {
		cfg.LocalPreferenceWeight = 0.3
	}
	if cfg.Bridge == "" {
		cfg.Bridge = "Additionally,"
	}
	return cfg
}

// Integrate merges the two track outcomes for one turn. Either response may
// be nil when its track did not run. latencyPriority selects the fastest
// finished track whenever both succeeded. Integrate never panics outward:
// any internal failure returns a fallback result tagged integration_error.
func (g *Integrator) Integrate(local, api *track.Response, path router.Path, latencyPriority bool) (res Result) {
	start := time.Now()
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("integration failed", "panic", r)
			res = Result{
				Content:      FallbackMessage,
				Source:       SourceFallback,
				Strategy:     StrategySingleSource,
				ProcessingMS: msSince(start),
				Metadata:     map[string]any{"integration_error": fmt.Sprint(r)},
			}
		}
	}()

	localOK := local != nil && local.Success
	apiOK := api != nil && api.Success

	switch {
	case !localOK && !apiOK:
		meta := map[string]any{}
		if local != nil && local.ErrorKind != "" {
			meta["local_error"] = string(local.ErrorKind)
		}
		if api != nil && api.ErrorKind != "" {
			meta["api_error"] = string(api.ErrorKind)
		}
		g.logger.Warn("both tracks failed, using fallback message",
			"local_error", meta["local_error"],
			"api_error", meta["api_error"])
		return Result{
			Content:      FallbackMessage,
			Source:       SourceFallback,
			Strategy:     StrategySingleSource,
			ProcessingMS: msSince(start),
			Metadata:     meta,
		}
	case localOK && !apiOK:
		return g.single(local, SourceLocal, start)
	case apiOK && !localOK:
		return g.single(api, SourceAPI, start)
	}

	// Both tracks succeeded.
	switch path {
	case router.PathLocal:
		return g.single(local, SourceLocal, start)
	case router.PathAPI:
		return g.single(api, SourceAPI, start)
	}

	sim := Jaccard(local.Content, api.Content)

	if latencyPriority {
		winner, source := local, SourceLocal
		if api.LatencyMS < local.LatencyMS {
			winner, source = api, SourceAPI
		}
		return Result{
			Content:         winner.Content,
			Source:          source,
			Strategy:        StrategyFastest,
			SimilarityScore: &sim,
			ProcessingMS:    msSince(start),
			Metadata:        map[string]any{"chosen": string(source)},
		}
	}

	switch {
	case sim >= cfg.SimilarityHigh:
		return g.preference(cfg, local, api, sim, start)
	case sim >= cfg.SimilarityMedium:
		return g.combine(cfg, local, api, sim, start)
	default:
		// Divergent answers: trust the higher-capacity model.
		return Result{
			Content:         api.Content,
			Source:          SourceAPI,
			Strategy:        StrategyInterrupt,
			SimilarityScore: &sim,
			ProcessingMS:    msSince(start),
		}
	}
}

// single wraps one track's content as the whole result.
func (g *Integrator) single(r *track.Response, source Source, start time.Time) Result {
	return Result{
		Content:      r.Content,
		Source:       source,
		Strategy:     StrategySingleSource,
		ProcessingMS: msSince(start),
	}
}

// preference picks the higher weighted-quality track when both agree.
func (g *Integrator) preference(cfg Config, local, api *track.Response, sim float64, start time.Time) Result {
	apiScore := cfg.APIPreferenceWeight * qualityOr(api, 1)
	localScore := cfg.LocalPreferenceWeight * qualityOr(local, 1)

	winner, source := api, SourceAPI
	if localScore > apiScore {
		winner, source = local, SourceLocal
	}
	return Result{
		Content:         winner.Content,
		Source:          source,
		Strategy:        StrategyPreference,
		SimilarityScore: &sim,
		ProcessingMS:    msSince(start),
		Metadata:        map[string]any{"chosen": string(source)},
	}
}

// combine emits the local answer first, then the API answer joined by the
// bridge connective, dropping any wording the local answer already covered.
func (g *Integrator) combine(cfg Config, local, api *track.Response, sim float64, start time.Time) Result {
	apiPart := dedupeOverlap(local.Content, api.Content)
	content := local.Content
	if apiPart != "" {
		content = local.Content + " " + cfg.Bridge + " " + apiPart
	}
	return Result{
		Content:         content,
		Source:          SourceIntegrated,
		Strategy:        StrategyCombine,
		SimilarityScore: &sim,
		ProcessingMS:    msSince(start),
	}
}

func qualityOr(r *track.Response, def float64) float64 {
	if r.QualityScore != 0 {
		return r.QualityScore
	}
	return def
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
