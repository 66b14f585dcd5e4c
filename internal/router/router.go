// Package router classifies a user query and picks the processing path
// for the turn: the on-device model, the remote model, both in parallel,
// or a staged local-first attempt. Decisions are pure and deterministic
// given the query, the conditions, and the router configuration, so the
// same utterance always routes the same way in tests and in replay.
package router

import (
	"fmt"
	"strings"
	"sync"
)

// Path names a processing route for one turn.
type Path string

const (
	PathLocal    Path = "local"
	PathAPI      Path = "api"
	PathParallel Path = "parallel"
	PathStaged   Path = "staged"
)

// IsValid reports whether the path is one of the known values.
func (p Path) IsValid() bool {
	switch p {
	case PathLocal, PathAPI, PathParallel, PathStaged:
		return true
	}
	return false
}

// Decision is the routing verdict for one query. Immutable once written
// into the turn state.
type Decision struct {
	Path             Path               `json:"path"`
	Confidence       float64            `json:"confidence"`
	Reasoning        string             `json:"reasoning"`
	Features         map[string]float64 `json:"features"`
	EstimatedLocalMS float64            `json:"estimated_local_ms"`
	EstimatedAPIMS   float64            `json:"estimated_api_ms"`
}

// Preferences are the knobs the optimizer feeds back into routing.
type Preferences struct {
	LocalBias         float64 `json:"local_bias"`
	ParallelThreshold float64 `json:"parallel_threshold"`
	TimeoutMultiplier float64 `json:"timeout_multiplier"`
	QualityThreshold  float64 `json:"quality_threshold"`
}

// DefaultPreferences returns the neutral starting point used before the
// optimizer has adapted anything.
func DefaultPreferences() Preferences {
	return Preferences{
		LocalBias:         0.5,
		ParallelThreshold: 0.65,
		TimeoutMultiplier: 1.0,
		QualityThreshold:  0.7,
	}
}

// Conditions carry the turn context the rules consult beside the query
// text itself.
type Conditions struct {
	// Off marks the assistant as administratively disabled; routing then
	// degrades to a low-confidence local default.
	Off bool
	// HistoryLength is the number of messages already in the turn state.
	HistoryLength int
	// ParallelAllowed reports whether the resource budget permits running
	// both tracks at once.
	ParallelAllowed bool
	Preferences     Preferences
}

// Estimator exposes observed track latencies. The zero estimate with
// ok=false falls back to configured priors.
type Estimator interface {
	MedianLatencyMS(path Path) (ms float64, ok bool)
}

// Config holds the decision thresholds. All fields have working defaults
// from [DefaultConfig]; weights and cut-offs are documented there.
type Config struct {
	ThresholdVeryLong        int     `yaml:"threshold_very_long"`
	ThresholdSimple          int     `yaml:"threshold_simple"`
	CreativityAPIThreshold   float64 `yaml:"creativity_api_threshold"`
	ComplexityLocalThreshold float64 `yaml:"complexity_local_threshold"`
	TimeSensitivityThreshold float64 `yaml:"time_sensitivity_threshold"`
	LocalLatencyPriorMS      float64 `yaml:"local_latency_prior_ms"`
	APILatencyPriorMS        float64 `yaml:"api_latency_prior_ms"`
}

// DefaultConfig returns the documented default thresholds: queries over
// 24 words or with a creativity score above 0.6 go remote, under 8 words
// with complexity below 0.4 stay local, and a time-sensitivity score
// above 0.5 biases toward the faster local track.
func DefaultConfig() Config {
	return Config{
		ThresholdVeryLong:        24,
		ThresholdSimple:          8,
		CreativityAPIThreshold:   0.6,
		ComplexityLocalThreshold: 0.4,
		TimeSensitivityThreshold: 0.5,
		LocalLatencyPriorMS:      600,
		APILatencyPriorMS:        1800,
	}
}

// Router applies the ordered decision rules. Safe for concurrent use;
// thresholds may be replaced at runtime with [Router.Reconfigure].
type Router struct {
	mu  sync.RWMutex
	cfg Config
	est Estimator
}

// Option customizes a [Router].
type Option func(*Router)

// WithEstimator wires observed latency medians into the decision record.
func WithEstimator(est Estimator) Option {
	return func(r *Router) { r.est = est }
}

// New returns a router using cfg. Zero thresholds are replaced by the
// defaults so a partially filled config stays usable.
func New(cfg Config, opts ...Option) *Router {
	r := &Router{cfg: withDefaults(cfg)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconfigure replaces the decision thresholds at runtime. Zero fields fall
// back to the defaults, mirroring [New]. Decisions already in flight keep
// the thresholds they started with.
func (r *Router) Reconfigure(cfg Config) {
	cfg = withDefaults(cfg)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ThresholdVeryLong <= 0 {
		cfg.ThresholdVeryLong = def.ThresholdVeryLong
	}
	if cfg.ThresholdSimple <= 0 {
		cfg.ThresholdSimple = def.ThresholdSimple
	}
	if cfg.CreativityAPIThreshold <= 0 {
		cfg.CreativityAPIThreshold = def.CreativityAPIThreshold
	}
	if cfg.ComplexityLocalThreshold <= 0 {
		cfg.ComplexityLocalThreshold = def.ComplexityLocalThreshold
	}
	if cfg.TimeSensitivityThreshold <= 0 {
		cfg.TimeSensitivityThreshold = def.TimeSensitivityThreshold
	}
	if cfg.LocalLatencyPriorMS <= 0 {
		cfg.LocalLatencyPriorMS = def.LocalLatencyPriorMS
	}
	if cfg.APILatencyPriorMS <= 0 {
		cfg.APILatencyPriorMS = def.APILatencyPriorMS
	}
	return cfg
}

// DeterminePath routes one query. It never panics; unexpected failures
// collapse to the local path at floor confidence with reasoning
// "router_fallback".
func (r *Router) DeterminePath(query string, cond Conditions) (d Decision) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	defer func() {
		if rec := recover(); rec != nil {
			d = Decision{
				Path:             PathLocal,
				Confidence:       0.5,
				Reasoning:        "router_fallback",
				Features:         map[string]float64{},
				EstimatedLocalMS: cfg.LocalLatencyPriorMS,
				EstimatedAPIMS:   cfg.APILatencyPriorMS,
			}
		}
	}()
	return r.decide(cfg, query, cond)
}

func (r *Router) decide(cfg Config, query string, cond Conditions) Decision {
	prefs := cond.Preferences
	if prefs == (Preferences{}) {
		prefs = DefaultPreferences()
	}

	f := Extract(query)
	d := Decision{
		Features:         f.Map(),
		EstimatedLocalMS: r.estimate(PathLocal, cfg.LocalLatencyPriorMS),
		EstimatedAPIMS:   r.estimate(PathAPI, cfg.APILatencyPriorMS),
	}

	switch {
	case cond.Off || strings.TrimSpace(query) == "":
		d.Path = PathLocal
		d.Confidence = 0.5
		d.Reasoning = "assistant off or empty query; defaulting to local"

	case f.WordCount > cfg.ThresholdVeryLong || f.Creativity > cfg.CreativityAPIThreshold:
		d.Path = PathAPI
		lengthDist := float64(f.WordCount-cfg.ThresholdVeryLong) / float64(cfg.ThresholdVeryLong)
		creatDist := (f.Creativity - cfg.CreativityAPIThreshold) / (1 - cfg.CreativityAPIThreshold)
		d.Confidence = clip(0.6 + 0.39*max(lengthDist, creatDist))
		if f.Creativity > cfg.CreativityAPIThreshold {
			d.Reasoning = "creative request favors the remote model"
		} else {
			d.Reasoning = fmt.Sprintf("long query (%d words) favors the remote model", f.WordCount)
		}

	case f.WordCount < cfg.ThresholdSimple && f.Complexity < cfg.ComplexityLocalThreshold:
		lengthDist := float64(cfg.ThresholdSimple-f.WordCount) / float64(cfg.ThresholdSimple)
		complexDist := (cfg.ComplexityLocalThreshold - f.Complexity) / cfg.ComplexityLocalThreshold
		d.Path = PathLocal
		d.Confidence = clip(0.6 + 0.39*min(lengthDist, complexDist))
		d.Reasoning = "short simple query stays on device"

	case f.TimeSensitivity > cfg.TimeSensitivityThreshold:
		d.Path = PathLocal
		d.Confidence = clip(0.5 + 0.4*f.TimeSensitivity*(0.5+prefs.LocalBias))
		d.Reasoning = "time-sensitive query stays on the faster local track"

	case f.Complexity > prefs.ParallelThreshold && cond.ParallelAllowed:
		d.Path = PathParallel
		d.Confidence = clip(0.5 + 0.45*(f.Complexity-prefs.ParallelThreshold)/(1-prefs.ParallelThreshold))
		d.Reasoning = "complex query worth running both tracks"

	default:
		d.Path = PathStaged
		d.Confidence = 0.55
		d.Reasoning = "mixed signals; local first with remote escalation"
	}
	return d
}

func (r *Router) estimate(p Path, prior float64) float64 {
	if r.est != nil {
		if ms, ok := r.est.MedianLatencyMS(p); ok {
			return ms
		}
	}
	return prior
}

// clip bounds a confidence to the reportable range.
func clip(v float64) float64 {
	if v < 0.5 {
		return 0.5
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}
