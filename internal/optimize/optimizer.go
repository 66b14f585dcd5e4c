// Package optimize tracks request performance and resource usage and adapts
// the dual-track routing preferences at runtime.
//
// Three pieces cooperate:
//
//   - Collector: bounded per-path metric windows with O(1) recording, also
//     serving the router's observed latency medians.
//   - Monitor: a periodic resource sampler with constraint checking.
//   - Optimizer: a periodic loop that nudges routing preferences in small
//     bounded steps based on recent metrics and resource pressure.
//
// Example:
//
//	opt := optimize.New(optimize.Config{Strategy: optimize.StrategyAdaptive})
//	opt.Start()
//	defer opt.Stop()
//
//	opt.RecordRequestStart(id, query, nil)
//	// ... run the turn ...
//	opt.RecordRequestCompletion(id, optimize.Completion{Path: path, Success: true})
package optimize

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/router"
)

// Strategy selects how strongly each adaptation heuristic is weighted.
type Strategy string

const (
	StrategyAdaptive          Strategy = "adaptive"
	StrategyLatencyFocused    Strategy = "latency_focused"
	StrategyResourceEfficient Strategy = "resource_efficient"
	StrategyQualityFocused    Strategy = "quality_focused"
	StrategyCostOptimized     Strategy = "cost_optimized"
)

// ParseStrategy converts a config string into a Strategy, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	v := Strategy(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case StrategyAdaptive, StrategyLatencyFocused, StrategyResourceEfficient,
		StrategyQualityFocused, StrategyCostOptimized:
		return v, nil
	}
	return "", fmt.Errorf("optimize: unknown strategy %q", s)
}

// Adaptation records one bounded preference change.
type Adaptation struct {
	Time   time.Time `json:"time"`
	Field  string    `json:"field"`
	From   float64   `json:"from"`
	To     float64   `json:"to"`
	Reason string    `json:"reason"`
}

// Completion carries the outcome of one finished request.
type Completion struct {
	Path         router.Path
	LatencyMS    float64 // 0 means derive from the recorded start time
	Tokens       int
	CostEstimate float64
	QualityScore *float64
	Success      bool
	ErrorKind    fault.Kind
}

// PreferenceWeights are the integration weights adjusted by the quality-gap
// heuristic. LocalPreferenceWeight is always 1 - APIPreferenceWeight.
type PreferenceWeights struct {
	APIPreferenceWeight   float64 `json:"api_preference_weight"`
	LocalPreferenceWeight float64 `json:"local_preference_weight"`
}

// ResourceStatus reports current usage against the configured constraints.
type ResourceStatus struct {
	Usage         Usage       `json:"usage"`
	Violations    []Violation `json:"violations,omitempty"`
	AllowParallel bool        `json:"allow_parallel"`
}

// Timeouts suggests per-track deadlines after applying the adaptive
// multiplier to the configured base values.
type Timeouts struct {
	Multiplier       float64 `json:"multiplier"`
	SuggestedLocalMS int     `json:"suggested_local_ms"`
	SuggestedAPIMS   int     `json:"suggested_api_ms"`
}

// CachingHint reports whether the answer for this query is likely reusable.
type CachingHint struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// Recommendation is the per-query advice handed to the routing layer.
type Recommendation struct {
	RoutingPreferences router.Preferences `json:"routing_preferences"`
	Weights            PreferenceWeights  `json:"weights"`
	ResourceStatus     ResourceStatus     `json:"resource_status"`
	Timeouts           Timeouts           `json:"timeouts"`
	Caching            CachingHint        `json:"caching"`
}

// Status is a snapshot of the optimizer's state.
type Status struct {
	Strategy              Strategy           `json:"strategy"`
	Constraints           Constraints        `json:"constraints"`
	RoutingPreferences    router.Preferences `json:"routing_preferences"`
	APIPreferenceWeight   float64            `json:"api_preference_weight"`
	LocalPreferenceWeight float64            `json:"local_preference_weight"`
	LastAdaptTime         time.Time          `json:"last_adapt_time"`
	AdaptCount            int                `json:"adapt_count"`
	RecentAdaptations     []Adaptation       `json:"recent_adaptations"`
	PendingRequests       int                `json:"pending_requests"`
}

// Config holds the optimizer's tuning. Zero values select defaults.
type Config struct {
	// Strategy weights the adaptation heuristics. Default: adaptive.
	Strategy Strategy

	// Interval is how often the adaptation pass runs. Default: 30s.
	Interval time.Duration

	// WindowSize is the per-path metric ring capacity. Default: 100.
	WindowSize int

	// BaseStep is the nominal preference change per heuristic per pass.
	// Default: 0.05.
	BaseStep float64

	// MaxStep caps any single change regardless of strategy weighting.
	// Default: 0.1.
	MaxStep float64

	// MinAPISuccess is the API success rate below which local bias rises.
	// Default: 0.8.
	MinAPISuccess float64

	// QualityGapThreshold is the api-minus-local mean quality gap above
	// which the API preference weight rises. Default: 0.15.
	QualityGapThreshold float64

	// TimeoutRateThreshold is the fraction of timed-out requests above
	// which the timeout multiplier rises. Default: 0.2.
	TimeoutRateThreshold float64

	// MinSamples is how many observations a window needs before its
	// heuristics fire. Default: 5.
	MinSamples int

	// BaseLocalTimeoutMS and BaseAPITimeoutMS anchor the suggested
	// deadlines in recommendations. Defaults: 3000 and 10000.
	BaseLocalTimeoutMS int
	BaseAPITimeoutMS   int

	// APIPreferenceWeight is the starting integration weight. Default: 0.7.
	APIPreferenceWeight float64

	Constraints Constraints

	// Preferences is the starting point for routing preferences. The zero
	// value selects router.DefaultPreferences.
	Preferences router.Preferences
}

const (
	recentAdaptationCap = 20
	queryRingSize       = 32
	pendingTTL          = 10 * time.Minute
)

type pendingStart struct {
	at    time.Time
	query string
}

// Optimizer is the process-wide adaptation engine. Start it once at boot
// and stop it at shutdown. All methods are safe for concurrent use.
type Optimizer struct {
	cfg       Config
	collector *Collector
	monitor   *Monitor
	logger    *slog.Logger

	mu         sync.Mutex
	prefs      router.Preferences
	apiWeight  float64
	lastAdapt  time.Time
	adaptCount int
	recent     []Adaptation
	pending    map[string]pendingStart
	queries    [queryRingSize]uint64
	queryPos   int

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		o.logger = l
	}
}

// WithCollector injects a metrics collector, for sharing or testing.
func WithCollector(c *Collector) Option {
	return func(o *Optimizer) {
		o.collector = c
	}
}

// WithMonitor injects a resource monitor, for sharing or testing.
func WithMonitor(m *Monitor) Option {
	return func(o *Optimizer) {
		o.monitor = m
	}
}

// New creates an Optimizer. Zero-value config fields are replaced with
// defaults; the collector and monitor are created unless injected.
func New(cfg Config, opts ...Option) *Optimizer {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.BaseStep <= 0 {
		cfg.BaseStep = 0.05
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 0.1
	}
	if cfg.MinAPISuccess <= 0 {
		cfg.MinAPISuccess = 0.8
	}
	if cfg.QualityGapThreshold <= 0 {
		cfg.QualityGapThreshold = 0.15
	}
	if cfg.TimeoutRateThreshold <= 0 {
		cfg.TimeoutRateThreshold = 0.2
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.BaseLocalTimeoutMS <= 0 {
		cfg.BaseLocalTimeoutMS = 3000
	}
	if cfg.BaseAPITimeoutMS <= 0 {
		cfg.BaseAPITimeoutMS = 10000
	}
	if cfg.APIPreferenceWeight <= 0 {
		cfg.APIPreferenceWeight = 0.7
	}
	prefs := cfg.Preferences
	if prefs == (router.Preferences{}) {
		prefs = router.DefaultPreferences()
	}

	o := &Optimizer{
		cfg:       cfg,
		logger:    slog.Default(),
		prefs:     prefs,
		apiWeight: cfg.APIPreferenceWeight,
		pending:   make(map[string]pendingStart),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.collector == nil {
		o.collector = NewCollector(cfg.WindowSize)
	}
	if o.monitor == nil {
		o.monitor = NewMonitor(nil, WithMonitorLogger(o.logger))
	}
	return o
}

// Collector exposes the metric windows, e.g. for wiring the router's
// latency estimator.
func (o *Optimizer) Collector() *Collector {
	return o.collector
}

// SetStrategy swaps the adaptation strategy at runtime. The next pass uses
// the new heuristic weighting; step bounds keep the transition smooth.
// An empty strategy resets to adaptive.
func (o *Optimizer) SetStrategy(s Strategy) {
	if s == "" {
		s = StrategyAdaptive
	}
	o.mu.Lock()
	o.cfg.Strategy = s
	o.mu.Unlock()
}

// Start launches the resource monitor and the adaptation loop. Idempotent.
func (o *Optimizer) Start() {
	o.startOnce.Do(func() {
		o.monitor.Start()
		go o.loop()
	})
}

// Stop halts the adaptation loop and the resource monitor. Idempotent.
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.monitor.Stop()
	})
}

func (o *Optimizer) loop() {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.Adapt()
		}
	}
}

// RecordRequestStart marks a request in flight so its completion can derive
// latency, and feeds the repeated-query detector. meta is reserved for
// caller context and is not inspected.
func (o *Optimizer) RecordRequestStart(id, query string, meta map[string]any) {
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	for pid, p := range o.pending {
		if now.Sub(p.at) > pendingTTL {
			delete(o.pending, pid)
		}
	}
	o.pending[id] = pendingStart{at: now, query: query}
	o.recordQuery(query)
}

// RecordRequestCompletion stores the outcome of a finished request in the
// metric window for its path, stamped with current resource usage.
func (o *Optimizer) RecordRequestCompletion(id string, c Completion) {
	now := time.Now()
	latency := c.LatencyMS

	o.mu.Lock()
	if p, ok := o.pending[id]; ok {
		delete(o.pending, id)
		if latency <= 0 {
			latency = float64(now.Sub(p.at)) / float64(time.Millisecond)
		}
	}
	o.mu.Unlock()

	usage := o.monitor.Current()
	o.collector.Record(Metric{
		Timestamp:    now,
		Path:         c.Path,
		RequestID:    id,
		LatencyMS:    latency,
		Tokens:       c.Tokens,
		MemoryMB:     usage.ProcessMemoryMB,
		CPUPercent:   usage.SystemCPUPercent,
		GPUMemoryMB:  usage.GPUMemoryMB,
		QualityScore: c.QualityScore,
		CostEstimate: c.CostEstimate,
		Success:      c.Success,
		ErrorKind:    c.ErrorKind,
	})
}

// Recommendations returns the current per-query advice: routing
// preferences, integration weights, resource headroom, suggested timeouts,
// and a caching hint for repeated queries. Read-only; no state changes.
func (o *Optimizer) Recommendations(query string, meta map[string]any) Recommendation {
	usage := o.monitor.Current()
	violations := o.monitor.CheckConstraints(o.cfg.Constraints)

	o.mu.Lock()
	prefs := o.prefs
	apiW := o.apiWeight
	repeated := o.seenQuery(query)
	o.mu.Unlock()

	rec := Recommendation{
		RoutingPreferences: prefs,
		Weights: PreferenceWeights{
			APIPreferenceWeight:   apiW,
			LocalPreferenceWeight: 1 - apiW,
		},
		ResourceStatus: ResourceStatus{
			Usage:         usage,
			Violations:    violations,
			AllowParallel: len(violations) == 0,
		},
		Timeouts: Timeouts{
			Multiplier:       prefs.TimeoutMultiplier,
			SuggestedLocalMS: int(float64(o.cfg.BaseLocalTimeoutMS) * prefs.TimeoutMultiplier),
			SuggestedAPIMS:   int(float64(o.cfg.BaseAPITimeoutMS) * prefs.TimeoutMultiplier),
		},
	}
	if repeated {
		rec.Caching = CachingHint{Enabled: true, Reason: "repeated_query"}
	}
	return rec
}

// MetricsSummary aggregates the window for path; an empty path aggregates
// across all paths.
func (o *Optimizer) MetricsSummary(path router.Path) Summary {
	return o.collector.Summary(path)
}

// Preferences returns the current routing preferences snapshot.
func (o *Optimizer) Preferences() router.Preferences {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prefs
}

// Weights returns the current integration preference weights.
func (o *Optimizer) Weights() PreferenceWeights {
	o.mu.Lock()
	defer o.mu.Unlock()
	return PreferenceWeights{
		APIPreferenceWeight:   o.apiWeight,
		LocalPreferenceWeight: 1 - o.apiWeight,
	}
}

// Status reports the optimizer's full state for diagnostics. AdaptCount is
// the number of passes that changed at least one preference.
func (o *Optimizer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	recent := make([]Adaptation, len(o.recent))
	copy(recent, o.recent)
	return Status{
		Strategy:              o.cfg.Strategy,
		Constraints:           o.cfg.Constraints,
		RoutingPreferences:    o.prefs,
		APIPreferenceWeight:   o.apiWeight,
		LocalPreferenceWeight: 1 - o.apiWeight,
		LastAdaptTime:         o.lastAdapt,
		AdaptCount:            o.adaptCount,
		RecentAdaptations:     recent,
		PendingRequests:       len(o.pending),
	}
}

// Adapt runs one adaptation pass immediately. Normally driven by the
// interval loop; exported so operators and tests can force a pass.
//
// Every change is bounded by MaxStep and clamped to its field's valid
// range, so repeated passes converge instead of thrashing.
func (o *Optimizer) Adapt() {
	now := time.Now()
	apiSum := o.collector.Summary(router.PathAPI)
	localSum := o.collector.Summary(router.PathLocal)
	all := o.collector.Snapshot("")
	allSum := summarize(all)
	violations := o.monitor.CheckConstraints(o.cfg.Constraints)

	o.mu.Lock()
	strategy := o.cfg.Strategy
	o.mu.Unlock()
	w := o.heuristicWeights(strategy, all)

	o.mu.Lock()
	defer o.mu.Unlock()

	var changes []Adaptation
	apply := func(field string, target *float64, delta, lo, hi float64, reason string) {
		if delta == 0 {
			return
		}
		next := clampF(*target+delta, lo, hi)
		if next == *target {
			return
		}
		changes = append(changes, Adaptation{Time: now, Field: field, From: *target, To: next, Reason: reason})
		*target = next
	}

	minN := o.cfg.MinSamples

	if apiSum.Count >= minN && apiSum.SuccessRate < o.cfg.MinAPISuccess {
		apply("local_bias", &o.prefs.LocalBias, o.step(w.apiSuccess), 0, 1,
			"api_success_below_minimum")
	}

	if target := o.cfg.Constraints.TargetLatencyMS; target > 0 &&
		localSum.Count >= minN && localSum.MeanLatencyMS > target {
		apply("local_bias", &o.prefs.LocalBias, -o.step(w.localLatency), 0, 1,
			"local_latency_over_target")
		apply("parallel_threshold", &o.prefs.ParallelThreshold, o.step(w.localLatency), 0.1, 1,
			"local_latency_over_target")
	}

	if len(violations) > 0 {
		apply("local_bias", &o.prefs.LocalBias, -o.step(w.resources), 0, 1,
			"resource_pressure_prefers_api")
		apply("parallel_threshold", &o.prefs.ParallelThreshold, o.step(w.resources), 0.1, 1,
			"resource_pressure_prefers_api")
	}

	if apiSum.Count >= minN && localSum.Count >= minN &&
		apiSum.MeanQuality-localSum.MeanQuality > o.cfg.QualityGapThreshold {
		apply("api_preference_weight", &o.apiWeight, o.step(w.qualityGap), 0.1, 0.9,
			"api_quality_ahead")
	}

	if budget := o.cfg.Constraints.MaxCostPerRequest; budget > 0 &&
		apiSum.Count >= minN && apiSum.MeanCost > budget {
		apply("local_bias", &o.prefs.LocalBias, o.step(w.cost), 0, 1,
			"cost_over_budget")
	}

	timeoutRate := allSum.ErrorRates[fault.Timeout] + allSum.ErrorRates[fault.NetworkTimeout]
	switch {
	case allSum.Count >= minN && timeoutRate > o.cfg.TimeoutRateThreshold:
		apply("timeout_multiplier", &o.prefs.TimeoutMultiplier, o.step(w.timeouts), 0.5, 3,
			"timeout_rate_high")
	case allSum.Count >= minN && timeoutRate == 0 && o.prefs.TimeoutMultiplier > 1:
		decay := math.Min(o.step(1), o.prefs.TimeoutMultiplier-1)
		apply("timeout_multiplier", &o.prefs.TimeoutMultiplier, -decay, 0.5, 3,
			"timeout_free_window")
	}

	o.lastAdapt = now
	if len(changes) == 0 {
		return
	}
	o.adaptCount++
	o.recent = append(o.recent, changes...)
	if len(o.recent) > recentAdaptationCap {
		o.recent = o.recent[len(o.recent)-recentAdaptationCap:]
	}
	for _, ch := range changes {
		o.logger.Info("routing preference adapted",
			"field", ch.Field,
			"from", ch.From,
			"to", ch.To,
			"reason", ch.Reason)
	}
}

// weights per heuristic: apiSuccess, localLatency, resources, qualityGap,
// cost, timeouts.
type weights struct {
	apiSuccess   float64
	localLatency float64
	resources    float64
	qualityGap   float64
	cost         float64
	timeouts     float64
}

func (o *Optimizer) heuristicWeights(strategy Strategy, all []Metric) weights {
	switch strategy {
	case StrategyLatencyFocused:
		return weights{1, 1.5, 1, 0.5, 0.5, 1.5}
	case StrategyResourceEfficient:
		return weights{1, 0.5, 1.5, 0.5, 1, 0.5}
	case StrategyQualityFocused:
		return weights{1.5, 0.5, 0.5, 1.5, 0.5, 1}
	case StrategyCostOptimized:
		// Never raises the API preference weight; the cost heuristic and
		// API failures both push work onto the local model.
		return weights{1.5, 0.5, 1, 0, 1.5, 0.5}
	default:
		// Adaptive: scale every heuristic by how far recent requests are
		// from their latency and success targets.
		scale := 1.0
		switch met := o.targetsMetRate(all); {
		case met < 0.5:
			scale = 1.5
		case met < 0.8:
			scale = 1.25
		}
		return weights{scale, scale, scale, scale, scale, scale}
	}
}

// targetsMetRate is the fraction of recent requests that succeeded within
// the target latency. Returns 1 when no observations exist.
func (o *Optimizer) targetsMetRate(samples []Metric) float64 {
	if len(samples) == 0 {
		return 1
	}
	target := o.cfg.Constraints.TargetLatencyMS
	met := 0
	for _, m := range samples {
		if m.Success && (target <= 0 || m.LatencyMS <= target) {
			met++
		}
	}
	return float64(met) / float64(len(samples))
}

// step scales the base step by a heuristic weight, never exceeding MaxStep.
func (o *Optimizer) step(weight float64) float64 {
	s := o.cfg.BaseStep * weight
	if s > o.cfg.MaxStep {
		s = o.cfg.MaxStep
	}
	return s
}

// recordQuery and seenQuery maintain a small ring of recent query hashes
// for the caching hint. Callers must hold o.mu.
func (o *Optimizer) recordQuery(q string) {
	h := queryHash(q)
	if h == 0 {
		return
	}
	o.queries[o.queryPos] = h
	o.queryPos = (o.queryPos + 1) % queryRingSize
}

func (o *Optimizer) seenQuery(q string) bool {
	h := queryHash(q)
	if h == 0 {
		return false
	}
	for _, v := range o.queries {
		if v == h {
			return true
		}
	}
	return false
}

func queryHash(q string) uint64 {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(q))
	return h.Sum64()
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
