package optimize

import (
	"slices"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/router"
)

// Metric is one completed request observation. Stored in a bounded ring per
// routing path; old observations are overwritten once the ring is full.
type Metric struct {
	Timestamp    time.Time   `json:"timestamp"`
	Path         router.Path `json:"path"`
	RequestID    string      `json:"request_id"`
	LatencyMS    float64     `json:"latency_ms"`
	Tokens       int         `json:"tokens"`
	MemoryMB     float64     `json:"memory_mb"`
	CPUPercent   float64     `json:"cpu_percent"`
	GPUMemoryMB  float64     `json:"gpu_mem_mb"`
	QualityScore *float64    `json:"quality_score,omitempty"`
	CostEstimate float64     `json:"cost_estimate"`
	Success      bool        `json:"success"`
	ErrorKind    fault.Kind  `json:"error_kind,omitempty"`
}

// Summary aggregates one window of metrics.
type Summary struct {
	Count         int                    `json:"count"`
	SuccessRate   float64                `json:"success_rate"`
	MeanLatencyMS float64                `json:"mean_latency_ms"`
	MinLatencyMS  float64                `json:"min_latency_ms"`
	MaxLatencyMS  float64                `json:"max_latency_ms"`
	MeanQuality   float64                `json:"mean_quality"`
	MeanCost      float64                `json:"mean_cost"`
	ErrorRates    map[fault.Kind]float64 `json:"error_rates,omitempty"`
}

// metricRing keeps the last [size] observations. Insertion is O(1); the
// oldest entry is overwritten once the buffer is full. All methods are safe
// for concurrent use.
type metricRing struct {
	mu      sync.Mutex
	samples []Metric
	pos     int // next write position
	count   int // total samples written (may exceed len(samples))
	size    int
}

func newMetricRing(size int) *metricRing {
	if size <= 0 {
		size = 100
	}
	return &metricRing{
		samples: make([]Metric, size),
		size:    size,
	}
}

func (r *metricRing) record(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.pos] = m
	r.pos = (r.pos + 1) % r.size
	r.count++
}

// snapshot returns the window contents ordered oldest to newest.
func (r *metricRing) snapshot() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	if n >= r.size {
		// Full ring: oldest element is at pos.
		cp := make([]Metric, r.size)
		for i := 0; i < r.size; i++ {
			cp[i] = r.samples[(r.pos+i)%r.size]
		}
		return cp
	}
	cp := make([]Metric, n)
	copy(cp, r.samples[:n])
	return cp
}

// Collector maintains one bounded metric ring per routing path. It also
// serves the router's latency estimates from observed medians.
//
// The zero Collector is not usable; construct with [NewCollector].
type Collector struct {
	size int

	mu    sync.RWMutex
	rings map[router.Path]*metricRing
}

// NewCollector creates a collector whose per-path windows hold size entries.
// A size of 0 or negative defaults to 100.
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = 100
	}
	return &Collector{
		size:  size,
		rings: make(map[router.Path]*metricRing),
	}
}

// Record appends one observation to its path's window.
func (c *Collector) Record(m Metric) {
	c.ring(m.Path).record(m)
}

func (c *Collector) ring(path router.Path) *metricRing {
	c.mu.RLock()
	r, ok := c.rings[path]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rings[path]; ok {
		return r
	}
	r = newMetricRing(c.size)
	c.rings[path] = r
	return r
}

// Snapshot returns the current window for path, oldest first. An empty path
// returns the union of all windows.
func (c *Collector) Snapshot(path router.Path) []Metric {
	if path != "" {
		return c.ring(path).snapshot()
	}

	c.mu.RLock()
	rings := make([]*metricRing, 0, len(c.rings))
	for _, r := range c.rings {
		rings = append(rings, r)
	}
	c.mu.RUnlock()

	var all []Metric
	for _, r := range rings {
		all = append(all, r.snapshot()...)
	}
	return all
}

// Summary aggregates the window for path. An empty path aggregates across
// all paths.
func (c *Collector) Summary(path router.Path) Summary {
	return summarize(c.Snapshot(path))
}

// MedianLatencyMS reports the median latency of successful requests on path.
// ok is false until at least three successful observations exist, letting
// callers fall back to configured priors.
func (c *Collector) MedianLatencyMS(path router.Path) (float64, bool) {
	var latencies []float64
	for _, m := range c.Snapshot(path) {
		if m.Success {
			latencies = append(latencies, m.LatencyMS)
		}
	}
	if len(latencies) < 3 {
		return 0, false
	}
	slices.Sort(latencies)
	return latencies[len(latencies)/2], true
}

var _ router.Estimator = (*Collector)(nil)

func summarize(samples []Metric) Summary {
	s := Summary{Count: len(samples)}
	if len(samples) == 0 {
		return s
	}

	var (
		successes    int
		latencySum   float64
		qualitySum   float64
		qualityCount int
		costSum      float64
		errCounts    map[fault.Kind]int
	)
	s.MinLatencyMS = samples[0].LatencyMS
	s.MaxLatencyMS = samples[0].LatencyMS

	for _, m := range samples {
		if m.Success {
			successes++
		} else if m.ErrorKind != "" {
			if errCounts == nil {
				errCounts = make(map[fault.Kind]int)
			}
			errCounts[m.ErrorKind]++
		}
		latencySum += m.LatencyMS
		if m.LatencyMS < s.MinLatencyMS {
			s.MinLatencyMS = m.LatencyMS
		}
		if m.LatencyMS > s.MaxLatencyMS {
			s.MaxLatencyMS = m.LatencyMS
		}
		if m.QualityScore != nil {
			qualitySum += *m.QualityScore
			qualityCount++
		}
		costSum += m.CostEstimate
	}

	n := float64(len(samples))
	s.SuccessRate = float64(successes) / n
	s.MeanLatencyMS = latencySum / n
	s.MeanCost = costSum / n
	if qualityCount > 0 {
		s.MeanQuality = qualitySum / float64(qualityCount)
	}
	if len(errCounts) > 0 {
		s.ErrorRates = make(map[fault.Kind]float64, len(errCounts))
		for kind, count := range errCounts {
			s.ErrorRates[kind] = float64(count) / n
		}
	}
	return s
}
