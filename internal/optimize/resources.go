package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Usage is one point-in-time reading of process and system resources.
type Usage struct {
	Timestamp        time.Time `json:"timestamp"`
	ProcessMemoryMB  float64   `json:"process_memory_mb"`
	SystemCPUPercent float64   `json:"system_cpu_percent"`
	GPUMemoryMB      float64   `json:"gpu_memory_mb"`
	// BatteryPercent is -1 when the host has no readable battery.
	BatteryPercent float64 `json:"battery_percent"`
	OnBattery      bool    `json:"on_battery"`
	Goroutines     int     `json:"goroutines"`
}

// Constraints bound resource consumption. A zero field means unconstrained.
// Latency, cost, and concurrency limits are enforced by the optimizer and
// the track semaphores rather than by the sampler.
type Constraints struct {
	MaxMemoryMB             float64 `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxCPUPercent           float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxGPUMemoryMB          float64 `yaml:"max_gpu_memory_mb" json:"max_gpu_memory_mb"`
	MaxConcurrentRequests   int     `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	TargetLatencyMS         float64 `yaml:"target_latency_ms" json:"target_latency_ms"`
	MaxCostPerRequest       float64 `yaml:"max_cost_per_request" json:"max_cost_per_request"`
	BatteryThresholdPercent float64 `yaml:"battery_threshold_percent" json:"battery_threshold_percent"`
}

// Violation reports one constraint the current usage exceeds.
type Violation struct {
	Constraint string  `json:"constraint"`
	Current    float64 `json:"current"`
	Limit      float64 `json:"limit"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %.1f over limit %.1f", v.Constraint, v.Current, v.Limit)
}

// Sampler reads resource usage for one point in time. Implementations may
// keep state between calls (CPU percentages need deltas) and must be safe
// for concurrent use.
type Sampler interface {
	Sample() (Usage, error)
}

// GPUReader reports current GPU memory use in MB. Wired from the local
// model runtime's stats endpoint; ok is false when the reading is
// unavailable.
type GPUReader func(ctx context.Context) (mb float64, ok bool)

// Monitor samples resource usage on a fixed interval and serves the latest
// reading. Start launches the sampling goroutine; Stop halts it. Both are
// idempotent.
type Monitor struct {
	sampler   Sampler
	gpuReader GPUReader
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	current Usage

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithSampleInterval sets how often usage is sampled. The default is 5
// seconds.
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithGPUReader supplies GPU memory readings, typically from the local
// model runtime.
func WithGPUReader(r GPUReader) MonitorOption {
	return func(m *Monitor) {
		m.gpuReader = r
	}
}

// WithMonitorLogger sets the logger. Defaults to slog.Default().
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor creates a monitor around sampler. A nil sampler selects the
// platform sampler from [NewSampler].
func NewMonitor(sampler Sampler, opts ...MonitorOption) *Monitor {
	if sampler == nil {
		sampler = NewSampler()
	}
	m := &Monitor{
		sampler:  sampler,
		interval: 5 * time.Second,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start takes an initial sample synchronously and then samples on the
// configured interval until Stop is called.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.sample()
		go m.loop()
	})
}

// Stop halts the sampling goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// Current returns the most recent usage reading. Zero until the first
// sample completes.
func (m *Monitor) Current() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CheckConstraints compares the latest reading against c and returns every
// exceeded limit. An empty slice means the budget is respected.
func (m *Monitor) CheckConstraints(c Constraints) []Violation {
	u := m.Current()

	var violations []Violation
	if c.MaxMemoryMB > 0 && u.ProcessMemoryMB > c.MaxMemoryMB {
		violations = append(violations, Violation{"max_memory_mb", u.ProcessMemoryMB, c.MaxMemoryMB})
	}
	if c.MaxCPUPercent > 0 && u.SystemCPUPercent > c.MaxCPUPercent {
		violations = append(violations, Violation{"max_cpu_percent", u.SystemCPUPercent, c.MaxCPUPercent})
	}
	if c.MaxGPUMemoryMB > 0 && u.GPUMemoryMB > c.MaxGPUMemoryMB {
		violations = append(violations, Violation{"max_gpu_memory_mb", u.GPUMemoryMB, c.MaxGPUMemoryMB})
	}
	if c.BatteryThresholdPercent > 0 && u.OnBattery && u.BatteryPercent >= 0 && u.BatteryPercent < c.BatteryThresholdPercent {
		violations = append(violations, Violation{"battery_threshold_percent", u.BatteryPercent, c.BatteryThresholdPercent})
	}
	return violations
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	u, err := m.sampler.Sample()
	if err != nil {
		m.logger.Warn("resource sample failed", "err", err)
		return
	}
	if m.gpuReader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if mb, ok := m.gpuReader(ctx); ok {
			u.GPUMemoryMB = mb
		}
		cancel()
	}

	m.mu.Lock()
	m.current = u
	m.mu.Unlock()
}
