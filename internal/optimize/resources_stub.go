//go:build !linux

package optimize

import (
	"runtime"
	"time"
)

// basicSampler reports what the Go runtime alone can see: heap-backed
// memory and goroutine count. CPU and battery readings are unavailable, so
// those constraint checks never fire on this platform.
type basicSampler struct{}

// NewSampler returns the portable fallback sampler.
func NewSampler() Sampler {
	return basicSampler{}
}

func (basicSampler) Sample() (Usage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Usage{
		Timestamp:       time.Now(),
		ProcessMemoryMB: float64(ms.Sys) / (1 << 20),
		BatteryPercent:  -1,
		Goroutines:      runtime.NumGoroutine(),
	}, nil
}
