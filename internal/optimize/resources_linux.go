//go:build linux

package optimize

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// linuxSampler reads process memory from /proc/self/status, system CPU from
// /proc/stat deltas, and battery state from /sys/class/power_supply. GPU
// memory is left for the runtime-backed reader on the Monitor.
type linuxSampler struct {
	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

// NewSampler returns the procfs-backed sampler.
func NewSampler() Sampler {
	return &linuxSampler{}
}

func (s *linuxSampler) Sample() (Usage, error) {
	u := Usage{
		Timestamp:      time.Now(),
		BatteryPercent: -1,
		Goroutines:     runtime.NumGoroutine(),
	}

	if rss, err := readRSSMB(); err == nil {
		u.ProcessMemoryMB = rss
	}
	u.SystemCPUPercent = s.cpuPercent()
	if pct, discharging, ok := readBattery(); ok {
		u.BatteryPercent = pct
		u.OnBattery = discharging
	}
	return u, nil
}

// readRSSMB parses the VmRSS line of /proc/self/status.
func readRSSMB() (float64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, sc.Err()
}

// cpuPercent derives system-wide CPU busy percent from consecutive
// /proc/stat aggregate readings. The first call returns 0 because no delta
// exists yet.
func (s *linuxSampler) cpuPercent() float64 {
	idle, total, err := readCPUStat()
	if err != nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevIdle, prevTotal := s.prevIdle, s.prevTotal
	s.prevIdle, s.prevTotal = idle, total

	if prevTotal == 0 || total <= prevTotal {
		return 0
	}
	dTotal := float64(total - prevTotal)
	dIdle := float64(idle - prevIdle)
	pct := 100 * (1 - dIdle/dTotal)
	if pct < 0 {
		return 0
	}
	return pct
}

// readCPUStat returns (idle, total) jiffies from the aggregate cpu line.
// Idle includes iowait.
func readCPUStat() (idle, total uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	fields := strings.Fields(string(line))
	// cpu user nice system idle iowait irq softirq steal ...
	for i, f := range fields[1:] {
		v, perr := strconv.ParseUint(f, 10, 64)
		if perr != nil {
			continue
		}
		total += v
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return idle, total, nil
}

// readBattery looks for the first BAT* power supply and reports its charge
// percentage and whether it is discharging. ok is false on desktops and in
// containers without a battery.
func readBattery() (pct float64, discharging bool, ok bool) {
	entries, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return 0, false, false
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "BAT") {
			continue
		}
		base := filepath.Join("/sys/class/power_supply", e.Name())
		capData, err := os.ReadFile(filepath.Join(base, "capacity"))
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(capData)), 64)
		if err != nil {
			continue
		}
		status, _ := os.ReadFile(filepath.Join(base, "status"))
		return v, strings.TrimSpace(string(status)) == "Discharging", true
	}
	return 0, false, false
}
