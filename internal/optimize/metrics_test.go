package optimize

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/router"
)

func metric(path router.Path, latency float64, success bool) Metric {
	return Metric{
		Timestamp: time.Now(),
		Path:      path,
		LatencyMS: latency,
		Success:   success,
	}
}

// TestMetricRing_Wraps verifies that the ring keeps only the newest entries
// and reports them oldest first.
func TestMetricRing_Wraps(t *testing.T) {
	r := newMetricRing(3)
	for i := 1; i <= 5; i++ {
		m := metric(router.PathLocal, float64(i), true)
		m.RequestID = fmt.Sprintf("r%d", i)
		r.record(m)
	}

	got := r.snapshot()
	if len(got) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(got))
	}
	for i, want := range []string{"r3", "r4", "r5"} {
		if got[i].RequestID != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, got[i].RequestID, want)
		}
	}
}

// TestMetricRing_PartialFill verifies snapshots before the ring wraps.
func TestMetricRing_PartialFill(t *testing.T) {
	r := newMetricRing(10)
	r.record(metric(router.PathLocal, 1, true))
	r.record(metric(router.PathLocal, 2, true))

	got := r.snapshot()
	if len(got) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(got))
	}
	if got[0].LatencyMS != 1 || got[1].LatencyMS != 2 {
		t.Errorf("snapshot order wrong: %v, %v", got[0].LatencyMS, got[1].LatencyMS)
	}
}

// TestSummarize verifies the aggregate fields over a mixed window.
func TestSummarize(t *testing.T) {
	q1, q2 := 0.8, 0.6
	samples := []Metric{
		{LatencyMS: 100, Success: true, QualityScore: &q1, CostEstimate: 0.002},
		{LatencyMS: 300, Success: true, QualityScore: &q2, CostEstimate: 0.004},
		{LatencyMS: 500, Success: false, ErrorKind: fault.NetworkTimeout},
		{LatencyMS: 700, Success: false, ErrorKind: fault.NetworkTimeout},
	}

	s := summarize(samples)
	if s.Count != 4 {
		t.Errorf("Count = %d, want 4", s.Count)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", s.SuccessRate)
	}
	if s.MeanLatencyMS != 400 {
		t.Errorf("MeanLatencyMS = %v, want 400", s.MeanLatencyMS)
	}
	if s.MinLatencyMS != 100 || s.MaxLatencyMS != 700 {
		t.Errorf("latency bounds = [%v, %v], want [100, 700]", s.MinLatencyMS, s.MaxLatencyMS)
	}
	if math.Abs(s.MeanQuality-0.7) > 1e-9 {
		t.Errorf("MeanQuality = %v, want 0.7", s.MeanQuality)
	}
	if math.Abs(s.MeanCost-0.0015) > 1e-9 {
		t.Errorf("MeanCost = %v, want 0.0015", s.MeanCost)
	}
	if s.ErrorRates[fault.NetworkTimeout] != 0.5 {
		t.Errorf("ErrorRates[network_timeout] = %v, want 0.5", s.ErrorRates[fault.NetworkTimeout])
	}
}

// TestSummarize_Empty verifies the zero summary for an empty window.
func TestSummarize_Empty(t *testing.T) {
	s := summarize(nil)
	if s.Count != 0 || s.SuccessRate != 0 || s.MeanLatencyMS != 0 {
		t.Errorf("empty summary not zero: %+v", s)
	}
}

// TestCollector_PerPathWindows verifies that paths get separate rings and
// the empty path unions them.
func TestCollector_PerPathWindows(t *testing.T) {
	c := NewCollector(10)
	c.Record(metric(router.PathLocal, 100, true))
	c.Record(metric(router.PathLocal, 200, true))
	c.Record(metric(router.PathAPI, 900, false))

	if got := c.Summary(router.PathLocal).Count; got != 2 {
		t.Errorf("local count = %d, want 2", got)
	}
	if got := c.Summary(router.PathAPI).Count; got != 1 {
		t.Errorf("api count = %d, want 1", got)
	}
	if got := c.Summary("").Count; got != 3 {
		t.Errorf("combined count = %d, want 3", got)
	}
}

// TestCollector_MedianLatency verifies the estimator contract: no estimate
// until three successes, then the median over successful samples only.
func TestCollector_MedianLatency(t *testing.T) {
	c := NewCollector(10)

	if _, ok := c.MedianLatencyMS(router.PathLocal); ok {
		t.Error("median available with no samples")
	}

	c.Record(metric(router.PathLocal, 100, true))
	c.Record(metric(router.PathLocal, 9000, false))
	c.Record(metric(router.PathLocal, 300, true))
	if _, ok := c.MedianLatencyMS(router.PathLocal); ok {
		t.Error("median available with two successes")
	}

	c.Record(metric(router.PathLocal, 200, true))
	ms, ok := c.MedianLatencyMS(router.PathLocal)
	if !ok {
		t.Fatal("median unavailable with three successes")
	}
	if ms != 200 {
		t.Errorf("median = %v, want 200 (failures excluded)", ms)
	}

	var _ router.Estimator = c
}
