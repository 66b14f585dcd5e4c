package router_test

import (
	"reflect"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/router"
)

func defaultConditions() router.Conditions {
	return router.Conditions{
		ParallelAllowed: true,
		Preferences:     router.DefaultPreferences(),
	}
}

func TestRoutingSanity(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())
	cases := []struct {
		name    string
		query   string
		want    router.Path
		minConf float64
	}{
		{"greeting", "Hi", router.PathLocal, 0.7},
		{"essay", "Write a 500-word essay on renewable energy", router.PathAPI, 0.5},
		{"arithmetic", "What is 2+2?", router.PathLocal, 0.5},
		{
			"analysis",
			"Analyze the geopolitical implications of the new trade agreements between the European Union and the Mercosur bloc, considering their effects on agricultural markets, regulatory alignment, and long-term diplomatic relations",
			router.PathAPI,
			0.5,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := r.DeterminePath(tc.query, defaultConditions())
			if d.Path != tc.want {
				t.Errorf("path = %q (%s), want %q", d.Path, d.Reasoning, tc.want)
			}
			if d.Confidence < tc.minConf || d.Confidence > 0.99 {
				t.Errorf("confidence = %.2f, want within [%.2f, 0.99]", d.Confidence, tc.minConf)
			}
		})
	}
}

func TestOffOrEmptyFallsBackLocal(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())

	cond := defaultConditions()
	cond.Off = true
	d := r.DeterminePath("Explain quantum entanglement in detail", cond)
	if d.Path != router.PathLocal || d.Confidence != 0.5 {
		t.Errorf("off mode: got %q conf %.2f, want local 0.50", d.Path, d.Confidence)
	}

	d = r.DeterminePath("   ", defaultConditions())
	if d.Path != router.PathLocal || d.Confidence != 0.5 {
		t.Errorf("empty query: got %q conf %.2f, want local 0.50", d.Path, d.Confidence)
	}
}

func TestTimeSensitiveStaysLocal(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())
	d := r.DeterminePath("Give me a quick rundown of the schedule for today plus any urgent emails right now", defaultConditions())
	if d.Path != router.PathLocal {
		t.Errorf("path = %q (%s), want local", d.Path, d.Reasoning)
	}
	if d.Features["time_sensitivity"] <= 0.5 {
		t.Errorf("time_sensitivity = %.2f, want > 0.5", d.Features["time_sensitivity"])
	}
}

func TestComplexQueryGoesParallel(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())
	query := "Analyze and compare the architecture tradeoffs between microservices and monoliths, and explain the implications for a ten person startup"

	d := r.DeterminePath(query, defaultConditions())
	if d.Path != router.PathParallel {
		t.Errorf("path = %q (%s), want parallel", d.Path, d.Reasoning)
	}

	// The same query must not go parallel when the resource budget says no.
	cond := defaultConditions()
	cond.ParallelAllowed = false
	d = r.DeterminePath(query, cond)
	if d.Path == router.PathParallel {
		t.Error("parallel chosen despite exhausted resource budget")
	}
}

func TestMixedSignalsGoStaged(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())
	d := r.DeterminePath("Tell me about the history of jazz music in America", defaultConditions())
	if d.Path != router.PathStaged {
		t.Errorf("path = %q (%s), want staged", d.Path, d.Reasoning)
	}
}

func TestDeterministic(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())
	query := "Compare the implications of these two policies, briefly"
	first := r.DeterminePath(query, defaultConditions())
	for range 50 {
		if got := r.DeterminePath(query, defaultConditions()); !reflect.DeepEqual(got, first) {
			t.Fatalf("decision changed between runs:\nfirst: %+v\nlater: %+v", first, got)
		}
	}
}

type fixedEstimator struct {
	localMS float64
}

func (f fixedEstimator) MedianLatencyMS(p router.Path) (float64, bool) {
	if p == router.PathLocal {
		return f.localMS, true
	}
	return 0, false
}

func TestLatencyEstimates(t *testing.T) {
	t.Parallel()

	cfg := router.DefaultConfig()
	r := router.New(cfg, router.WithEstimator(fixedEstimator{localMS: 250}))
	d := r.DeterminePath("Hi", defaultConditions())
	if d.EstimatedLocalMS != 250 {
		t.Errorf("estimated_local_ms = %.0f, want observed median 250", d.EstimatedLocalMS)
	}
	if d.EstimatedAPIMS != cfg.APILatencyPriorMS {
		t.Errorf("estimated_api_ms = %.0f, want prior %.0f", d.EstimatedAPIMS, cfg.APILatencyPriorMS)
	}
}

type panickyEstimator struct{}

func (panickyEstimator) MedianLatencyMS(router.Path) (float64, bool) {
	panic("estimator gone wrong")
}

func TestReconfigureChangesThresholds(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig())
	// 13 mundane words: below the default very-long cut-off of 24.
	query := "Can you give me a short summary of the meeting notes from yesterday"

	before := r.DeterminePath(query, defaultConditions())
	if before.Path == router.PathAPI {
		t.Fatalf("path = %s before reconfigure, want a non-api route", before.Path)
	}

	r.Reconfigure(router.Config{ThresholdVeryLong: 10})
	after := r.DeterminePath(query, defaultConditions())
	if after.Path != router.PathAPI {
		t.Errorf("path = %s after lowering threshold_very_long, want api", after.Path)
	}

	// Zero fields fall back to the defaults, restoring the original route.
	r.Reconfigure(router.Config{})
	restored := r.DeterminePath(query, defaultConditions())
	if restored.Path != before.Path {
		t.Errorf("path = %s after reset, want %s", restored.Path, before.Path)
	}
}

func TestNeverPanics(t *testing.T) {
	t.Parallel()

	r := router.New(router.DefaultConfig(), router.WithEstimator(panickyEstimator{}))
	d := r.DeterminePath("Hello there", defaultConditions())
	if d.Path != router.PathLocal || d.Reasoning != "router_fallback" {
		t.Errorf("got %q/%q, want local/router_fallback", d.Path, d.Reasoning)
	}
	if d.Confidence != 0.5 {
		t.Errorf("confidence = %.2f, want 0.5", d.Confidence)
	}
}
