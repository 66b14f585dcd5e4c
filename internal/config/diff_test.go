package config_test

import (
	"slices"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()

	d := config.Diff(&a, &b)
	if !d.Empty() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Logging.Level = config.LogDebug

	d := config.Diff(&a, &b)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("a log level change is hot-applicable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_Router(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Router.ThresholdSimple = 4

	d := config.Diff(&a, &b)
	if !d.RouterChanged {
		t.Fatal("RouterChanged should be true")
	}
	if d.NewRouter.ThresholdSimple != 4 {
		t.Errorf("NewRouter.ThresholdSimple = %d, want 4", d.NewRouter.ThresholdSimple)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("router tuning is hot-applicable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_Integration(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Integration.Strategy = "fastest"

	d := config.Diff(&a, &b)
	if !d.IntegrationChanged {
		t.Fatal("IntegrationChanged should be true")
	}
	if d.NewIntegration.Strategy != "fastest" {
		t.Errorf("NewIntegration.Strategy = %q, want fastest", d.NewIntegration.Strategy)
	}
}

func TestDiff_Optimizer(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Optimizer.Strategy = "cost_optimized"
	b.Optimizer.Constraints.MaxMemoryMB = 2048

	d := config.Diff(&a, &b)
	if !d.OptimizerChanged {
		t.Fatal("OptimizerChanged should be true")
	}
	if d.NewOptimizer.Constraints.MaxMemoryMB != 2048 {
		t.Errorf("NewOptimizer.Constraints.MaxMemoryMB = %v, want 2048", d.NewOptimizer.Constraints.MaxMemoryMB)
	}
}

func TestDiff_RestartRequired_Local(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Local.StopSequences = []string{"User:"}

	d := config.Diff(&a, &b)
	if !slices.Contains(d.RestartRequired, "local") {
		t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, "local")
	}
	if d.RouterChanged || d.LogLevelChanged {
		t.Error("a local track change should not flag hot-applicable sections")
	}
}

func TestDiff_RestartRequired_ProviderOptions(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Providers.STT.Options = map[string]any{"beam_size": 5}

	d := config.Diff(&a, &b)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, "providers")
	}
}

func TestDiff_RestartRequired_Multiple(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Logging.Format = config.LogFormatJSON
	b.Activation.TimeoutS = 60
	b.Remote.Model = "gpt-4o"
	b.Observability.AdminAddr = ""

	d := config.Diff(&a, &b)
	for _, want := range []string{"logging.format", "activation", "remote", "observability"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, want)
		}
	}
	if d.Empty() {
		t.Error("diff with restart-required sections should not be empty")
	}
}

func TestDiff_MixedHotAndRestart(t *testing.T) {
	t.Parallel()
	a := config.Default()
	b := config.Default()
	b.Router.ThresholdVeryLong = 40
	b.Voice.VoiceID = "alloy"

	d := config.Diff(&a, &b)
	if !d.RouterChanged {
		t.Error("RouterChanged should be true")
	}
	if !slices.Contains(d.RestartRequired, "voice") {
		t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, "voice")
	}
}
