package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/checkpoint"
	"github.com/antiphon-ai/antiphon/internal/config"
	"github.com/antiphon-ai/antiphon/internal/flow"
	"github.com/antiphon-ai/antiphon/internal/optimize"
	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	llmmock "github.com/antiphon-ai/antiphon/pkg/provider/llm/mock"
)

func remoteOnlyConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Activation.Mode = state.ModeContinuous
	cfg.Persistence.StateDir = t.TempDir()
	cfg.Persistence.ModelRegistry = ""
	cfg.Memory.Enabled = false
	cfg.Observability.AdminAddr = ""
	return &cfg
}

func TestNewRequiresATrack(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), remoteOnlyConfig(t), Providers{})
	if err == nil {
		t.Fatal("New accepted a config with no local model and no remote provider")
	}
	if !strings.Contains(err.Error(), "neither") {
		t.Errorf("error = %v", err)
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil, Providers{Remote: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("New accepted a nil config")
	}
}

func TestAppRunsTurnsHeadless(t *testing.T) {
	t.Parallel()

	remote := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "The capital of France is Paris, of course.",
			Usage:   llm.Usage{CompletionTokens: 9},
		},
	}
	a, err := New(context.Background(), remoteOnlyConfig(t), Providers{Remote: remote},
		WithLogger(slog.Default()),
		WithCheckpointStore(checkpoint.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	out, err := a.Conversation().RunTurn(context.Background(),
		map[string]any{flow.KeyTranscript: "What is the capital of France?"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	msg, ok := out.LastMessage(state.RoleAssistant)
	if !ok {
		t.Fatal("turn produced no assistant message")
	}
	if !strings.Contains(msg.Content, "Paris") {
		t.Errorf("assistant said %q", msg.Content)
	}
	if len(remote.CompleteCalls) == 0 {
		t.Error("remote provider was never called")
	}
}

func TestAppResumesFromCheckpoints(t *testing.T) {
	t.Parallel()

	cfg := remoteOnlyConfig(t)
	store := checkpoint.NewMemStore()
	remote := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Noted."},
	}

	first, err := New(context.Background(), cfg, Providers{Remote: remote},
		WithCheckpointStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := first.Conversation().RunTurn(context.Background(),
		map[string]any{flow.KeyTranscript: "Remember that my dog is called Rex"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	second, err := New(context.Background(), cfg, Providers{Remote: remote},
		WithCheckpointStore(store))
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	defer second.Shutdown(context.Background())

	conv := second.Conversation()
	if conv.Turn() != 1 {
		t.Errorf("restarted turn index = %d, want 1", conv.Turn())
	}
	msg, ok := conv.state.LastMessage(state.RoleUser)
	if !ok || !strings.Contains(msg.Content, "Rex") {
		t.Errorf("restored user message = %q, %v", msg.Content, ok)
	}
}

func TestApplyConfigRetunesPipeline(t *testing.T) {
	t.Parallel()

	remote := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	a, err := New(context.Background(), remoteOnlyConfig(t), Providers{Remote: remote},
		WithCheckpointStore(checkpoint.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	next := remoteOnlyConfig(t)
	next.Optimizer.Strategy = "cost_optimized"
	next.Router.ThresholdVeryLong = 10
	next.Integration.APIPreferenceWeight = 0.2
	next.Integration.LocalPreferenceWeight = 0.8
	a.ApplyConfig(next)

	if got := a.optimizer.Status().Strategy; got != optimize.StrategyCostOptimized {
		t.Errorf("optimizer strategy = %s, want cost_optimized", got)
	}
	d := a.router.DeterminePath(
		"Can you give me a short summary of the meeting notes from yesterday",
		router.Conditions{ParallelAllowed: true})
	if d.Path != router.PathAPI {
		t.Errorf("path = %s with threshold_very_long 10, want api", d.Path)
	}

	// Nil reloads are ignored.
	a.ApplyConfig(nil)
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), remoteOnlyConfig(t),
		Providers{Remote: &llmmock.Provider{}},
		WithCheckpointStore(checkpoint.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestStatuszReportsOptimizerPosture(t *testing.T) {
	t.Parallel()

	cfg := remoteOnlyConfig(t)
	cfg.Observability.AdminAddr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg,
		Providers{Remote: &llmmock.Provider{}},
		WithCheckpointStore(checkpoint.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.statusz(rec, httptest.NewRequest("GET", "/statusz", nil))

	var body struct {
		Turn      int             `json:"turn"`
		Optimizer json.RawMessage `json:"optimizer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode statusz body: %v", err)
	}
	if body.Turn != 0 {
		t.Errorf("turn = %d, want 0", body.Turn)
	}
	if !strings.Contains(string(body.Optimizer), "routing_preferences") {
		t.Errorf("optimizer status missing routing preferences: %s", body.Optimizer)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	cfg := remoteOnlyConfig(t)
	a, err := New(context.Background(), cfg,
		Providers{Remote: &llmmock.Provider{}},
		WithCheckpointStore(checkpoint.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.health.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.health.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Errorf("readyz = %d, want 200: %s", rec.Code, rec.Body)
	}
}
