package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/checkpoint"
	"github.com/antiphon-ai/antiphon/internal/config"
	"github.com/antiphon-ai/antiphon/internal/flow"
	"github.com/antiphon-ai/antiphon/internal/graph"
	"github.com/antiphon-ai/antiphon/internal/state"
)

// echoEngine builds a one-node graph that turns the transcript into a
// user message and a canned assistant reply.
func echoEngine(t *testing.T, save graph.SaveFunc) *graph.Engine {
	t.Helper()
	opts := []graph.Option{graph.WithLogger(slog.Default())}
	if save != nil {
		opts = append(opts, graph.WithSave(save))
	}
	b := graph.New(opts...)
	b.AddNode("echo", func(_ context.Context, s state.State) (state.Delta, error) {
		query, _ := s.Audio[flow.KeyTranscript].(string)
		return state.Delta{
			Messages: []state.Message{
				{Type: state.RoleUser, Content: query},
				{Type: state.RoleAssistant, Content: "echo: " + query},
			},
			Audio: map[string]any{flow.KeyTranscript: nil},
		}, nil
	})
	b.SetEntry("echo")
	b.AddEdge("echo", graph.End)
	e, err := b.Compile()
	if err != nil {
		t.Fatalf("compile echo graph: %v", err)
	}
	return e
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Activation.Mode = state.ModeContinuous
	cfg.Persistence.StateDir = t.TempDir()
	return &cfg
}

func TestConversationCarriesStateAcrossTurns(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	store := checkpoint.NewMemStore()
	conv := newConversation(store, cfg, slog.Default())
	conv.engine = echoEngine(t, conv.saveFunc())

	ctx := context.Background()
	for i, query := range []string{"first question", "second question"} {
		out, err := conv.RunTurn(ctx, map[string]any{flow.KeyTranscript: query})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		want := 2 * (i + 1)
		if len(out.Messages) != want {
			t.Fatalf("turn %d: got %d messages, want %d", i, len(out.Messages), want)
		}
	}
	if got := conv.Turn(); got != 2 {
		t.Errorf("next turn index = %d, want 2", got)
	}

	turns, err := store.List(ctx, defaultConversationID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("checkpointed turns = %v, want two entries", turns)
	}
}

func TestConversationClearsPerTurnScratch(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	conv := newConversation(checkpoint.NewMemStore(), cfg, slog.Default())
	conv.engine = echoEngine(t, nil)

	if _, err := conv.RunTurn(context.Background(), map[string]any{flow.KeyTranscript: "hello"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if _, ok := conv.state.Audio[flow.KeyTranscript]; ok {
		t.Error("audio scratch leaked into the carried state")
	}
	if len(conv.state.Messages) != 2 {
		t.Errorf("carried %d messages, want 2", len(conv.state.Messages))
	}
}

func TestConversationRestore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	store := checkpoint.NewMemStore()
	ctx := context.Background()

	prior := state.New(state.ModeContinuous)
	prior.Messages = []state.Message{
		{Type: state.RoleUser, Content: "what is the capital of France"},
		{Type: state.RoleAssistant, Content: "Paris."},
	}
	prior.Memory = map[string]any{"conversation_history": []any{"entry"}}
	b, err := state.Marshal(prior)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := store.Put(ctx, defaultConversationID, "thread-1", 6, b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	conv := newConversation(store, cfg, slog.Default())
	if err := conv.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got := conv.Turn(); got != 7 {
		t.Errorf("next turn index = %d, want 7", got)
	}
	msg, ok := conv.state.LastMessage(state.RoleAssistant)
	if !ok || msg.Content != "Paris." {
		t.Errorf("restored assistant message = %q, %v", msg.Content, ok)
	}
	if _, ok := conv.state.Memory["conversation_history"]; !ok {
		t.Error("restored state lost memory")
	}
}

func TestConversationRestoreEmptyStore(t *testing.T) {
	t.Parallel()

	conv := newConversation(checkpoint.NewMemStore(), testConfig(t), slog.Default())
	if err := conv.Restore(context.Background()); err != nil {
		t.Fatalf("Restore on empty store: %v", err)
	}
	if got := conv.Turn(); got != 0 {
		t.Errorf("turn index = %d, want 0", got)
	}
}

func TestConversationRestoreCorruptCheckpoint(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemStore()
	ctx := context.Background()
	if err := store.Put(ctx, defaultConversationID, "t", 0, []byte(`{"messages": 42}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	conv := newConversation(store, testConfig(t), slog.Default())
	err := conv.Restore(ctx)
	if err == nil {
		t.Fatal("Restore accepted a corrupt checkpoint")
	}
	if !strings.Contains(err.Error(), "decode checkpoint") {
		t.Errorf("error = %v, want decode context", err)
	}
}

func TestTurnConfigFrom(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Voice.TTSEnabled = true
	cfg.Memory.Enabled = true
	cfg.Memory.SummarizationThreshold = 12
	cfg.Memory.KeepRecent = 3
	cfg.Integration.Strategy = "fastest"
	cfg.Local.TimeoutMS = 2500
	cfg.Local.MinAcceptableTokens = 40
	cfg.Remote.TimeoutMS = 9000

	tc := turnConfigFrom(&cfg)
	if !tc.TTSEnabled || !tc.MemoryEnabled || !tc.LatencyPriority {
		t.Errorf("flags = %+v, want tts/memory/latency all set", tc)
	}
	if tc.SummarizeThreshold != 12 || tc.KeepRecent != 3 {
		t.Errorf("summarize settings = %d/%d, want 12/3", tc.SummarizeThreshold, tc.KeepRecent)
	}
	if tc.LocalTimeoutMS != 2500 || tc.APITimeoutMS != 9000 {
		t.Errorf("timeouts = %d/%d, want 2500/9000", tc.LocalTimeoutMS, tc.APITimeoutMS)
	}
	if tc.MinAcceptableTokens != 40 {
		t.Errorf("MinAcceptableTokens = %d, want 40", tc.MinAcceptableTokens)
	}

	cfg.Integration.Strategy = "best"
	if turnConfigFrom(&cfg).LatencyPriority {
		t.Error("LatencyPriority set for non-fastest strategy")
	}
}
