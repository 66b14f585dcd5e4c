package flow_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/flow"
	"github.com/antiphon-ai/antiphon/internal/graph"
	"github.com/antiphon-ai/antiphon/internal/integrate"
	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	"github.com/antiphon-ai/antiphon/pkg/provider/wakeword"

	checkpointmem "github.com/antiphon-ai/antiphon/internal/checkpoint"
	memorymock "github.com/antiphon-ai/antiphon/pkg/memory/mock"
	sttmock "github.com/antiphon-ai/antiphon/pkg/provider/stt/mock"
	ttsmock "github.com/antiphon-ai/antiphon/pkg/provider/tts/mock"
)

// Queries with known routing outcomes, mirrored from the router tests.
const (
	queryLocal    = "Hi"
	queryStaged   = "Tell me about the history of jazz music in America"
	queryParallel = "Analyze and compare the architecture tradeoffs between microservices and monoliths, and explain the implications for a ten person startup"
)

// okTrack returns success with the given content and counts invocations.
func okTrack(src track.Source, content string, calls *atomic.Int32) flow.TrackFunc {
	return func(ctx context.Context, messages []llm.Message, p track.Params) track.Response {
		if calls != nil {
			calls.Add(1)
		}
		return track.Response{
			Content:      content,
			Success:      true,
			TokensUsed:   len(strings.Fields(content)),
			LatencyMS:    5,
			FinishReason: "stop",
			Source:       src,
		}
	}
}

// failTrack returns a generation failure and counts invocations.
func failTrack(src track.Source, calls *atomic.Int32) flow.TrackFunc {
	return func(ctx context.Context, messages []llm.Message, p track.Params) track.Response {
		if calls != nil {
			calls.Add(1)
		}
		return track.Response{
			Success:      false,
			FinishReason: "error",
			Source:       src,
		}
	}
}

func buildPipeline(t *testing.T, deps flow.Deps, cfg flow.Config) *graph.Engine {
	t.Helper()
	if deps.Router == nil {
		deps.Router = router.New(router.DefaultConfig())
	}
	if deps.Integrator == nil {
		deps.Integrator = integrate.New(integrate.Config{})
	}
	p, err := flow.New(deps, cfg)
	if err != nil {
		t.Fatalf("flow.New: %v", err)
	}
	e, err := p.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return e
}

// turnState seeds a continuous-mode state carrying a pre-transcribed query.
func turnState(query string) state.State {
	s := state.New(state.ModeContinuous)
	s.Audio[flow.KeyTranscript] = query
	s.Config = state.TurnConfig{MemoryEnabled: true, SummarizeThreshold: 20}
	return s
}

func assistantContent(t *testing.T, s state.State) string {
	t.Helper()
	msg, ok := s.LastMessage(state.RoleAssistant)
	if !ok {
		t.Fatalf("no assistant message; messages: %+v", s.Messages)
	}
	return msg.Content
}

func integration(t *testing.T, s state.State) map[string]any {
	t.Helper()
	m, ok := s.Processing["integration"].(map[string]any)
	if !ok {
		t.Fatalf("processing.integration missing; processing: %+v", s.Processing)
	}
	return m
}

func TestLocalTurn(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "Hello! How can I help?", nil),
		API:   okTrack(track.SourceAPI, "remote answer", &apiCalls),
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryLocal))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := assistantContent(t, out); got != "Hello! How can I help?" {
		t.Errorf("assistant content = %q", got)
	}
	if src := out.ProcessingString("response_source"); src != "local" {
		t.Errorf("response_source = %q, want local", src)
	}
	if n := apiCalls.Load(); n != 0 {
		t.Errorf("api track ran %d times on a local-path turn", n)
	}
	if out.Activation.Status != state.StatusInactive {
		t.Errorf("final status = %q, want inactive", out.Activation.Status)
	}
	if _, ok := out.LastMessage(state.RoleUser); !ok {
		t.Error("user message was not appended")
	}
}

func TestParallelMergeSimilarResponses(t *testing.T) {
	t.Parallel()

	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "Paris is the capital of France", nil),
		API:   okTrack(track.SourceAPI, "Paris is the capital of France today", nil),
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryParallel))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.ProcessingBool("local_completed") || !out.ProcessingBool("api_completed") {
		t.Fatalf("parallel turn left a track incomplete: %+v", out.Processing)
	}

	res := integration(t, out)
	strategy, _ := res["strategy"].(string)
	switch integrate.Strategy(strategy) {
	case integrate.StrategyPreference, integrate.StrategyFastest, integrate.StrategyCombine:
	default:
		t.Errorf("strategy = %q, want a merge of agreeing responses", strategy)
	}
	if sim, ok := res["similarity_score"].(float64); !ok || sim < 0.5 {
		t.Errorf("similarity_score = %v, want >= 0.5", res["similarity_score"])
	}
}

func TestParallelMergeDivergentResponses(t *testing.T) {
	t.Parallel()

	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "Paris is the capital", nil),
		API:   okTrack(track.SourceAPI, "The weather is nice", nil),
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryParallel))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	res := integration(t, out)
	if sim, ok := res["similarity_score"].(float64); !ok || sim >= 0.8 {
		t.Errorf("similarity_score = %v, want < 0.8", res["similarity_score"])
	}
	if integrate.Strategy(res["strategy"].(string)) == integrate.StrategyInterrupt {
		if got := assistantContent(t, out); got != "The weather is nice" {
			t.Errorf("interrupt must keep the api content, got %q", got)
		}
	}
}

func TestStagedEscalatesOnLocalFailure(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	e := buildPipeline(t, flow.Deps{
		Local: failTrack(track.SourceLocal, nil),
		API:   okTrack(track.SourceAPI, "Jazz emerged in New Orleans around the start of the 20th century.", &apiCalls),
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryStaged))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.ProcessingString("path"); got != "staged" {
		t.Fatalf("path = %q, want staged", got)
	}
	if n := apiCalls.Load(); n != 1 {
		t.Errorf("api track ran %d times, want 1 (escalation)", n)
	}
	if src := out.ProcessingString("response_source"); src != "api" {
		t.Errorf("response_source = %q, want api", src)
	}
	if !strings.Contains(assistantContent(t, out), "New Orleans") {
		t.Error("assistant message does not carry the api content")
	}
}

func TestStagedKeepsSufficientLocalResult(t *testing.T) {
	t.Parallel()

	longAnswer := strings.Repeat("jazz history detail ", 15) // past the token floor
	var apiCalls atomic.Int32
	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, longAnswer, nil),
		API:   okTrack(track.SourceAPI, "unused", &apiCalls),
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryStaged))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := apiCalls.Load(); n != 0 {
		t.Errorf("api track ran %d times despite a sufficient local answer", n)
	}
	if src := out.ProcessingString("response_source"); src != "local" {
		t.Errorf("response_source = %q, want local", src)
	}
}

func TestStagedEscalatesBelowConfiguredFloor(t *testing.T) {
	t.Parallel()

	// 45 tokens clears the built-in floor but not the configured one.
	localAnswer := strings.Repeat("jazz history detail ", 15)
	var apiCalls atomic.Int32
	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, localAnswer, nil),
		API:   okTrack(track.SourceAPI, "Jazz grew out of blues and ragtime in New Orleans.", &apiCalls),
	}, flow.Config{})

	s := turnState(queryStaged)
	s.Config.MinAcceptableTokens = 100

	out, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := apiCalls.Load(); n != 1 {
		t.Errorf("api track ran %d times, want 1 (configured floor escalation)", n)
	}
	if src := out.ProcessingString("response_source"); src != "api" {
		t.Errorf("response_source = %q, want api", src)
	}
}

func TestBothTracksFailYieldApology(t *testing.T) {
	t.Parallel()

	e := buildPipeline(t, flow.Deps{
		Local: failTrack(track.SourceLocal, nil),
		API:   failTrack(track.SourceAPI, nil),
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryParallel))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if src := out.ProcessingString("response_source"); src != "fallback" {
		t.Errorf("response_source = %q, want fallback", src)
	}
	if got := assistantContent(t, out); !regexp.MustCompile(`(?i)trouble|apolog`).MatchString(got) {
		t.Errorf("fallback message %q does not read as an apology", got)
	}
	if out.Activation.Status != state.StatusInactive {
		t.Errorf("final status = %q, want inactive", out.Activation.Status)
	}
}

func TestMemoryOutageDoesNotAbortTurn(t *testing.T) {
	t.Parallel()

	boom := errors.New("memory engine down")
	mem := &memorymock.Engine{
		ContextErr:          boom,
		ConversationsErr:    boom,
		PreferencesErr:      boom,
		StoreInteractionErr: boom,
	}
	e := buildPipeline(t, flow.Deps{
		Local:  okTrack(track.SourceLocal, "Hello anyway.", nil),
		Memory: mem,
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryLocal))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, _ := out.Memory["retrieval_status"].(string); got != "unavailable" {
		t.Errorf("retrieval_status = %q, want unavailable", got)
	}
	if got, _ := out.Memory["store_status"].(string); got != "failed" {
		t.Errorf("store_status = %q, want failed", got)
	}
	if got := assistantContent(t, out); got != "Hello anyway." {
		t.Errorf("assistant content = %q", got)
	}
	// The exchange still lands in working memory despite the engine outage.
	if hist, _ := out.Memory["conversation_history"].([]any); len(hist) != 1 {
		t.Errorf("conversation_history length = %d, want 1", len(hist))
	}
}

func TestSummarizationTrigger(t *testing.T) {
	t.Parallel()

	mem := &memorymock.Engine{SummaryResult: "The user asked several short questions."}
	e := buildPipeline(t, flow.Deps{
		Local:  okTrack(track.SourceLocal, "Sure.", nil),
		Memory: mem,
	}, flow.Config{})

	s := turnState(queryLocal)
	s.Config.SummarizeThreshold = 3
	s.Config.KeepRecent = 2
	var hist []any
	for i := range 3 {
		hist = append(hist, map[string]any{
			"id": string(rune('a' + i)), "user": "q", "assistant": "a",
		})
	}
	s.Memory["conversation_history"] = hist

	out, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	sys, ok := out.LastMessage(state.RoleSystem)
	if !ok || !strings.Contains(sys.Content, "Conversation summary:") {
		t.Fatalf("no summary system message; messages: %+v", out.Messages)
	}
	hist, _ = out.Memory["conversation_history"].([]any)
	if len(hist) != 2 {
		t.Errorf("history length after summarization = %d, want keep_recent 2", len(hist))
	}
	if mem.CallCount("GenerateSummary") != 1 {
		t.Errorf("GenerateSummary called %d times, want 1", mem.CallCount("GenerateSummary"))
	}
	if mem.CallCount("ArchiveConversations") != 1 {
		t.Errorf("ArchiveConversations called %d times, want 1", mem.CallCount("ArchiveConversations"))
	}
}

func TestSTTFailureReturnsToListening(t *testing.T) {
	t.Parallel()

	var localCalls atomic.Int32
	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "never", &localCalls),
		STT:   &sttmock.Provider{Err: errors.New("decoder crashed")},
	}, flow.Config{})

	s := state.New(state.ModeContinuous)
	s.Audio[flow.KeyInputPCM] = make([]byte, 640)
	s.Audio[flow.KeySampleRate] = 16000

	out, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := out.LastMessage(state.RoleUser); ok {
		t.Error("user message appended despite transcription failure")
	}
	if out.Activation.Status != state.StatusListening {
		t.Errorf("status = %q, want listening", out.Activation.Status)
	}
	if n := localCalls.Load(); n != 0 {
		t.Errorf("generation ran %d times on a failed transcription", n)
	}
	if msg, _ := out.Audio["error"].(string); !strings.HasPrefix(msg, "stt:") {
		t.Errorf("audio.error = %q, want an stt failure", msg)
	}
}

func TestTTSFailureStillStoresAssistantMessage(t *testing.T) {
	t.Parallel()

	mem := &memorymock.Engine{}
	e := buildPipeline(t, flow.Deps{
		Local:  okTrack(track.SourceLocal, "Spoken reply.", nil),
		Memory: mem,
		TTS:    &ttsmock.Provider{Err: errors.New("voice model missing")},
	}, flow.Config{})

	s := turnState(queryLocal)
	s.Config.TTSEnabled = true

	out, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := assistantContent(t, out); got != "Spoken reply." {
		t.Errorf("assistant content = %q", got)
	}
	if msg, _ := out.Audio["error"].(string); !strings.HasPrefix(msg, "tts:") {
		t.Errorf("audio.error = %q, want a tts failure", msg)
	}
	if mem.CallCount("StoreInteraction") != 1 {
		t.Errorf("StoreInteraction called %d times, want 1", mem.CallCount("StoreInteraction"))
	}
}

func TestWakeWordGate(t *testing.T) {
	t.Parallel()

	matcher, err := wakeword.NewTextMatcher("hey antiphon")
	if err != nil {
		t.Fatalf("NewTextMatcher: %v", err)
	}
	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "It is noon.", nil),
		Wake:  matcher,
	}, flow.Config{})

	// Without the phrase the run ends before transcribing anything.
	s := state.New(state.ModeWakeWord)
	s.Audio[flow.KeyTranscript] = "what time is it"
	out, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Messages) != 0 {
		t.Errorf("messages appended without a wake phrase: %+v", out.Messages)
	}
	if out.Activation.Status != state.StatusInactive {
		t.Errorf("status = %q, want inactive", out.Activation.Status)
	}

	// With the phrase the query is processed, minus the phrase itself.
	s = state.New(state.ModeWakeWord)
	s.Audio[flow.KeyTranscript] = "hey antiphon what time is it"
	out, err = e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	user, ok := out.LastMessage(state.RoleUser)
	if !ok {
		t.Fatal("no user message on a wake-phrase turn")
	}
	if user.Content != "what time is it" {
		t.Errorf("user message = %q, want the wake phrase stripped", user.Content)
	}
	if !out.Activation.WakeWordDetected {
		t.Error("wake_word_detected not set")
	}
}

func TestCheckpointsRecoverable(t *testing.T) {
	t.Parallel()

	store := checkpointmem.NewMemStore()
	turnIndex := 0
	save := func(ctx context.Context, s state.State, node string) error {
		b, err := state.Marshal(s)
		if err != nil {
			return err
		}
		return store.Put(ctx, "conv-1", "thread-1", turnIndex, b)
	}

	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "Checkpointed reply.", nil),
		Save:  save,
	}, flow.Config{})

	out, err := e.Run(context.Background(), turnState(queryLocal))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rec, ok, err := store.GetLatest(context.Background(), "conv-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest: ok=%v err=%v", ok, err)
	}
	restored, err := state.Unmarshal(rec.SerializedState)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := assistantContent(t, restored); got != assistantContent(t, out) {
		t.Errorf("restored assistant content = %q, want %q", got, assistantContent(t, out))
	}

	// Round-trip stability of the checkpointed state.
	again, err := state.Marshal(restored)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(again) != string(rec.SerializedState) {
		t.Error("serialized state is not round-trip stable")
	}
}

func TestCompletionFlagsMonotonic(t *testing.T) {
	t.Parallel()

	var sawLocal, sawAPI bool
	probe := func(ctx context.Context, s state.State, node string) error {
		if sawLocal && !s.ProcessingBool("local_completed") && s.ProcessingString("path") != "" {
			// The router resets flags when a new attempt starts; within
			// one attempt the flag must never regress.
			t.Errorf("local_completed regressed at node %s", node)
		}
		if s.ProcessingBool("local_completed") {
			sawLocal = true
		}
		if s.ProcessingBool("api_completed") {
			sawAPI = true
		}
		return nil
	}

	e := buildPipeline(t, flow.Deps{
		Local: okTrack(track.SourceLocal, "a", nil),
		API:   okTrack(track.SourceAPI, "b", nil),
		Save:  probe,
	}, flow.Config{})

	if _, err := e.Run(context.Background(), turnState(queryParallel)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawLocal || !sawAPI {
		t.Errorf("completion flags never observed: local=%v api=%v", sawLocal, sawAPI)
	}
}
