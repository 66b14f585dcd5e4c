package local_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/internal/track/local"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime/mock"
)

func userMessages(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func successChunks(text string, promptTokens int) []runtime.Chunk {
	words := strings.SplitAfter(text, " ")
	chunks := make([]runtime.Chunk, 0, len(words)+1)
	for i, w := range words {
		chunks = append(chunks, runtime.Chunk{Text: w, CompletionTokens: i + 1})
	}
	chunks = append(chunks, runtime.Chunk{
		Done:             true,
		FinishReason:     "stop",
		PromptTokens:     promptTokens,
		CompletionTokens: len(words),
	})
	return chunks
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	m := &mock.Model{
		GenerateChunks: successChunks("Paris is the capital.", 8),
		ModelInfo:      runtime.Info{Model: "llama3", Family: "llama"},
	}
	c := local.New(m)

	resp := c.Generate(context.Background(), userMessages("capital of France?"), track.Params{MaxTokens: 32})
	if !resp.Success {
		t.Fatalf("Success = false, kind %q", resp.ErrorKind)
	}
	if resp.Content != "Paris is the capital." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Source != track.SourceLocal {
		t.Errorf("Source = %q, want local", resp.Source)
	}
	if resp.TokensUsed != 8+4 {
		t.Errorf("TokensUsed = %d, want 12", resp.TokensUsed)
	}
	if resp.QualityScore <= 0 {
		t.Error("QualityScore should be positive for a clean completion")
	}
	if resp.LatencyMS <= 0 {
		t.Error("LatencyMS should be positive")
	}

	// The llama family resolves to the llama2 prompt format.
	if len(m.GenerateCalls) != 1 {
		t.Fatalf("GenerateCalls = %d, want 1", len(m.GenerateCalls))
	}
	if !strings.Contains(m.GenerateCalls[0].Prompt, "[INST]") {
		t.Errorf("prompt = %q, want llama-style instruction markers", m.GenerateCalls[0].Prompt)
	}
}

func TestGenerate_LazyLoadOnce(t *testing.T) {
	t.Parallel()

	m := &mock.Model{GenerateChunks: successChunks("ok.", 2)}
	c := local.New(m)

	if c.Loaded() {
		t.Fatal("model should not be loaded before first use")
	}
	c.Generate(context.Background(), userMessages("a"), track.Params{})
	c.Generate(context.Background(), userMessages("b"), track.Params{})

	if m.LoadCalls != 1 {
		t.Errorf("LoadCalls = %d, want 1", m.LoadCalls)
	}
	if !c.Loaded() {
		t.Error("Loaded() should report true after first use")
	}
}

func TestGenerate_LoadFailure(t *testing.T) {
	t.Parallel()

	m := &mock.Model{LoadErr: errors.New("weights missing")}
	c := local.New(m)

	resp := c.Generate(context.Background(), userMessages("hi"), track.Params{})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.ErrorKind != fault.ModelInit {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, fault.ModelInit)
	}

	// A classified load error keeps its kind.
	m2 := &mock.Model{LoadErr: fault.New(fault.ModelNotFound, "test", "no such model")}
	resp = local.New(m2).Generate(context.Background(), userMessages("hi"), track.Params{})
	if resp.ErrorKind != fault.ModelNotFound {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, fault.ModelNotFound)
	}
}

func TestGenerate_TimeoutKeepsPartialContent(t *testing.T) {
	t.Parallel()

	m := &mock.Model{
		GenerateChunks: []runtime.Chunk{
			{Text: "partial ", CompletionTokens: 1},
			{Text: "answer", CompletionTokens: 2},
			{Text: " never delivered", CompletionTokens: 3},
			{Done: true, FinishReason: "stop", CompletionTokens: 3},
		},
		ChunkDelay: 100 * time.Millisecond,
	}
	c := local.New(m)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	resp := c.Generate(ctx, userMessages("hi"), track.Params{})
	if resp.Success {
		t.Fatal("expected timeout failure")
	}
	if resp.ErrorKind != fault.Timeout {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, fault.Timeout)
	}
	if resp.FinishReason != "timeout" {
		t.Errorf("FinishReason = %q, want timeout", resp.FinishReason)
	}
	if resp.Content == "" {
		t.Error("partial content should be preserved on timeout")
	}
}

func TestGenerate_StreamErrorKeepsPartialContent(t *testing.T) {
	t.Parallel()

	m := &mock.Model{
		GenerateChunks: []runtime.Chunk{
			{Text: "partial", CompletionTokens: 1},
			{
				Done:         true,
				FinishReason: "error",
				Err:          fault.New(fault.ResourceExhausted, "test", "out of memory"),
			},
		},
	}
	c := local.New(m)

	resp := c.Generate(context.Background(), userMessages("hi"), track.Params{})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.ErrorKind != fault.ResourceExhausted {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, fault.ResourceExhausted)
	}
	if resp.Content != "partial" {
		t.Errorf("Content = %q, want partial", resp.Content)
	}
}

func TestGenerate_MergesFormatterStops(t *testing.T) {
	t.Parallel()

	m := &mock.Model{
		GenerateChunks: successChunks("ok.", 1),
		ModelInfo:      runtime.Info{Family: "llama"},
	}
	c := local.New(m)

	c.Generate(context.Background(), userMessages("hi"), track.Params{Stop: []string{"CUSTOM"}})

	got := m.GenerateCalls[0].Params.Stop
	want := []string{"</s>", "[INST]", "CUSTOM"}
	if len(got) != len(want) {
		t.Fatalf("Stop = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Stop = %v, want %v", got, want)
		}
	}
}

// gateModel counts concurrent in-flight generations, including stream
// consumption, to verify inference is serialized.
type gateModel struct {
	mock.Model
	mu     sync.Mutex
	active int
	peak   int
}

func (g *gateModel) Generate(ctx context.Context, prompt string, p runtime.Params) (<-chan runtime.Chunk, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()

	ch, err := g.Model.Generate(ctx, prompt, p)
	if err != nil {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
		return nil, err
	}

	out := make(chan runtime.Chunk)
	go func() {
		defer close(out)
		defer func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		}()
		for c := range ch {
			out <- c
		}
	}()
	return out, nil
}

func TestGenerate_SerializesInference(t *testing.T) {
	t.Parallel()

	g := &gateModel{}
	g.GenerateChunks = successChunks("serialized answer.", 2)
	g.ChunkDelay = 20 * time.Millisecond
	c := local.New(g)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := c.Generate(context.Background(), userMessages("hi"), track.Params{})
			if !resp.Success {
				t.Errorf("unexpected failure: %q", resp.ErrorKind)
			}
		}()
	}
	wg.Wait()

	g.mu.Lock()
	peak := g.peak
	g.mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrent inferences = %d, want 1", peak)
	}
}

func TestStream_ForwardsChunksAndReleasesLock(t *testing.T) {
	t.Parallel()

	m := &mock.Model{GenerateChunks: successChunks("streamed text.", 3)}
	c := local.New(m)

	chunks, err := c.Stream(context.Background(), userMessages("hi"), track.Params{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var last runtime.Chunk
	n := 0
	for ch := range chunks {
		last = ch
		n++
	}
	if n == 0 {
		t.Fatal("no chunks received")
	}
	if !last.Done || last.FinishReason != "stop" {
		t.Errorf("final chunk = %+v, want Done with stop", last)
	}

	// The inference lock must be free again.
	resp := c.Generate(context.Background(), userMessages("again"), track.Params{})
	if !resp.Success {
		t.Errorf("Generate after Stream failed: %q", resp.ErrorKind)
	}
}

func TestClose_ReloadsLazily(t *testing.T) {
	t.Parallel()

	m := &mock.Model{GenerateChunks: successChunks("ok.", 1)}
	c := local.New(m)

	c.Generate(context.Background(), userMessages("hi"), track.Params{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1", m.CloseCalls)
	}

	c.Generate(context.Background(), userMessages("hi"), track.Params{})
	if m.LoadCalls != 2 {
		t.Errorf("LoadCalls = %d, want 2 (reload after Close)", m.LoadCalls)
	}
}

func TestTune_ForwardsToRuntime(t *testing.T) {
	t.Parallel()

	m := &mock.Model{}
	c := local.New(m)
	c.Tune(runtime.Tuning{Threads: 4, LowVRAM: true})

	if len(m.TuneCalls) != 1 {
		t.Fatalf("TuneCalls = %d, want 1", len(m.TuneCalls))
	}
	if m.TuneCalls[0].Threads != 4 || !m.TuneCalls[0].LowVRAM {
		t.Errorf("TuneCalls[0] = %+v", m.TuneCalls[0])
	}
}
