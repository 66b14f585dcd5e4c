// Package mock provides a mock implementation of the runtime.Model interface
// for testing.
//
// The mock records all calls and returns configurable responses:
//
//	m := &mock.Model{
//	    GenerateChunks: []runtime.Chunk{
//	        {Text: "Hello", CompletionTokens: 1},
//	        {Done: true, FinishReason: "stop", PromptTokens: 4, CompletionTokens: 1},
//	    },
//	}
//	chunks, err := m.Generate(ctx, "prompt", runtime.Params{})
//
// ChunkDelay inserts a pause before each chunk, which lets tests exercise
// deadline handling in callers.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
)

// Ensure Model implements the runtime.Model interface at compile time.
var _ runtime.Model = (*Model)(nil)

// GenerateCall records a single call to Generate.
type GenerateCall struct {
	Prompt string
	Params runtime.Params
}

// Model is a configurable mock runtime. The zero value is usable; configure
// the exported fields before handing it to the code under test.
type Model struct {
	mu sync.Mutex

	// Call records.
	LoadCalls     int
	GenerateCalls []GenerateCall
	TuneCalls     []runtime.Tuning
	StatsCalls    int
	CloseCalls    int

	// Configurable behavior.
	LoadErr        error
	GenerateErr    error
	GenerateChunks []runtime.Chunk
	ChunkDelay     time.Duration
	ModelInfo      runtime.Info
	ModelStats     runtime.Stats
	StatsErr       error
	CloseErr       error
}

// Load implements runtime.Model.
func (m *Model) Load(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++
	return m.LoadErr
}

// Generate implements runtime.Model. It replays GenerateChunks on the
// returned channel, honoring ChunkDelay before each one, and stops early if
// ctx is cancelled.
func (m *Model) Generate(ctx context.Context, prompt string, p runtime.Params) (<-chan runtime.Chunk, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, GenerateCall{Prompt: prompt, Params: p})
	err := m.GenerateErr
	chunks := make([]runtime.Chunk, len(m.GenerateChunks))
	copy(chunks, m.GenerateChunks)
	delay := m.ChunkDelay
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan runtime.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Tune implements runtime.Model.
func (m *Model) Tune(t runtime.Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TuneCalls = append(m.TuneCalls, t)
}

// Info implements runtime.Model.
func (m *Model) Info() runtime.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ModelInfo
}

// Stats implements runtime.Model.
func (m *Model) Stats(_ context.Context) (runtime.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatsCalls++
	return m.ModelStats, m.StatsErr
}

// Close implements runtime.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseErr
}

// Reset clears all recorded calls while keeping the configured behavior.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls = 0
	m.GenerateCalls = nil
	m.TuneCalls = nil
	m.StatsCalls = 0
	m.CloseCalls = 0
}
