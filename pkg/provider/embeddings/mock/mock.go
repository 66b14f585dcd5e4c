// Package mock provides a scripted embeddings provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/antiphon-ai/antiphon/pkg/provider/embeddings"
)

// EmbedCall records a single Embed invocation.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records a single EmbedBatch invocation. Texts is a
// copy of the slice passed in.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a scripted embeddings.Provider. Fixed results are
// returned for every call; when EmbedBatchResult is nil, EmbedBatch
// answers with a slice of nil vectors matching the input length.
type Provider struct {
	mu sync.Mutex

	EmbedResult []float32
	EmbedErr    error

	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	DimensionsValue int
	ModelIDValue    string

	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns EmbedResult, EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns EmbedBatchResult,
// EmbedBatchErr.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})

	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Reset clears recorded calls and scripted behavior.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
	p.EmbedResult = nil
	p.EmbedErr = nil
	p.EmbedBatchResult = nil
	p.EmbedBatchErr = nil
}
