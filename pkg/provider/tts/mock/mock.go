// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM chunks to the playback path without a
// real synthesis engine, and to inspect which utterances were spoken.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{pcmChunk},
//	}
//	h, err := p.Synthesize(ctx, "Hello!", tts.Voice{})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the utterance text passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
// The zero value returns handles whose channel closes immediately with no
// audio.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of PCM chunks emitted on every handle's audio
	// channel before it closes. Chunks are not copied; tests must not mutate
	// them after the first Synthesize call.
	Chunks [][]byte

	// SampleRate and Channels populate the returned handles. Zero values
	// default to 22050 Hz mono.
	SampleRate int
	Channels   int

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// StreamErr, if non-nil, is recorded on the handle after Chunks have
	// been emitted, before the channel closes.
	StreamErr error

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall

	// ListVoicesCallCount is the number of times ListVoices was called.
	ListVoicesCallCount int
}

// Synthesize records the call and returns a handle that emits Chunks and then
// closes. Handle IDs are deterministic ("utterance-1", "utterance-2", ...) in
// call order.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*audio.Handle, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	n := len(p.Calls)
	chunks := p.Chunks
	streamErr := p.StreamErr
	err := p.Err
	rate := p.SampleRate
	channels := p.Channels
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if rate <= 0 {
		rate = 22050
	}
	if channels <= 0 {
		channels = 1
	}

	ch := make(chan []byte, len(chunks))
	h := &audio.Handle{
		ID:         fmt.Sprintf("utterance-%d", n),
		Text:       text,
		Audio:      ch,
		SampleRate: rate,
		Channels:   channels,
	}
	for _, c := range chunks {
		ch <- c
	}
	if streamErr != nil {
		h.SetStreamErr(streamErr)
	}
	close(ch)
	return h, nil
}

// ListVoices records the call and returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.Voices, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.ListVoicesCallCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
