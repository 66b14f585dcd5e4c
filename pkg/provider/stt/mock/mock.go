// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled Transcription values to the voice loop and
// pipeline nodes without a real recognition engine, and to inspect which
// frames were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: stt.Transcription{Text: "hello there", Language: "en"},
//	}
//	tr, err := p.Transcribe(ctx, frame)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Frame is the audio frame passed to Transcribe.
	Frame audio.Frame
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return an empty Transcription and nil error.
type Provider struct {
	mu sync.Mutex

	// Results, if non-empty, is consumed one element per Transcribe call in
	// order. After the last element, calls fall back to Result.
	Results []stt.Transcription

	// Result is returned by Transcribe when Results is exhausted or empty.
	Result stt.Transcription

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Delay, if positive, makes Transcribe block for the given duration or
	// until ctx is done, whichever comes first. Use it to exercise deadline
	// handling in callers.
	Delay time.Duration

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, frame audio.Frame) (stt.Transcription, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Frame: frame})
	delay := p.Delay
	err := p.Err
	var result stt.Transcription
	if len(p.Results) > 0 {
		result = p.Results[0]
		p.Results = p.Results[1:]
	} else {
		result = p.Result
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Transcription{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcription{}, err
	}
	return result, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
