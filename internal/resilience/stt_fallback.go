package resilience

import (
	"context"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the health of every backend, primary first.
func (f *STTFallback) Status() []EntryStatus {
	return f.group.Status()
}

// Transcribe runs the frame through the first healthy provider.
func (f *STTFallback) Transcribe(ctx context.Context, frame audio.Frame) (stt.Transcription, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Transcription, error) {
		return p.Transcribe(ctx, frame)
	})
}
