// Package tts defines the text-to-speech provider contract used by the
// conversation pipeline.
package tts

import (
	"context"

	"github.com/antiphon-ai/antiphon/pkg/audio"
)

// Voice identifies a synthesis voice and carries its delivery settings.
// Zero-valued tuning fields select the engine defaults.
type Voice struct {
	// ID is the engine-specific voice identifier (an ElevenLabs voice ID,
	// a Piper speaker name).
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backing engine ("elevenlabs", "piper", "mock").
	Provider string

	// Stability trades expressiveness for consistency, in [0, 1].
	Stability float64

	// Similarity controls how closely delivery tracks the reference voice,
	// in [0, 1].
	Similarity float64

	// SpeedFactor adjusts the speaking rate from 0.5 (half speed) to 2.0
	// (double speed). Zero selects the engine's native rate.
	SpeedFactor float64

	// Metadata carries engine-specific voice attributes (accent, gender, ...).
	Metadata map[string]string
}

// Provider synthesizes speech from text.
//
// Synthesize returns as soon as the utterance has been accepted: PCM chunks
// arrive on the returned handle's Audio channel while the engine works, and
// the channel closes when the utterance is complete. A failure after the
// handle has been returned is recorded with Handle.SetStreamErr before the
// channel closes; callers that care check Handle.Err once the channel is
// drained.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Synthesize speaks text with the given voice.
	Synthesize(ctx context.Context, text string, voice Voice) (*audio.Handle, error)

	// ListVoices returns the voices available from this engine.
	ListVoices(ctx context.Context) ([]Voice, error)
}
