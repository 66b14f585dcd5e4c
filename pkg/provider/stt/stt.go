// Package stt defines the speech-to-text provider contract used by the
// conversation pipeline.
//
// Providers transcribe one utterance at a time: the voice loop segments the
// capture stream into complete utterances (voice activity detection plus a
// silence hangover) and hands each one to Transcribe as a single frame. This
// keeps recognition engines simple — they never see partial audio and never
// have to maintain streaming state across calls.
package stt

import (
	"context"
	"time"

	"github.com/antiphon-ai/antiphon/pkg/audio"
)

// Segment is one contiguous span of recognized speech within an utterance.
type Segment struct {
	// Text is the recognized text for this span.
	Text string

	// Start and End are offsets from the beginning of the utterance.
	Start time.Duration
	End   time.Duration
}

// Transcription is the result of transcribing a single utterance.
type Transcription struct {
	// Text is the full recognized text, segments joined in order.
	Text string

	// Confidence is the recognizer's confidence in [0, 1]. Zero means the
	// engine does not report confidence, not that the result is untrusted.
	Confidence float64

	// Segments holds the per-span results in utterance order. May be empty
	// for engines that only report whole-utterance text.
	Segments []Segment

	// Language is the BCP-47 language code the engine detected or was
	// configured with (e.g. "en").
	Language string
}

// Provider transcribes complete utterances.
//
// Transcribe blocks until recognition finishes or ctx is done. frame.Data
// must be 16-bit little-endian signed PCM; implementations resample and
// down-mix internally when the frame format differs from the engine's native
// input format. Implementations must be safe for concurrent use.
type Provider interface {
	Transcribe(ctx context.Context, frame audio.Frame) (Transcription, error)
}
