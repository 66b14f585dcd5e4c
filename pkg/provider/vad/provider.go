// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own state
// (speech/silence tracking, hangover counters) so that multiple audio streams
// can be processed independently. The voice loop uses session events to
// segment the capture stream into utterances before transcription.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for low-latency stages that gate STT input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation explicitly documents otherwise.
package vad

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native probability scale; see each Engine's documentation for
// recommended starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match
	// this size.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech, in [0, 1]. Higher values reduce false positives
	// at the cost of increased speech-start latency.
	SpeechThreshold float64

	// SilenceThreshold is the probability at or below which a frame of an
	// active speech segment counts toward the segment's end, in [0, 1].
	// Must be <= SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is an active VAD session for a single audio stream. Each
// session maintains its own detection state; Reset clears that state without
// closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be 16-bit little-endian mono PCM matching the
	// SampleRate and FrameSizeMs the session was created with. It must not
	// block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	// Use it when the audio stream is interrupted or restarted so stale
	// state from the previous segment cannot leak into the next one.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error and Reset is a no-op. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames. Returns an error
	// if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
