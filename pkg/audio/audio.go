// Package audio defines the frame and playback types shared by the voice
// pipeline and the contracts for capture/playback platforms.
//
// The primary abstractions are:
//
//   - [Frame]: a chunk of PCM audio flowing from capture toward STT or from
//     TTS toward playback.
//   - [Handle]: one synthesized utterance, streamed incrementally so playback
//     can start before synthesis finishes.
//   - [Platform] and [Session]: the capture/playback device boundary,
//     implemented by platform adapter packages.
//   - [Player]: the playback queue that turns handles into output frames and
//     reports lifecycle events.
//
// This package lives under pkg/ because platform adapters outside this
// repository are expected to implement [Platform] and [Session].
package audio

import (
	"math"
	"sync/atomic"
	"time"
)

// Frame is a single chunk of audio moving through the pipeline.
type Frame struct {
	// Data holds little-endian int16 PCM samples, interleaved when stereo.
	Data []byte

	// SampleRate in Hz (16000 for STT input, 22050 or 48000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / 2 / ch
}

// Duration returns the playing time of the frame, or zero when the sample
// rate is unknown.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Level returns the RMS energy of the frame normalized to [0, 1].
// Activation gating and energy-based voice detection both key off this.
func (f Frame) Level() float64 {
	n := len(f.Data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(f.Data[i*2]) | int16(f.Data[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}

// Handle is one synthesized utterance submitted for playback.
// Audio is streamed: chunks arrive incrementally on the Audio channel so the
// player can begin before synthesis completes.
type Handle struct {
	// ID uniquely identifies the utterance across playback events.
	ID string

	// Text is the source text the utterance was synthesized from.
	Text string

	// Audio is a read-only channel of raw PCM chunks (little-endian int16).
	// The producer closes it when the utterance ends or a mid-stream error
	// occurs. After it closes, call [Handle.Err] to check whether synthesis
	// completed cleanly.
	Audio <-chan []byte

	// SampleRate is the sample rate in Hz of the PCM data on Audio.
	SampleRate int

	// Channels is the channel count of the PCM data on Audio.
	Channels int

	// streamErr stores the error that caused Audio to close early.
	// Access via Err and SetStreamErr.
	streamErr atomic.Pointer[error]
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully. Check after Audio is closed.
func (h *Handle) Err() error {
	if p := h.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel so consumers can distinguish a clean
// completion from a failure.
func (h *Handle) SetStreamErr(err error) {
	h.streamErr.Store(&err)
}
