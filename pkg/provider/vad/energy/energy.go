// Package energy implements vad.Engine with a short-term energy detector.
//
// Each frame's root-mean-square level, normalised to [0, 1], is used directly
// as the speech probability. The detector needs no model files and costs one
// pass over the frame, which makes it the default for local capture where the
// microphone noise floor is reasonably stable.
//
// Recommended starting thresholds: SpeechThreshold 0.02, SilenceThreshold
// 0.01. Quiet rooms tolerate lower values; noisy ones need higher.
package energy

import (
	"errors"
	"fmt"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/vad"
)

// defaultHangoverMs is how long a speech segment must stay below the silence
// threshold before VADSpeechEnd fires. Short pauses between words stay inside
// the segment.
const defaultHangoverMs = 300

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHangoverMs sets the silence duration (ms) that ends a speech segment.
// Defaults to 300 ms.
func WithHangoverMs(ms int) Option {
	return func(e *Engine) { e.hangoverMs = ms }
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	hangoverMs int
}

// New returns an Engine configured with the supplied options.
func New(opts ...Option) *Engine {
	e := &Engine{hangoverMs: defaultHangoverMs}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a session ready to accept frames.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate %d is not positive", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size %d ms is not positive", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %f is outside [0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %f must be in [0, %f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		hangoverMs: e.hangoverMs,
	}, nil
}

// session tracks speech state for one audio stream. Not safe for concurrent
// use; the voice loop drives it from a single goroutine.
type session struct {
	cfg        vad.Config
	frameBytes int
	hangoverMs int

	inSpeech  bool
	silenceMs int
	closed    bool
}

// ProcessFrame classifies one frame of 16-bit mono PCM.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := audio.Frame{Data: frame}.Level()
	ev := vad.VADEvent{Probability: level}

	if !s.inSpeech {
		if level >= s.cfg.SpeechThreshold {
			s.inSpeech = true
			s.silenceMs = 0
			ev.Type = vad.VADSpeechStart
		} else {
			ev.Type = vad.VADSilence
		}
		return ev, nil
	}

	if level > s.cfg.SilenceThreshold {
		s.silenceMs = 0
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	s.silenceMs += s.cfg.FrameSizeMs
	if s.silenceMs >= s.hangoverMs {
		s.inSpeech = false
		s.silenceMs = 0
		ev.Type = vad.VADSpeechEnd
	} else {
		// Still inside the hangover window; the pause may be between words.
		ev.Type = vad.VADSpeechContinue
	}
	return ev, nil
}

// Reset clears the speech state so the next frame is judged fresh.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.silenceMs = 0
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}
