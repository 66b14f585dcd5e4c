package energy

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/antiphon-ai/antiphon/pkg/provider/vad"
)

// testConfig is 16 kHz mono with 20 ms frames: 640 bytes per frame.
var testConfig = vad.Config{
	SampleRate:       16000,
	FrameSizeMs:      20,
	SpeechThreshold:  0.02,
	SilenceThreshold: 0.01,
}

// frameAt builds one 20 ms test frame of constant amplitude. A constant
// signal's RMS equals its amplitude, so level = amplitude/32768.
func frameAt(amplitude int16) []byte {
	samples := testConfig.SampleRate * testConfig.FrameSizeMs / 1000
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(amplitude))
	}
	return frame
}

var (
	loudFrame  = frameAt(3277) // level ≈ 0.1, well above the speech threshold
	quietFrame = frameAt(164)  // level ≈ 0.005, below the silence threshold
)

func newSession(t *testing.T, opts ...Option) vad.SessionHandle {
	t.Helper()
	s, err := New(opts...).NewSession(testConfig)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func processFrame(t *testing.T, s vad.SessionHandle, frame []byte) vad.VADEvent {
	t.Helper()
	ev, err := s.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev
}

func TestNewSession_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.3}},
		{"zero frame size", vad.Config{SampleRate: 16000, SpeechThreshold: 0.5, SilenceThreshold: 0.3}},
		{"speech threshold above one", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5}},
		{"silence above speech", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.5}},
		{"negative silence", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New().NewSession(tt.cfg); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}

	if _, err := New().NewSession(testConfig); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestSession_SilenceStaysQuiet(t *testing.T) {
	s := newSession(t)
	for i := 0; i < 3; i++ {
		ev := processFrame(t, s, quietFrame)
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d: event = %v, want SILENCE", i, ev.Type)
		}
		if ev.Probability >= testConfig.SpeechThreshold {
			t.Fatalf("frame %d: probability %f not below speech threshold", i, ev.Probability)
		}
	}
}

func TestSession_SpeechStartContinueEnd(t *testing.T) {
	// 40 ms hangover = two quiet frames before the segment ends.
	s := newSession(t, WithHangoverMs(40))

	steps := []struct {
		frame []byte
		want  vad.VADEventType
	}{
		{quietFrame, vad.VADSilence},
		{loudFrame, vad.VADSpeechStart},
		{loudFrame, vad.VADSpeechContinue},
		{quietFrame, vad.VADSpeechContinue}, // first quiet frame: inside hangover
		{quietFrame, vad.VADSpeechEnd},      // hangover elapsed
		{quietFrame, vad.VADSilence},
	}
	for i, step := range steps {
		ev := processFrame(t, s, step.frame)
		if ev.Type != step.want {
			t.Fatalf("step %d: event = %v, want %v", i, ev.Type, step.want)
		}
	}
}

func TestSession_PauseBetweenWordsStaysInSegment(t *testing.T) {
	s := newSession(t, WithHangoverMs(40))

	processFrame(t, s, loudFrame) // SpeechStart
	ev := processFrame(t, s, quietFrame)
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("pause frame: event = %v, want SPEECH_CONTINUE", ev.Type)
	}
	// Speech resumes; the silence counter must restart.
	processFrame(t, s, loudFrame)
	ev = processFrame(t, s, quietFrame)
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("after resume: event = %v, want SPEECH_CONTINUE", ev.Type)
	}
}

func TestSession_ProbabilityTracksLevel(t *testing.T) {
	s := newSession(t)
	ev := processFrame(t, s, frameAt(16384))
	if math.Abs(ev.Probability-0.5) > 0.001 {
		t.Errorf("probability = %f, want ~0.5", ev.Probability)
	}
}

func TestSession_WrongFrameSize(t *testing.T) {
	s := newSession(t)
	_, err := s.ProcessFrame(make([]byte, 100))
	if err == nil {
		t.Fatal("expected error for wrong frame size, got nil")
	}
	if !strings.Contains(err.Error(), "want 640") {
		t.Errorf("error %q does not name the expected frame size", err.Error())
	}
}

func TestSession_ResetClearsState(t *testing.T) {
	s := newSession(t)
	if ev := processFrame(t, s, loudFrame); ev.Type != vad.VADSpeechStart {
		t.Fatalf("first frame: event = %v, want SPEECH_START", ev.Type)
	}
	s.Reset()
	if ev := processFrame(t, s, loudFrame); ev.Type != vad.VADSpeechStart {
		t.Errorf("after reset: event = %v, want SPEECH_START again", ev.Type)
	}
}

func TestSession_ClosedErrors(t *testing.T) {
	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(loudFrame); err == nil {
		t.Error("expected error after Close, got nil")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
