package flow

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/antiphon-ai/antiphon/internal/observe"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/pkg/audio"
)

const (
	sttTimeout = 15 * time.Second
	ttsTimeout = 30 * time.Second
)

// checkActivation advances the activation machine for this utterance. In
// wake-word mode an INACTIVE assistant only wakes when the capture loop's
// transcript carries the wake phrase; LISTENING means a follow-up window
// is open and no phrase is required. Manual and scheduled modes rely on
// the application to raise LISTENING; continuous mode treats any utterance
// as addressed to the assistant.
func (p *Pipeline) checkActivation(ctx context.Context, s state.State) (state.Delta, error) {
	act := s.Activation
	now := time.Now()

	switch act.Mode {
	case state.ModeOff:
		if act.Status == state.StatusInactive {
			return state.Delta{}, nil
		}
		act.Status = state.StatusInactive
		return state.Delta{Activation: &act}, nil

	case state.ModeWakeWord:
		if act.Status == state.StatusListening && p.windowExpired(act, now) {
			act.Status = state.StatusInactive
		}
		if act.Status == state.StatusListening {
			act.Status = state.StatusProcessing
			act.LastActivationTime = now
			return state.Delta{Activation: &act}, nil
		}
		if act.Status != state.StatusInactive {
			// Already mid-turn; leave the machine alone.
			return state.Delta{}, nil
		}
		return p.detectWake(ctx, s, act, now)

	case state.ModeManual, state.ModeScheduled:
		if act.Status != state.StatusListening {
			return state.Delta{}, nil
		}
		act.Status = state.StatusProcessing
		act.LastActivationTime = now
		return state.Delta{Activation: &act}, nil

	default: // continuous
		if act.Status != state.StatusInactive && act.Status != state.StatusListening {
			return state.Delta{}, nil
		}
		act.Status = state.StatusProcessing
		act.LastActivationTime = now
		return state.Delta{Activation: &act}, nil
	}
}

func (p *Pipeline) windowExpired(act state.Activation, now time.Time) bool {
	if p.cfg.ActivationTimeout <= 0 || act.LastActivationTime.IsZero() {
		return false
	}
	return now.Sub(act.LastActivationTime) > p.cfg.ActivationTimeout
}

// detectWake scans the capture loop's transcript for the wake phrase. A
// miss leaves the state INACTIVE, which ends the run at should_process.
func (p *Pipeline) detectWake(ctx context.Context, s state.State, act state.Activation, now time.Time) (state.Delta, error) {
	if p.wake == nil {
		return state.Delta{}, nil
	}
	transcript := audioString(s, KeyTranscript)
	if strings.TrimSpace(transcript) == "" {
		return state.Delta{}, nil
	}

	det := p.wake.Match(transcript)
	if !det.Hit {
		p.logger.Debug("wake phrase not detected", "confidence", det.Confidence)
		return state.Delta{}, nil
	}

	act.Status = state.StatusProcessing
	act.WakeWordDetected = true
	act.LastActivationTime = now

	p.logger.Info("wake phrase detected", "confidence", det.Confidence)
	if p.metrics != nil {
		p.metrics.WakeEvents.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("mode", string(state.ModeWakeWord))))
	}

	delta := state.Delta{Activation: &act}
	if q := p.stripWakePhrase(transcript); q != transcript {
		delta.Audio = map[string]any{KeyTranscript: q}
	}
	return delta, nil
}

// stripWakePhrase drops a leading wake phrase so the query the router sees
// is just the request. A transcript that is only the phrase, or carries it
// mid-sentence, is left whole.
func (p *Pipeline) stripWakePhrase(transcript string) string {
	words := strings.Fields(transcript)
	n := len(strings.Fields(p.wake.Phrase()))
	if n == 0 || len(words) <= n {
		return transcript
	}
	if !p.wake.Match(strings.Join(words[:n], " ")).Hit {
		return transcript
	}
	return strings.Join(words[n:], " ")
}

// sttNode turns the pending utterance into a user message. When the
// capture loop already transcribed (wake-word scanning does), that text is
// used directly; otherwise the audio goes through the STT provider. The
// PCM payload is cleared either way so checkpoints stay small.
//
// Any failure appends no user message and drops activation back to
// LISTENING; the afterSTT edge then ends the turn so the assistant waits
// for the next utterance instead of generating from an empty query.
func (p *Pipeline) sttNode(ctx context.Context, s state.State) (state.Delta, error) {
	if t := strings.TrimSpace(audioString(s, KeyTranscript)); t != "" {
		return state.Delta{
			Messages: []state.Message{userMessage(t, map[string]any{"input": "voice"})},
			Audio:    map[string]any{KeyTranscript: "", KeyInputPCM: nil, "error": nil},
		}, nil
	}

	listen := s.Activation
	listen.Status = state.StatusListening
	failed := func(au map[string]any) state.Delta {
		return state.Delta{Activation: &listen, Audio: au}
	}

	pcm := audioBytes(s, KeyInputPCM)
	if len(pcm) == 0 {
		return failed(map[string]any{"error": "stt: no pending audio"}), nil
	}
	if p.stt == nil {
		return failed(map[string]any{"error": "stt: no provider configured"}), nil
	}

	frame := audio.Frame{
		Data:       pcm,
		SampleRate: audioInt(s, KeySampleRate, 16000),
		Channels:   audioInt(s, KeyChannels, 1),
	}

	tctx, cancel := context.WithTimeout(ctx, sttTimeout)
	defer cancel()

	start := time.Now()
	tr, err := p.stt.Transcribe(tctx, frame)
	if err != nil {
		p.logger.Warn("transcription failed", "err", err)
		if p.metrics != nil {
			p.metrics.RecordProviderError(ctx, "stt", "stt")
		}
		return failed(map[string]any{
			"error":     "stt: " + err.Error(),
			KeyInputPCM: nil,
		}), nil
	}
	if p.metrics != nil {
		p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return failed(map[string]any{
			"error":     "stt: empty transcription",
			KeyInputPCM: nil,
		}), nil
	}

	meta := map[string]any{"input": "voice"}
	if tr.Confidence > 0 {
		meta["confidence"] = tr.Confidence
	}
	if tr.Language != "" {
		meta["language"] = tr.Language
	}
	return state.Delta{
		Messages: []state.Message{userMessage(text, meta)},
		Audio: map[string]any{
			KeyInputPCM:      nil,
			"error":          nil,
			"stt_ms":         msSince(start),
			"stt_confidence": tr.Confidence,
		},
	}, nil
}

func userMessage(text string, meta map[string]any) state.Message {
	return state.Message{
		Type:        state.RoleUser,
		Content:     text,
		Metadata:    meta,
		CreatedTime: time.Now(),
	}
}

// ttsNode speaks the assistant message and ends the SPEAKING phase. Every
// exit drops activation to INACTIVE; synthesis and playback failures are
// recorded under audio.error and the turn still completes.
func (p *Pipeline) ttsNode(ctx context.Context, s state.State) (state.Delta, error) {
	act := s.Activation
	act.Status = state.StatusInactive

	done := func(au map[string]any) state.Delta {
		return state.Delta{Activation: &act, Audio: au}
	}

	msg, ok := s.LastMessage(state.RoleAssistant)
	if !ok || strings.TrimSpace(msg.Content) == "" {
		return done(map[string]any{"error": "tts: no assistant message"}), nil
	}
	if p.tts == nil {
		return done(map[string]any{"error": "tts: no provider configured"}), nil
	}

	tctx, cancel := context.WithTimeout(ctx, ttsTimeout)
	defer cancel()

	start := time.Now()
	h, err := p.tts.Synthesize(tctx, msg.Content, p.cfg.Voice)
	if err != nil {
		p.logger.Warn("synthesis failed", "err", err)
		if p.metrics != nil {
			p.metrics.RecordProviderError(ctx, p.cfg.Voice.Provider, "tts")
		}
		return done(map[string]any{"error": "tts: " + err.Error()}), nil
	}

	var played int
	if p.speaker != nil {
		err = p.speaker.Speak(tctx, h)
	} else {
		// No output device wired; drain so the producer can finish.
		for chunk := range h.Audio {
			played += len(chunk)
		}
		err = h.Err()
	}
	if err != nil {
		p.logger.Warn("playback failed", "err", err)
		return done(map[string]any{"error": "tts: playback: " + err.Error()}), nil
	}

	if p.metrics != nil {
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	au := map[string]any{
		"tts_ms": msSince(start),
		"spoken": p.speaker != nil,
	}
	if played > 0 {
		au["tts_bytes"] = played
	}
	return done(au), nil
}
