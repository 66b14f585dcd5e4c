package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/antiphon-ai/antiphon/internal/flow"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/vad"
)

// maxUtteranceBytes caps a buffered utterance at one minute of 16 kHz
// 16-bit mono. A stuck-open VAD must not grow the buffer without bound.
const maxUtteranceBytes = 16000 * 2 * 60

// turnQueueDepth bounds how many finished utterances may wait while a
// turn is in flight.
const turnQueueDepth = 4

// speaker plays synthesized utterances through the shared Player and
// blocks until playback of each finishes. Before a Player is attached
// (headless mode, or startup) it drains handles silently so the pipeline
// never stalls on audio.
type speaker struct {
	logger *slog.Logger

	mu     sync.Mutex
	player *audio.Player
	done   map[string]chan struct{}
}

func newSpeaker(logger *slog.Logger) *speaker {
	return &speaker{logger: logger, done: make(map[string]chan struct{})}
}

func (sp *speaker) attach(p *audio.Player) {
	sp.mu.Lock()
	sp.player = p
	sp.mu.Unlock()
	p.OnEvent(func(ev audio.PlaybackEvent) {
		if ev.Type != audio.PlaybackCompleted && ev.Type != audio.PlaybackInterrupted {
			return
		}
		sp.mu.Lock()
		if ch, ok := sp.done[ev.UtteranceID]; ok {
			close(ch)
			delete(sp.done, ev.UtteranceID)
		}
		sp.mu.Unlock()
	})
}

// Speak enqueues h and waits for its PlaybackCompleted or
// PlaybackInterrupted event. An interrupt is not an error; barge-in is a
// normal end of playback.
func (sp *speaker) Speak(ctx context.Context, h *audio.Handle) error {
	sp.mu.Lock()
	p := sp.player
	if p == nil {
		sp.mu.Unlock()
		audio.Drain(h.Audio)
		return h.Err()
	}
	ch := make(chan struct{})
	sp.done[h.ID] = ch
	sp.mu.Unlock()

	p.Enqueue(h)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		sp.mu.Lock()
		delete(sp.done, h.ID)
		sp.mu.Unlock()
		return ctx.Err()
	}
}

// speaking reports whether an utterance is playing or queued.
func (sp *speaker) speaking() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.player != nil && len(sp.done) > 0
}

// interrupt cuts current playback, if any. Unconditional: the player may
// still be draining an utterance whose Speak already returned.
func (sp *speaker) interrupt() {
	sp.mu.Lock()
	p := sp.player
	sp.mu.Unlock()
	if p != nil {
		p.Interrupt()
	}
}

// utterance is one VAD-segmented stretch of speech waiting to become a
// turn.
type utterance struct {
	pcm        []byte
	sampleRate int
	channels   int
}

// captureLoop segments the microphone stream into utterances with the VAD
// engine and queues each finished utterance for the turn worker. Frame
// reading and turn processing are separate goroutines (run and runTurns)
// so speech arriving mid-turn is still segmented, which is what makes
// barge-in observable at all.
type captureLoop struct {
	app     *App
	session audio.Session
	vad     vad.SessionHandle
	logger  *slog.Logger

	turns chan utterance

	// Segmentation state, owned by run's goroutine.
	utterance  []byte
	sampleRate int
	channels   int
	speaking   bool

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

func newCaptureLoop(a *App, session audio.Session) (*captureLoop, error) {
	if a.providers.VAD == nil {
		return nil, errNoVAD
	}
	handle, err := a.providers.VAD.NewSession(vad.Config{
		SampleRate:       a.cfg.Voice.SampleRate,
		FrameSizeMs:      a.cfg.Voice.FrameSizeMs,
		SpeechThreshold:  a.cfg.Activation.EnergyThreshold,
		SilenceThreshold: a.cfg.Voice.SilenceThreshold,
	})
	if err != nil {
		return nil, err
	}
	return &captureLoop{
		app:     a,
		session: session,
		vad:     handle,
		logger:  a.logger,
		turns:   make(chan utterance, turnQueueDepth),
	}, nil
}

func (c *captureLoop) run(ctx context.Context) {
	defer c.vad.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.session.Input():
			if !ok {
				c.logger.Info("audio input closed, capture loop exiting")
				return
			}
			c.processFrame(frame)
		}
	}
}

func (c *captureLoop) processFrame(frame audio.Frame) {
	ev, err := c.vad.ProcessFrame(frame.Data)
	if err != nil {
		c.logger.Warn("vad frame rejected", "error", err)
		return
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		c.bargeIn()
		c.speaking = true
		c.utterance = append(c.utterance[:0], frame.Data...)
		c.sampleRate = frame.SampleRate
		c.channels = frame.Channels
	case vad.VADSpeechContinue:
		if !c.speaking {
			return
		}
		if len(c.utterance)+len(frame.Data) > maxUtteranceBytes {
			c.logger.Warn("utterance exceeds buffer cap, forcing end",
				"bytes", len(c.utterance))
			c.finishUtterance()
			return
		}
		c.utterance = append(c.utterance, frame.Data...)
	case vad.VADSpeechEnd:
		if !c.speaking {
			return
		}
		c.utterance = append(c.utterance, frame.Data...)
		c.finishUtterance()
	}
}

// bargeIn handles the user talking over the assistant: cancel the
// in-flight turn so its results are discarded rather than committed, then
// cut playback. The cancel must land before playback is released or the
// freed turn could commit first. Speech while nothing is playing is just
// the next utterance.
func (c *captureLoop) bargeIn() {
	if !c.app.speaker.speaking() {
		return
	}
	c.logger.Info("barge-in, interrupting playback")
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.mu.Unlock()
	c.app.speaker.interrupt()
}

// finishUtterance snapshots the buffered speech and queues it for the
// turn worker. A full queue drops the utterance rather than stalling
// frame capture.
func (c *captureLoop) finishUtterance() {
	pcm := make([]byte, len(c.utterance))
	copy(pcm, c.utterance)
	c.speaking = false
	c.utterance = c.utterance[:0]
	c.vad.Reset()

	select {
	case c.turns <- utterance{pcm: pcm, sampleRate: c.sampleRate, channels: c.channels}:
	default:
		c.logger.Warn("turn queue full, dropping utterance", "bytes", len(pcm))
	}
}

// runTurns consumes queued utterances one at a time.
func (c *captureLoop) runTurns(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.turns:
			c.runTurn(ctx, u)
		}
	}
}

func (c *captureLoop) runTurn(parent context.Context, u utterance) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelTurn = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelTurn = nil
		c.mu.Unlock()
		cancel()
	}()

	payload := map[string]any{
		flow.KeyInputPCM:   u.pcm,
		flow.KeySampleRate: u.sampleRate,
		flow.KeyChannels:   u.channels,
	}

	// Wake-phrase scanning happens before the pipeline's STT node runs,
	// so in wake-word mode the utterance is transcribed here.
	if c.app.cfg.Activation.Mode == state.ModeWakeWord && c.app.stt != nil {
		tr, err := c.app.stt.Transcribe(ctx, audio.Frame{
			Data:       u.pcm,
			SampleRate: u.sampleRate,
			Channels:   u.channels,
		})
		if err != nil {
			c.logger.Warn("wake transcription failed", "error", err)
		} else {
			payload = map[string]any{flow.KeyTranscript: tr.Text}
		}
	}

	out, err := c.app.conv.RunTurn(ctx, payload)
	switch {
	case err == nil:
		if msg, ok := out.LastMessage(state.RoleAssistant); ok {
			c.logger.Info("turn complete", "response_chars", len(msg.Content))
		}
	case errors.Is(err, context.Canceled) && parent.Err() == nil:
		// Barge-in cut the turn short; nothing was committed.
		c.logger.Info("turn interrupted by new speech")
	default:
		c.logger.Error("turn failed", "error", err)
	}
}

var errNoVAD = errNoProvider("voice activity detection")

type errNoProvider string

func (e errNoProvider) Error() string {
	return "audio capture requires a " + string(e) + " provider"
}
