// Package whisper implements stt.Provider using the whisper.cpp Go bindings
// (CGO). The whisper.cpp static library (libwhisper.a) and headers (whisper.h)
// must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH
// environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultLanguage = "en"

	// Whisper models are trained on 16 kHz mono input; everything else is
	// converted to this rate before inference.
	modelSampleRate = 16000
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements stt.Provider backed by a local whisper.cpp model. The
// model is loaded once in New and shared by all concurrent Transcribe calls;
// each call runs inference on its own whisper context.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New loads the whisper.cpp model from the given file path. The caller must
// call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Transcribe must not be called after Close.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper inference over the complete utterance in frame.
//
// The audio is down-mixed to mono and resampled to 16 kHz before inference.
// ctx is honoured on entry only: once inference has been handed to the native
// library it runs to completion. Transcription.Confidence is always zero
// because the bindings do not expose a usable whole-utterance confidence.
func (p *Provider) Transcribe(ctx context.Context, frame audio.Frame) (stt.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcription{}, fmt.Errorf("whisper: %w", err)
	}
	if len(frame.Data) < 2 {
		return stt.Transcription{Language: p.language}, nil
	}

	samples := samplesForModel(frame)

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines, so a fresh context is created per inference.
	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcription{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using model default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Transcription{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts    []string
		segments []stt.Segment
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcription{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, stt.Segment{
			Text:  text,
			Start: segment.Start,
			End:   segment.End,
		})
	}

	return stt.Transcription{
		Text:     strings.Join(parts, " "),
		Segments: segments,
		Language: p.language,
	}, nil
}
