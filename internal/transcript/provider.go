package transcript

import (
	"context"
	"log/slog"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
)

// CorrectingProvider wraps an [stt.Provider] and runs every transcription
// through a [Corrector] before returning it. Correction failures are
// logged and the uncorrected transcription is returned; a bad vocabulary
// pass must never cost the user their utterance.
type CorrectingProvider struct {
	inner     stt.Provider
	corrector *Corrector
	logger    *slog.Logger
}

var _ stt.Provider = (*CorrectingProvider)(nil)

// NewCorrectingProvider wraps inner with c. logger may be nil.
func NewCorrectingProvider(inner stt.Provider, c *Corrector, logger *slog.Logger) *CorrectingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrectingProvider{inner: inner, corrector: c, logger: logger}
}

// Transcribe delegates to the wrapped provider and corrects the result.
func (p *CorrectingProvider) Transcribe(ctx context.Context, frame audio.Frame) (stt.Transcription, error) {
	tr, err := p.inner.Transcribe(ctx, frame)
	if err != nil {
		return tr, err
	}

	res, err := p.corrector.Correct(ctx, tr.Text, tr.Confidence)
	if err != nil {
		p.logger.Warn("transcript correction failed", "err", err)
		return tr, nil
	}
	if len(res.Corrections) > 0 {
		p.logger.Debug("transcript corrected",
			"original", tr.Text,
			"corrected", res.Text,
			"count", len(res.Corrections),
		)
	}
	tr.Text = res.Text
	return tr, nil
}
