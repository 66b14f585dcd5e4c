package transcript_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/transcript"
	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	llmmock "github.com/antiphon-ai/antiphon/pkg/provider/llm/mock"
	sttmock "github.com/antiphon-ai/antiphon/pkg/provider/stt/mock"
)

func TestMatcher(t *testing.T) {
	t.Parallel()

	vocab := []string{"Piper", "ElevenLabs", "Whisper"}
	m := transcript.NewMatcher()

	tests := []struct {
		span     string
		wantTerm string
		wantOK   bool
	}{
		{"pyper", "Piper", true},
		{"wisper", "Whisper", true},
		{"piper", "Piper", true},
		{"eleven labs", "ElevenLabs", true},
		{"banana", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.span, func(t *testing.T) {
			term, score, ok := m.Match(tt.span, vocab)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.span, ok, tt.wantOK)
			}
			if !ok {
				if term != tt.span || score != 0 {
					t.Errorf("miss must return the span unchanged with score 0, got %q %v", term, score)
				}
				return
			}
			if term != tt.wantTerm {
				t.Errorf("Match(%q) = %q, want %q", tt.span, term, tt.wantTerm)
			}
			if score <= 0 || score > 1 {
				t.Errorf("score %v out of range", score)
			}
		})
	}
}

func TestCorrectorPhoneticStage(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector([]string{"Piper", "Whisper"})

	res, err := c.Correct(context.Background(), "switch to the pyper voice", 0.9)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Text != "switch to the Piper voice" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Corrections) != 1 {
		t.Fatalf("corrections = %+v, want exactly one", res.Corrections)
	}
	corr := res.Corrections[0]
	if corr.Heard != "pyper" || corr.Applied != "Piper" || corr.Stage != transcript.StagePhonetic {
		t.Errorf("correction = %+v", corr)
	}
}

func TestCorrectorLeavesCleanTextAlone(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector([]string{"Piper"})

	for _, text := range []string{"hello there", "the piper voice", ""} {
		res, err := c.Correct(context.Background(), text, 0.9)
		if err != nil {
			t.Fatalf("Correct(%q): %v", text, err)
		}
		if len(res.Corrections) != 0 {
			t.Errorf("Correct(%q) produced corrections: %+v", text, res.Corrections)
		}
	}
}

func TestCorrectorEmptyVocabulary(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector(nil)
	res, err := c.Correct(context.Background(), "anything at all", 0.2)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Text != "anything at all" || len(res.Corrections) != 0 {
		t.Errorf("empty vocabulary must pass through, got %+v", res)
	}
}

func TestCorrectorLLMStage(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"text": "schedule the Kubernetes upgrade", "changes": [` +
				`{"heard": "carbonates", "applied": "Kubernetes", "confidence": 0.9}]}`,
		},
	}
	c := transcript.NewCorrector([]string{"Kubernetes"},
		transcript.WithLLM(provider),
		transcript.WithLLMThreshold(0.85),
	)

	res, err := c.Correct(context.Background(), "schedule the carbonates upgrade", 0.4)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Text != "schedule the Kubernetes upgrade" {
		t.Errorf("text = %q", res.Text)
	}
	found := false
	for _, corr := range res.Corrections {
		if corr.Stage == transcript.StageLLM && corr.Applied == "Kubernetes" {
			found = true
		}
	}
	if !found {
		t.Errorf("no llm correction recorded: %+v", res.Corrections)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("llm called %d times, want 1", len(provider.CompleteCalls))
	}
	if !strings.Contains(provider.CompleteCalls[0].Req.SystemPrompt, "Kubernetes") {
		t.Error("vocabulary missing from the review prompt")
	}
}

func TestCorrectorLLMSkippedOnHighConfidence(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	c := transcript.NewCorrector([]string{"Kubernetes"},
		transcript.WithLLM(provider),
		transcript.WithLLMThreshold(0.85),
	)

	if _, err := c.Correct(context.Background(), "nothing to see here", 0.95); err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("llm called %d times on a confident transcription", len(provider.CompleteCalls))
	}
}

func TestCorrectorRevertsUndeclaredEdits(t *testing.T) {
	t.Parallel()

	// The model fixed the vocabulary term but also rewrote an ordinary
	// word without declaring it. Only the declared change may survive.
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"text": "kindly schedule the Kubernetes upgrade", "changes": [` +
				`{"heard": "carbonates", "applied": "Kubernetes", "confidence": 0.9}]}`,
		},
	}
	c := transcript.NewCorrector([]string{"Kubernetes"}, transcript.WithLLM(provider))

	res, err := c.Correct(context.Background(), "please schedule the carbonates upgrade", 0.4)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Text != "please schedule the Kubernetes upgrade" {
		t.Errorf("text = %q, undeclared edit was not reverted", res.Text)
	}
}

func TestCorrectorLLMFailureDegrades(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteErr: errors.New("endpoint down")}
	c := transcript.NewCorrector([]string{"Kubernetes"}, transcript.WithLLM(provider))

	res, err := c.Correct(context.Background(), "schedule the carbonates upgrade", 0.4)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Text != "schedule the carbonates upgrade" {
		t.Errorf("text = %q, want the input unchanged", res.Text)
	}
}

func TestCorrectingProvider(t *testing.T) {
	t.Parallel()

	inner := &sttmock.Provider{}
	inner.Result.Text = "switch to the pyper voice"
	inner.Result.Confidence = 0.9

	p := transcript.NewCorrectingProvider(inner,
		transcript.NewCorrector([]string{"Piper"}), nil)

	tr, err := p.Transcribe(context.Background(), audio.Frame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "switch to the Piper voice" {
		t.Errorf("text = %q", tr.Text)
	}
}

func TestCorrectingProviderPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("decoder crashed")
	inner := &sttmock.Provider{Err: boom}
	p := transcript.NewCorrectingProvider(inner,
		transcript.NewCorrector([]string{"Piper"}), nil)

	if _, err := p.Transcribe(context.Background(), audio.Frame{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the provider error", err)
	}
}
