package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/antiphon-ai/antiphon/pkg/provider/tts"
	ttsmock "github.com/antiphon-ai/antiphon/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("voice server down")}
	secondary := &ttsmock.Provider{}

	fb := NewTTSFallback(primary, "piper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs", secondary)

	h, err := fb.Synthesize(context.Background(), "good morning", tts.Voice{ID: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h == nil {
		t.Fatal("handle is nil")
	}
	if len(primary.Calls) != 1 || len(secondary.Calls) != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", len(primary.Calls), len(secondary.Calls))
	}
}

func TestTTSFallback_ListVoices_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Voices: []tts.Voice{{ID: "alloy"}, {ID: "sage"}}}
	secondary := &ttsmock.Provider{ListVoicesErr: errors.New("unreachable")}

	fb := NewTTSFallback(primary, "piper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("down")}
	secondary := &ttsmock.Provider{Err: errors.New("also down")}

	fb := NewTTSFallback(primary, "piper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs", secondary)

	_, err := fb.Synthesize(context.Background(), "hello", tts.Voice{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}
