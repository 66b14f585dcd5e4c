// Package runtime defines the contract for locally hosted text-generation
// models. Implementations live in subpackages (e.g. ollama); a mock for tests
// is available in the mock subpackage.
//
// A runtime is the raw token producer the local track controller drives. It
// knows nothing about chat message formats: callers hand it a fully formatted
// prompt string and receive raw model output back. Prompt templating and
// assistant-span extraction happen one layer up.
package runtime

import "context"

// Params are the sampling parameters for a single generation call.
// Zero values mean "use the runtime's default".
type Params struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Stop          []string
}

// Tuning holds the performance knobs a scheduler may apply to a runtime.
// Zero values leave the corresponding runtime default untouched.
type Tuning struct {
	Threads       int
	BatchSize     int
	ContextLength int
	GPULayers     int
	LowVRAM       bool
}

// Chunk is one streamed fragment of generated text.
//
// CompletionTokens is cumulative and never decreases across the chunks of a
// single call. The final chunk has Done=true and carries FinishReason (e.g.
// "stop", "length"), the prompt token count, and the authoritative completion
// token count. When generation fails after the stream opened, the final chunk
// has FinishReason "error" and a non-nil Err; any Text already delivered is
// valid partial output.
type Chunk struct {
	Text             string
	Done             bool
	FinishReason     string
	Err              error
	PromptTokens     int
	CompletionTokens int
}

// Info describes a loaded model. Fields the runtime cannot determine are left
// at their zero value.
type Info struct {
	Model         string // runtime-specific model identifier
	Family        string // architecture family, e.g. "llama", "mistral"
	ParameterSize string // e.g. "8.0B"
	Quantization  string // e.g. "Q4_K_M"
	ContextWindow int
}

// Stats reports the runtime's current resource usage for the model.
type Stats struct {
	Loaded     bool
	ResidentMB float64
	VRAMMB     float64
}

// Model is a locally hosted generation model.
//
// Implementations must be safe for concurrent use, but callers should assume
// a single inference at a time performs best and serialize Generate calls
// themselves.
type Model interface {
	// Load makes the model resident and populates Info. Calling Load on an
	// already loaded model is a no-op.
	Load(ctx context.Context) error

	// Generate streams a completion for an already formatted prompt. The
	// returned channel is closed after the final chunk. Cancelling ctx stops
	// generation; the stream then ends without a Done chunk.
	Generate(ctx context.Context, prompt string, p Params) (<-chan Chunk, error)

	// Tune applies performance knobs. Takes effect on subsequent Generate
	// calls (and on the next Load for knobs that require a reload).
	Tune(t Tuning)

	// Info reports model metadata. Zero-valued before Load succeeds.
	Info() Info

	// Stats reports current resource usage. Implementations backed by an
	// external server may need a round trip.
	Stats(ctx context.Context) (Stats, error)

	// Close releases model resources. The Model is unusable afterwards until
	// Load is called again.
	Close() error
}
