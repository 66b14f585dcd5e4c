// Package local implements the on-device generation track. A Controller
// wraps a runtime.Model with lazy loading, prompt formatting, single-flight
// inference, and deadline handling, and reports outcomes as track.Response
// values.
package local

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
)

// Controller drives one local model. Safe for concurrent use; inference is
// serialized internally so only one generation runs at a time.
type Controller struct {
	model          runtime.Model
	logger         *slog.Logger
	arch           string
	defaultTimeout time.Duration

	loadMu sync.Mutex
	loaded bool

	// genMu serializes inference. Held for the whole of a Generate call and
	// for the lifetime of a Stream.
	genMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithArchitecture overrides the prompt format architecture. When unset, the
// architecture is derived from the runtime's model info after load.
func WithArchitecture(arch string) Option {
	return func(c *Controller) {
		c.arch = arch
	}
}

// WithDefaultTimeout bounds calls whose context carries no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.defaultTimeout = d
	}
}

// New creates a Controller around model. The model is not loaded until the
// first generation call.
func New(model runtime.Model, opts ...Option) *Controller {
	c := &Controller{
		model:  model,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Generate runs one completion for the exchange and returns the outcome as a
// value. The context deadline is the wall-clock budget: on breach the call
// reports Success false with the Timeout kind and keeps whatever partial
// content was produced.
func (c *Controller) Generate(ctx context.Context, messages []llm.Message, p track.Params) track.Response {
	start := time.Now()

	if err := c.ensureLoaded(ctx); err != nil {
		kind := fault.KindOf(err)
		if kind == fault.Unknown {
			kind = fault.ModelInit
		}
		c.logger.Warn("local model load failed", "err", err)
		return track.Response{
			Success:      false,
			ErrorKind:    kind,
			LatencyMS:    msSince(start),
			FinishReason: "error",
			Source:       track.SourceLocal,
		}
	}

	f := c.formatter()
	prompt := f.Format(withSystem(messages, p.SystemPrompt))

	if c.defaultTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
			defer cancel()
		}
	}

	before, _ := c.model.Stats(ctx)

	c.genMu.Lock()
	defer c.genMu.Unlock()

	chunks, err := c.model.Generate(ctx, prompt, runtimeParams(p, f))
	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.Unknown {
			kind = fault.ModelGeneration
		}
		c.logger.Warn("local generation failed to start", "err", err)
		return track.Response{
			Success:      false,
			ErrorKind:    kind,
			LatencyMS:    msSince(start),
			FinishReason: "error",
			Source:       track.SourceLocal,
		}
	}

	var (
		sb               strings.Builder
		firstTokenMS     float64
		completionTokens int
		promptTokens     int
		finishReason     string
		genErr           error
		sawDone          bool
	)

consume:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break consume
			}
			if chunk.Text != "" {
				if firstTokenMS == 0 {
					firstTokenMS = msSince(start)
				}
				sb.WriteString(chunk.Text)
			}
			if chunk.CompletionTokens > completionTokens {
				completionTokens = chunk.CompletionTokens
			}
			if chunk.Done {
				sawDone = true
				finishReason = chunk.FinishReason
				promptTokens = chunk.PromptTokens
				genErr = chunk.Err
			}
		case <-ctx.Done():
			break consume
		}
	}

	content := f.Extract(sb.String())
	resp := track.Response{
		Content:       content,
		TokensUsed:    promptTokens + completionTokens,
		LatencyMS:     msSince(start),
		FirstTokenMS:  firstTokenMS,
		MemoryDeltaMB: c.memoryDelta(before),
		Source:        track.SourceLocal,
	}

	switch {
	case !sawDone && ctx.Err() != nil:
		resp.ErrorKind = fault.Timeout
		resp.FinishReason = "timeout"
		if errors.Is(ctx.Err(), context.Canceled) {
			resp.ErrorKind = fault.Cancelled
			resp.FinishReason = "cancelled"
		}
		c.logger.Warn("local generation aborted",
			"reason", resp.FinishReason,
			"partial_tokens", completionTokens)

	case genErr != nil:
		kind := fault.KindOf(genErr)
		if kind == fault.Unknown {
			kind = fault.ModelGeneration
		}
		resp.ErrorKind = kind
		resp.FinishReason = "error"
		c.logger.Warn("local generation failed",
			"err", genErr,
			"partial_tokens", completionTokens)

	case !sawDone:
		resp.ErrorKind = fault.ModelGeneration
		resp.FinishReason = "error"
		c.logger.Warn("local generation stream ended without completion")

	default:
		resp.Success = true
		resp.FinishReason = finishReason
		resp.QualityScore = track.EstimateQuality(content, finishReason)
	}

	return resp
}

// Stream yields raw incremental output for the exchange. Chunks follow the
// runtime contract (monotonic token counts, final chunk with finish reason);
// Text is uncleaned model output, so use Generate when only the final answer
// matters. The internal inference lock is held until the returned channel
// closes.
func (c *Controller) Stream(ctx context.Context, messages []llm.Message, p track.Params) (<-chan runtime.Chunk, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	f := c.formatter()
	prompt := f.Format(withSystem(messages, p.SystemPrompt))

	c.genMu.Lock()
	chunks, err := c.model.Generate(ctx, prompt, runtimeParams(p, f))
	if err != nil {
		c.genMu.Unlock()
		return nil, err
	}

	out := make(chan runtime.Chunk, 32)
	go func() {
		defer close(out)
		defer c.genMu.Unlock()
		for chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Tune forwards performance knobs to the underlying runtime.
func (c *Controller) Tune(t runtime.Tuning) {
	c.model.Tune(t)
}

// Info reports the loaded model's metadata. Zero-valued before first use.
func (c *Controller) Info() runtime.Info {
	return c.model.Info()
}

// Loaded reports whether the model has been loaded.
func (c *Controller) Loaded() bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loaded
}

// Close unloads the model after any in-flight inference finishes. The
// Controller reloads lazily if used again.
func (c *Controller) Close() error {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if !c.loaded {
		return nil
	}
	c.loaded = false
	return c.model.Close()
}

// ensureLoaded loads the model on first use.
func (c *Controller) ensureLoaded(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}
	c.logger.Info("loading local model")
	loadStart := time.Now()
	if err := c.model.Load(ctx); err != nil {
		return err
	}
	info := c.model.Info()
	c.logger.Info("local model loaded",
		"model", info.Model,
		"family", info.Family,
		"quantization", info.Quantization,
		"load_ms", msSince(loadStart))
	c.loaded = true
	return nil
}

// formatter resolves the prompt format from the configured architecture or
// the runtime's reported family.
func (c *Controller) formatter() Formatter {
	arch := c.arch
	if arch == "" {
		arch = c.model.Info().Family
	}
	return FormatterFor(arch)
}

// memoryDelta reports resident growth since the pre-call sample, floored at
// zero. Best-effort: a failed sample yields zero.
func (c *Controller) memoryDelta(before runtime.Stats) float64 {
	statsCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	after, err := c.model.Stats(statsCtx)
	if err != nil {
		return 0
	}
	if d := after.ResidentMB - before.ResidentMB; d > 0 {
		return d
	}
	return 0
}

// withSystem prepends a system message when the params carry one.
func withSystem(messages []llm.Message, system string) []llm.Message {
	if system == "" {
		return messages
	}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{Role: "system", Content: system})
	return append(out, messages...)
}

// runtimeParams maps track params onto the runtime, merging in the prompt
// format's stop sequences.
func runtimeParams(p track.Params, f Formatter) runtime.Params {
	return runtime.Params{
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		RepeatPenalty: p.RepeatPenalty,
		Stop:          mergeStops(f.Stop(), p.Stop),
	}
}

// msSince returns elapsed milliseconds as a float.
func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
