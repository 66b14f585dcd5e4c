// Package remote implements the hosted-API generation track. A Controller
// wraps an llm.Provider with bounded concurrency, retry with exponential
// backoff on transient faults, and cost accounting, and reports outcomes as
// track.Response values.
//
// The controller is stateless per call: no session is shared between
// requests beyond the concurrency semaphore.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/resilience"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

// Config holds tuning knobs for a Controller.
type Config struct {
	// Model is the model identifier used for cost lookups.
	Model string

	// MaxRetries is the number of retries after the first attempt for
	// transient faults. Zero applies the default of 2; negative disables
	// retries.
	MaxRetries int

	// BaseBackoff is the delay before the first retry. Default: 250ms.
	BaseBackoff time.Duration

	// MaxConcurrent caps outstanding API calls. Default: 4.
	MaxConcurrent int64

	// DefaultTimeout bounds calls whose context carries no deadline.
	// Default: 30s. The deadline covers total wall time including retries.
	DefaultTimeout time.Duration
}

// Controller drives one hosted model endpoint. Safe for concurrent use.
type Controller struct {
	provider llm.Provider
	cfg      Config
	prices   PriceTable
	sem      *semaphore.Weighted
	backoff  resilience.Backoff
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithPriceTable replaces the default price table.
func WithPriceTable(t PriceTable) Option {
	return func(c *Controller) {
		c.prices = t
	}
}

// New creates a Controller around provider. Zero-value config fields are
// replaced with defaults.
func New(provider llm.Provider, cfg Config, opts ...Option) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	c := &Controller{
		provider: provider,
		cfg:      cfg,
		prices:   DefaultPriceTable(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		backoff:  resilience.Backoff{Base: cfg.BaseBackoff},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Generate runs one completion and returns the outcome as a value. Transient
// faults (network, 5xx, rate limits) are retried with exponential backoff up
// to the configured budget; auth and validation failures are not. The
// context deadline bounds total wall time including retries.
func (c *Controller) Generate(ctx context.Context, messages []llm.Message, p track.Params) track.Response {
	start := time.Now()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DefaultTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return c.failure(classifyCtx(ctx), start)
	}
	defer c.sem.Release(1)

	req := llm.CompletionRequest{
		Messages:     messages,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		SystemPrompt: p.SystemPrompt,
	}

	attempt := 0
	for {
		resp, err := c.provider.Complete(ctx, req)
		if err == nil {
			return c.success(resp, start)
		}

		kind := classify(err)
		if ctx.Err() != nil {
			// Total budget exhausted; the per-attempt kind no longer matters.
			kind = classifyCtx(ctx)
			c.logger.Warn("api call abandoned", "kind", kind, "attempts", attempt+1, "err", err)
			return c.failure(kind, start)
		}
		if !kind.Transient() || attempt >= c.maxRetries() {
			c.logger.Warn("api call failed", "kind", kind, "attempts", attempt+1, "err", err)
			return c.failure(kind, start)
		}

		delay := c.backoff.Delay(attempt)
		attempt++
		c.logger.Warn("api call failed, retrying",
			"kind", kind,
			"attempt", attempt,
			"delay", delay,
			"err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return c.failure(classifyCtx(ctx), start)
		}
	}
}

// Stream opens a streaming completion. There is no retry wrapping: chunks
// flow as the provider delivers them, and mid-stream failures surface as a
// final chunk with FinishReason "error" per the provider contract. The
// concurrency slot is held until the returned channel closes.
func (c *Controller) Stream(ctx context.Context, messages []llm.Message, p track.Params) (<-chan llm.Chunk, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fault.Wrap(classifyCtx(ctx), "remote.stream", err)
	}

	chunks, err := c.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     messages,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		SystemPrompt: p.SystemPrompt,
	})
	if err != nil {
		c.sem.Release(1)
		return nil, fault.Wrap(classify(err), "remote.stream", err)
	}

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		defer c.sem.Release(1)
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

// Model returns the configured model identifier.
func (c *Controller) Model() string {
	return c.cfg.Model
}

func (c *Controller) maxRetries() int {
	switch {
	case c.cfg.MaxRetries > 0:
		return c.cfg.MaxRetries
	case c.cfg.MaxRetries < 0:
		return 0
	default:
		return 2
	}
}

func (c *Controller) success(resp *llm.CompletionResponse, start time.Time) track.Response {
	return track.Response{
		Content:      resp.Content,
		Success:      true,
		TokensUsed:   resp.Usage.TotalTokens,
		LatencyMS:    msSince(start),
		CostEstimate: c.prices.Cost(c.cfg.Model, resp.Usage),
		QualityScore: track.EstimateQuality(resp.Content, "stop"),
		FinishReason: "stop",
		Source:       track.SourceAPI,
	}
}

func (c *Controller) failure(kind fault.Kind, start time.Time) track.Response {
	reason := "error"
	switch kind {
	case fault.NetworkTimeout:
		reason = "timeout"
	case fault.Cancelled:
		reason = "cancelled"
	}
	return track.Response{
		Success:      false,
		ErrorKind:    kind,
		LatencyMS:    msSince(start),
		FinishReason: reason,
		Source:       track.SourceAPI,
	}
}

// classify maps a provider error onto the remote fault taxonomy. Providers
// that already attach a fault kind keep it; otherwise the transport error
// text decides.
func classify(err error) fault.Kind {
	if kind := fault.KindOf(err); kind != fault.Unknown {
		if kind == fault.Timeout {
			return fault.NetworkTimeout
		}
		return kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.NetworkTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"):
		return fault.RateLimited

	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission"):
		return fault.AuthFailed

	case strings.Contains(msg, "400"),
		strings.Contains(msg, "422"),
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "validation"):
		return fault.Validation

	case strings.Contains(msg, "empty choices"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "decode"),
		strings.Contains(msg, "unmarshal"):
		return fault.ResponseMalformed

	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return fault.NetworkTimeout

	default:
		// 5xx, connection failures, and anything unrecognized: assume the
		// service is briefly unhealthy so the retry budget applies.
		return fault.ServiceUnavailable
	}
}

// classifyCtx maps a finished context onto a fault kind.
func classifyCtx(ctx context.Context) fault.Kind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fault.Cancelled
	}
	return fault.NetworkTimeout
}

// msSince returns elapsed milliseconds as a float.
func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
