// Package ollama implements the runtime.Model contract against a local
// Ollama server (https://ollama.com).
//
// Generation uses Ollama's native /api/generate endpoint in raw mode with
// NDJSON streaming, so prompts formatted upstream pass through without the
// server applying its own chat template. Model metadata comes from /api/show
// and live resource usage from /api/ps.
//
// Example usage:
//
//	m, err := ollama.New("", "llama3:8b") // connects to http://localhost:11434
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := m.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	chunks, err := m.Generate(ctx, prompt, runtime.Params{MaxTokens: 256})
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Model implements the runtime.Model interface at compile time.
var _ runtime.Model = (*Model)(nil)

// Model drives one named Ollama model. Safe for concurrent use; the server
// itself queues overlapping generate calls.
type Model struct {
	baseURL    string
	name       string
	keepAlive  string
	httpClient *http.Client

	mu     sync.Mutex
	tuning runtime.Tuning
	info   runtime.Info
	loaded bool
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout   time.Duration
	keepAlive time.Duration
	tuning    runtime.Tuning
}

// Option is a functional option for Model.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// It bounds metadata and unload calls; Generate streams are bounded by their
// context instead, so leave this generous or unset when streaming long
// completions. A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithKeepAlive controls how long the server keeps the model resident after
// a call. Zero (the default) uses the server's own default.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// WithTuning pre-sets performance knobs, as if Tune had been called.
func WithTuning(t runtime.Tuning) Option {
	return func(c *config) {
		c.tuning = t
	}
}

// New constructs a Model for the named Ollama model.
//
// baseURL is the base URL of the Ollama server; if empty, DefaultBaseURL is
// used. A trailing slash is stripped automatically. name is the Ollama model
// name (e.g. "llama3:8b") and must not be empty.
func New(baseURL string, name string, opts ...Option) (*Model, error) {
	if name == "" {
		return nil, fmt.Errorf("ollama runtime: model name must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	keepAlive := ""
	if cfg.keepAlive > 0 {
		keepAlive = cfg.keepAlive.String()
	}

	return &Model{
		baseURL:    baseURL,
		name:       name,
		keepAlive:  keepAlive,
		httpClient: httpClient,
		tuning:     cfg.tuning,
	}, nil
}

// showResponse is the subset of Ollama's /api/show response body we read.
type showResponse struct {
	Details struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
	ModelInfo map[string]any `json:"model_info"`
}

// generateRequest is the JSON request body for Ollama's /api/generate endpoint.
type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	Raw       bool           `json:"raw,omitempty"`
	Stream    *bool          `json:"stream,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// generateResponse is one NDJSON object from /api/generate. Mid-stream
// failures arrive as an object with only the error field set.
type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// psResponse is the /api/ps response body listing resident models.
type psResponse struct {
	Models []struct {
		Name     string `json:"name"`
		Model    string `json:"model"`
		Size     int64  `json:"size"`
		SizeVRAM int64  `json:"size_vram"`
	} `json:"models"`
}

// Load implements runtime.Model. It fetches model metadata via /api/show and
// issues a promptless generate call so the server makes the weights resident.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.loaded {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	info, err := m.show(ctx)
	if err != nil {
		return err
	}

	// A generate call without a prompt preloads the model and returns once
	// the weights are resident.
	body, err := json.Marshal(generateRequest{
		Model:     m.name,
		Stream:    boolPtr(false),
		KeepAlive: m.keepAlive,
	})
	if err != nil {
		return fault.Wrap(fault.ModelInit, "ollama.load", err)
	}
	resp, err := m.post(ctx, "/api/generate", body)
	if err != nil {
		return fault.Wrap(fault.ModelInit, "ollama.load", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ollama.load", fault.ModelInit, resp)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	m.mu.Lock()
	m.info = info
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// show fetches model metadata from /api/show.
func (m *Model) show(ctx context.Context) (runtime.Info, error) {
	body, err := json.Marshal(map[string]string{"model": m.name})
	if err != nil {
		return runtime.Info{}, fault.Wrap(fault.ModelInit, "ollama.show", err)
	}
	resp, err := m.post(ctx, "/api/show", body)
	if err != nil {
		return runtime.Info{}, fault.Wrap(fault.ModelInit, "ollama.show", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return runtime.Info{}, statusError("ollama.show", fault.ModelInit, resp)
	}

	var sr showResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return runtime.Info{}, fault.Wrap(fault.ModelInit, "ollama.show", err)
	}

	info := runtime.Info{
		Model:         m.name,
		Family:        sr.Details.Family,
		ParameterSize: sr.Details.ParameterSize,
		Quantization:  sr.Details.QuantizationLevel,
	}
	// Context length lives under "<architecture>.context_length" in model_info.
	if arch, ok := sr.ModelInfo["general.architecture"].(string); ok {
		if v, ok := sr.ModelInfo[arch+".context_length"].(float64); ok {
			info.ContextWindow = int(v)
		}
	}
	return info, nil
}

// Generate implements runtime.Model. The prompt passes through in raw mode;
// the server applies no chat template of its own.
func (m *Model) Generate(ctx context.Context, prompt string, p runtime.Params) (<-chan runtime.Chunk, error) {
	body, err := json.Marshal(generateRequest{
		Model:     m.name,
		Prompt:    prompt,
		Raw:       true,
		KeepAlive: m.keepAlive,
		Options:   m.options(p),
	})
	if err != nil {
		return nil, fault.Wrap(fault.ModelGeneration, "ollama.generate", err)
	}

	resp, err := m.post(ctx, "/api/generate", body)
	if err != nil {
		return nil, fault.Wrap(fault.ModelGeneration, "ollama.generate", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("ollama.generate", fault.ModelGeneration, resp)
	}

	ch := make(chan runtime.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		tokens := 0
		for {
			var gr generateResponse
			if err := dec.Decode(&gr); err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					// Cancelled, or the server went away without a done
					// object. Cancellation ends the stream silently per the
					// runtime contract.
					if ctx.Err() == nil {
						send(ctx, ch, runtime.Chunk{
							Done:             true,
							FinishReason:     "error",
							Err:              fault.New(fault.ModelGeneration, "ollama.generate", "stream ended before completion"),
							CompletionTokens: tokens,
						})
					}
					return
				}
				send(ctx, ch, runtime.Chunk{
					Done:             true,
					FinishReason:     "error",
					Err:              fault.Wrap(fault.ModelGeneration, "ollama.generate", err),
					CompletionTokens: tokens,
				})
				return
			}

			if gr.Error != "" {
				send(ctx, ch, runtime.Chunk{
					Done:             true,
					FinishReason:     "error",
					Err:              fault.New(generateKind(gr.Error), "ollama.generate", gr.Error),
					CompletionTokens: tokens,
				})
				return
			}

			if gr.Done {
				completion := gr.EvalCount
				if completion < tokens {
					completion = tokens
				}
				reason := gr.DoneReason
				if reason == "" {
					reason = "stop"
				}
				send(ctx, ch, runtime.Chunk{
					Done:             true,
					FinishReason:     reason,
					PromptTokens:     gr.PromptEvalCount,
					CompletionTokens: completion,
				})
				return
			}

			// Raw streaming emits one token per object.
			tokens++
			if !send(ctx, ch, runtime.Chunk{Text: gr.Response, CompletionTokens: tokens}) {
				return
			}
		}
	}()

	return ch, nil
}

// Tune implements runtime.Model. Knobs map onto Ollama request options
// (num_thread, num_batch, num_ctx, num_gpu, low_vram) on subsequent calls.
func (m *Model) Tune(t runtime.Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = t
}

// Info implements runtime.Model.
func (m *Model) Info() runtime.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Stats implements runtime.Model by querying /api/ps for resident models.
func (m *Model) Stats(ctx context.Context) (runtime.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/ps", nil)
	if err != nil {
		return runtime.Stats{}, fmt.Errorf("ollama runtime: stats: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return runtime.Stats{}, fmt.Errorf("ollama runtime: stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return runtime.Stats{}, fmt.Errorf("ollama runtime: stats: unexpected status %d", resp.StatusCode)
	}

	var ps psResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return runtime.Stats{}, fmt.Errorf("ollama runtime: stats: decode response: %w", err)
	}

	const mb = 1024 * 1024
	for _, entry := range ps.Models {
		if sameModel(entry.Name, m.name) || sameModel(entry.Model, m.name) {
			return runtime.Stats{
				Loaded:     true,
				ResidentMB: float64(entry.Size) / mb,
				VRAMMB:     float64(entry.SizeVRAM) / mb,
			}, nil
		}
	}
	return runtime.Stats{}, nil
}

// Close implements runtime.Model by asking the server to evict the model.
func (m *Model) Close() error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = false
	m.info = runtime.Info{}
	m.mu.Unlock()
	if !loaded {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// keep_alive 0 unloads immediately.
	body, err := json.Marshal(generateRequest{
		Model:     m.name,
		Stream:    boolPtr(false),
		KeepAlive: "0s",
	})
	if err != nil {
		return fmt.Errorf("ollama runtime: unload: %w", err)
	}
	resp, err := m.post(ctx, "/api/generate", body)
	if err != nil {
		return fmt.Errorf("ollama runtime: unload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama runtime: unload: unexpected status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// options builds the Ollama options map from sampling params and the current
// tuning. Returns nil when everything is at defaults.
func (m *Model) options(p runtime.Params) map[string]any {
	m.mu.Lock()
	t := m.tuning
	m.mu.Unlock()

	opts := map[string]any{}
	if p.MaxTokens > 0 {
		opts["num_predict"] = p.MaxTokens
	}
	if p.Temperature > 0 {
		opts["temperature"] = p.Temperature
	}
	if p.TopP > 0 {
		opts["top_p"] = p.TopP
	}
	if p.TopK > 0 {
		opts["top_k"] = p.TopK
	}
	if p.RepeatPenalty > 0 {
		opts["repeat_penalty"] = p.RepeatPenalty
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if t.Threads > 0 {
		opts["num_thread"] = t.Threads
	}
	if t.BatchSize > 0 {
		opts["num_batch"] = t.BatchSize
	}
	if t.ContextLength > 0 {
		opts["num_ctx"] = t.ContextLength
	}
	if t.GPULayers > 0 {
		opts["num_gpu"] = t.GPULayers
	}
	if t.LowVRAM {
		opts["low_vram"] = true
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// post sends a JSON POST request to the given API path.
func (m *Model) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return m.httpClient.Do(req)
}

// statusError turns a non-200 response into a classified fault, reading the
// server's error message from the body when present.
func statusError(op string, kind fault.Kind, resp *http.Response) error {
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		kind = fault.ModelNotFound
	} else if strings.Contains(msg, "memory") {
		kind = fault.ResourceExhausted
	}
	return fault.New(kind, op, msg)
}

// generateKind classifies a mid-stream server error message.
func generateKind(msg string) fault.Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "memory"):
		return fault.ResourceExhausted
	case strings.Contains(lower, "not found"):
		return fault.ModelNotFound
	default:
		return fault.ModelGeneration
	}
}

// sameModel compares Ollama model names, treating the implicit ":latest" tag
// as equal to the bare name.
func sameModel(a, b string) bool {
	return strings.TrimSuffix(a, ":latest") == strings.TrimSuffix(b, ":latest")
}

// send delivers a chunk unless ctx is cancelled first.
func send(ctx context.Context, ch chan<- runtime.Chunk, c runtime.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// boolPtr returns a pointer to b, for the Stream field of generateRequest.
func boolPtr(b bool) *bool {
	return &b
}
