// Package flow assembles the turn pipeline: the graph of nodes that takes a
// captured utterance from activation gating through transcription, memory
// retrieval, routing, one or both generation tracks, integration, speech
// synthesis, and memory persistence.
//
// Nodes are total: every recoverable failure is written into the turn state
// (processing.*, audio.error, memory.*_status) and the walk continues, so a
// dead provider degrades the answer instead of killing the turn. The only
// hard dependencies are the router and the integrator; everything else is
// optional and the pipeline adapts to what is wired.
package flow

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/antiphon-ai/antiphon/internal/graph"
	"github.com/antiphon-ai/antiphon/internal/integrate"
	"github.com/antiphon-ai/antiphon/internal/observe"
	"github.com/antiphon-ai/antiphon/internal/optimize"
	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/memory"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts"
	"github.com/antiphon-ai/antiphon/pkg/provider/wakeword"
)

// Node names, in pipeline order.
const (
	NodeCheckActivation = "check_activation"
	NodeSTT             = "stt"
	NodeRetrieveMemory  = "retrieve_memory"
	NodeRouter          = "router"
	NodeLocal           = "local_processing"
	NodeAPI             = "api_processing"
	NodeTracks          = "tracks_parallel"
	NodeIntegration     = "integration"
	NodeTTS             = "tts"
	NodeStoreMemory     = "store_memory"
	NodeSummarize       = "summarize_memory"
	NodePrune           = "prune_memory"
)

// State keys the embedding application writes before a run. The capture
// loop stores the utterance under KeyInputPCM (with KeySampleRate and
// KeyChannels describing its format) or, when it has already transcribed,
// under KeyTranscript. KeyConversationID groups the run's checkpoints and
// memory writes.
const (
	KeyInputPCM       = "input_pcm"
	KeySampleRate     = "sample_rate"
	KeyChannels       = "channels"
	KeyTranscript     = "transcript"
	KeyConversationID = "conversation_id"
)

// Track runs one generation attempt against a model. Both
// [github.com/antiphon-ai/antiphon/internal/track/local.Controller] and
// [github.com/antiphon-ai/antiphon/internal/track/remote.Controller]
// satisfy it.
type Track interface {
	Generate(ctx context.Context, messages []llm.Message, p track.Params) track.Response
}

// TrackFunc adapts a function to the Track interface.
type TrackFunc func(ctx context.Context, messages []llm.Message, p track.Params) track.Response

func (f TrackFunc) Generate(ctx context.Context, messages []llm.Message, p track.Params) track.Response {
	return f(ctx, messages, p)
}

// Speaker plays one synthesized utterance to completion, draining the
// handle's audio channel.
type Speaker interface {
	Speak(ctx context.Context, h *audio.Handle) error
}

// SpeakerFunc adapts a function to the Speaker interface.
type SpeakerFunc func(ctx context.Context, h *audio.Handle) error

func (f SpeakerFunc) Speak(ctx context.Context, h *audio.Handle) error {
	return f(ctx, h)
}

// Deps are the pipeline's collaborators. Router and Integrator are
// required, as is at least one of Local and API. Everything else may be
// nil; the affected nodes then record a status and pass through.
type Deps struct {
	Router     *router.Router
	Local      Track
	API        Track
	Integrator *integrate.Integrator
	Memory     memory.Engine
	STT        stt.Provider
	TTS        tts.Provider
	Speaker    Speaker
	Wake       *wakeword.TextMatcher
	Optimizer  *optimize.Optimizer
	Metrics    *observe.Metrics

	// Save checkpoints the state after every merged node.
	Save graph.SaveFunc

	Logger *slog.Logger
}

// Config carries the per-pipeline tuning. Zero values select defaults.
type Config struct {
	// LocalParams and APIParams are the generation parameters handed to
	// the respective track.
	LocalParams track.Params
	APIParams   track.Params

	// SystemPrompt is prepended to every generation, before any retrieved
	// memory context.
	SystemPrompt string

	// Voice selects the synthesis voice.
	Voice tts.Voice

	// LocalTimeout and APITimeout bound a single track call when neither
	// the optimizer nor the turn config suggests a deadline.
	// Defaults: 3s local, 10s API.
	LocalTimeout time.Duration
	APITimeout   time.Duration

	// ActivationTimeout is the follow-up window in wake-word mode: a
	// LISTENING state older than this drops back to INACTIVE and the wake
	// phrase is required again. Zero means the window never expires.
	ActivationTimeout time.Duration

	// MaxRelevantMemories caps each retrieval category. Default: 5.
	MaxRelevantMemories int

	// MemoryTokenCap bounds the estimated token footprint of retrieved
	// context; lowest-scored snippets are dropped first. Zero disables
	// the cap.
	MemoryTokenCap int
}

const (
	defaultLocalTimeout = 3 * time.Second
	defaultAPITimeout   = 10 * time.Second
	defaultMaxRelevant  = 5

	// minAcceptableTokens is the staged-escalation floor applied when the
	// turn config does not set one.
	minAcceptableTokens = 24

	// defaultKeepRecent is how many exchanges summarization preserves
	// when the turn config does not set a count.
	defaultKeepRecent = 4
)

// Pipeline builds and owns the turn graph. Safe for concurrent runs once
// built.
type Pipeline struct {
	router     *router.Router
	local      Track
	api        Track
	integrator *integrate.Integrator
	memory     memory.Engine
	stt        stt.Provider
	tts        tts.Provider
	speaker    Speaker
	wake       *wakeword.TextMatcher
	opt        *optimize.Optimizer
	metrics    *observe.Metrics
	save       graph.SaveFunc
	logger     *slog.Logger
	cfg        Config
}

// New validates deps and returns a pipeline ready to Build.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Router == nil {
		return nil, errors.New("flow: router is required")
	}
	if deps.Integrator == nil {
		return nil, errors.New("flow: integrator is required")
	}
	if deps.Local == nil && deps.API == nil {
		return nil, errors.New("flow: at least one generation track is required")
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = defaultLocalTimeout
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = defaultAPITimeout
	}
	if cfg.MaxRelevantMemories <= 0 {
		cfg.MaxRelevantMemories = defaultMaxRelevant
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		router:     deps.Router,
		local:      deps.Local,
		api:        deps.API,
		integrator: deps.Integrator,
		memory:     deps.Memory,
		stt:        deps.STT,
		tts:        deps.TTS,
		speaker:    deps.Speaker,
		wake:       deps.Wake,
		opt:        deps.Optimizer,
		metrics:    deps.Metrics,
		save:       deps.Save,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// Build compiles the turn graph.
//
// The parallel pair is guarded by twice the larger track timeout so a hung
// branch cannot stall the join; integration then runs with whatever
// responses exist.
func (p *Pipeline) Build() (*graph.Engine, error) {
	opts := []graph.Option{graph.WithLogger(p.logger)}
	if p.save != nil {
		opts = append(opts, graph.WithSave(p.save))
	}

	b := graph.New(opts...)
	b.AddNode(NodeCheckActivation, p.checkActivation).
		AddNode(NodeSTT, p.sttNode).
		AddNode(NodeRetrieveMemory, p.retrieveMemory).
		AddNode(NodeRouter, p.routerNode).
		AddNode(NodeLocal, p.localNode).
		AddNode(NodeAPI, p.apiNode).
		AddNode(NodeIntegration, p.integrationNode).
		AddNode(NodeTTS, p.ttsNode).
		AddNode(NodeStoreMemory, p.storeMemory).
		AddNode(NodeSummarize, p.summarizeMemory).
		AddNode(NodePrune, p.pruneMemory)

	b.AddParallel(NodeTracks, []string{NodeLocal, NodeAPI}, NodeIntegration, p.guard())

	b.SetEntry(NodeCheckActivation)
	b.AddConditionalEdges(NodeCheckActivation, p.shouldProcess,
		map[string]string{"continue": NodeSTT, "end": graph.End}, "end")
	b.AddConditionalEdges(NodeSTT, p.afterSTT,
		map[string]string{"continue": NodeRetrieveMemory, "end": graph.End}, "end")
	b.AddEdge(NodeRetrieveMemory, NodeRouter)
	b.AddConditionalEdges(NodeRouter, p.pathLabel,
		map[string]string{
			"local":    NodeLocal,
			"api":      NodeAPI,
			"parallel": NodeTracks,
			"staged":   NodeLocal,
		}, "parallel")
	b.AddConditionalEdges(NodeLocal, p.afterLocal,
		map[string]string{"integrate": NodeIntegration, "escalate": NodeAPI}, "integrate")
	b.AddEdge(NodeAPI, NodeIntegration)
	b.AddConditionalEdges(NodeIntegration, p.afterIntegration,
		map[string]string{"synthesize": NodeTTS, "store": NodeStoreMemory, "skip": NodePrune}, "skip")
	b.AddConditionalEdges(NodeTTS, p.shouldUpdateMemory,
		map[string]string{"update": NodeStoreMemory, "skip": NodePrune}, "skip")
	b.AddConditionalEdges(NodeStoreMemory, p.shouldSummarize,
		map[string]string{"summarize": NodeSummarize, "continue": NodePrune}, "continue")
	b.AddEdge(NodeSummarize, NodePrune)
	b.AddEdge(NodePrune, graph.End)

	return b.Compile()
}

// guard is the turn-level bound on the parallel track pair.
func (p *Pipeline) guard() time.Duration {
	g := p.cfg.LocalTimeout
	if p.cfg.APITimeout > g {
		g = p.cfg.APITimeout
	}
	return 2 * g
}

// localTimeout resolves the local track deadline for this turn: the
// optimizer's suggestion, then the turn config, then the pipeline default.
func (p *Pipeline) localTimeout(s state.State) time.Duration {
	if ms := suggestedTimeoutMS(s, "local_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if ms := s.Config.LocalTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return p.cfg.LocalTimeout
}

func (p *Pipeline) apiTimeout(s state.State) time.Duration {
	if ms := suggestedTimeoutMS(s, "api_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if ms := s.Config.APITimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return p.cfg.APITimeout
}

// ─── State map accessors ───

func audioString(s state.State, key string) string {
	v, _ := s.Audio[key].(string)
	return v
}

// audioBytes reads a PCM payload. Fresh states hold []byte; a state that
// went through a JSON round trip holds the base64 form encoding/json
// produced, so both are accepted.
func audioBytes(s state.State, key string) []byte {
	switch v := s.Audio[key].(type) {
	case []byte:
		return v
	case string:
		if v == "" {
			return nil
		}
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}

func audioInt(s state.State, key string, def int) int {
	if n := asInt(s.Audio[key]); n > 0 {
		return n
	}
	return def
}

func memoryHistory(s state.State) []any {
	v, _ := s.Memory["conversation_history"].([]any)
	return v
}

func memoryInt(s state.State, key string) int {
	return asInt(s.Memory[key])
}

func suggestedTimeoutMS(s state.State, key string) int {
	m, _ := s.Processing["timeouts"].(map[string]any)
	if m == nil {
		return 0
	}
	return asInt(m[key])
}

// turnStart parses processing.start_time. Zero time when absent or
// malformed.
func turnStart(s state.State) time.Time {
	raw := s.ProcessingString("start_time")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// estimateTokens is the rough 4-chars-per-token heuristic used for memory
// context budgeting.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
