// Package app assembles the assistant from its subsystems: the workflow
// graph, the local and API tracks, the memory engine, checkpointing, the
// optimizer, and the audio front end. The composition root is [New]; [Run]
// drives the capture loop until the context is cancelled; [Shutdown] tears
// everything down in reverse start order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/checkpoint"
	"github.com/antiphon-ai/antiphon/internal/config"
	"github.com/antiphon-ai/antiphon/internal/flow"
	"github.com/antiphon-ai/antiphon/internal/graph"
	"github.com/antiphon-ai/antiphon/internal/health"
	"github.com/antiphon-ai/antiphon/internal/integrate"
	"github.com/antiphon-ai/antiphon/internal/observe"
	"github.com/antiphon-ai/antiphon/internal/optimize"
	"github.com/antiphon-ai/antiphon/internal/registry"
	"github.com/antiphon-ai/antiphon/internal/resilience"
	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/internal/track/local"
	"github.com/antiphon-ai/antiphon/internal/track/remote"
	"github.com/antiphon-ai/antiphon/internal/transcript"
	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/memory"
	"github.com/antiphon-ai/antiphon/pkg/memory/filestore"
	"github.com/antiphon-ai/antiphon/pkg/memory/postgres"
	"github.com/antiphon-ai/antiphon/pkg/provider/embeddings"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts"
	"github.com/antiphon-ai/antiphon/pkg/provider/vad"
	"github.com/antiphon-ai/antiphon/pkg/provider/wakeword"
)

// Providers bundles the externally constructed backends the app composes.
// Remote or LocalModel may be nil when the corresponding track is disabled;
// at least one must be set. Audio may be nil for headless operation (turns
// are then driven through [App.Conversation] directly).
type Providers struct {
	Remote     llm.Provider
	LocalModel runtime.Model
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
	Audio      audio.Platform
}

// App owns every running subsystem and their shutdown order.
type App struct {
	cfg       *config.Config
	providers Providers
	logger    *slog.Logger

	models      *registry.Registry
	memoryEng   memory.Engine
	checkpoints checkpoint.Store
	optimizer   *optimize.Optimizer
	router      *router.Router
	integrator  *integrate.Integrator
	stt         stt.Provider
	llmGuard    *resilience.LLMFallback
	ttsGuard    *resilience.TTSFallback
	engine      *graph.Engine
	conv        *Conversation
	speaker     *speaker
	health      *health.Handler
	admin       *http.Server

	// closers run last-registered-first during Shutdown.
	closers  []func() error
	stopOnce sync.Once
	stopErr  error

	wg sync.WaitGroup
}

// Option adjusts construction, mainly for tests.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMemoryEngine injects a memory engine, bypassing the configured one.
func WithMemoryEngine(e memory.Engine) Option {
	return func(a *App) { a.memoryEng = e }
}

// WithCheckpointStore injects a checkpoint store, bypassing the file store.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(a *App) { a.checkpoints = s }
}

// WithModelRegistry injects a pre-loaded model registry.
func WithModelRegistry(r *registry.Registry) Option {
	return func(a *App) { a.models = r }
}

// New wires the assistant. It validates wiring eagerly: a misconfigured
// subsystem fails here, not on the first turn.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers.Remote == nil && providers.LocalModel == nil {
		return nil, errors.New("app: neither a local model nor a remote provider is configured")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	// ── 1. Model registry ──
	if a.models == nil && cfg.Persistence.ModelRegistry != "" {
		reg, err := registry.Load(cfg.Persistence.ModelRegistry,
			registry.WithModelRoot(cfg.Persistence.ModelRoot))
		if err == nil {
			a.models = reg
			if missing := reg.ScanMissing(); len(missing) > 0 {
				for _, m := range missing {
					a.logger.Warn("model file missing", "id", m.ID, "path", m.Path)
				}
			}
		} else {
			// The registry is advisory; providers resolved their own
			// paths at construction time.
			a.logger.Warn("model registry unavailable", "path", cfg.Persistence.ModelRegistry, "error", err)
		}
	}

	// ── 2. Memory engine ──
	if a.memoryEng == nil && cfg.Memory.Enabled {
		eng, err := a.buildMemoryEngine(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory engine: %w", err)
		}
		a.memoryEng = eng
	}

	// ── 3. Checkpoint store ──
	if a.checkpoints == nil {
		store, err := checkpoint.NewFileStore(
			filepath.Join(cfg.Persistence.StateDir, "checkpoints"),
			checkpoint.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		a.checkpoints = store
	}

	// ── 4. Optimizer ──
	a.optimizer = optimize.New(a.optimizerConfig(), optimize.WithLogger(a.logger))
	a.closers = append(a.closers, func() error {
		a.optimizer.Stop()
		return nil
	})

	// ── 5. Tracks ──
	var localTrack, apiTrack flow.Track
	if providers.LocalModel != nil {
		localTrack = local.New(providers.LocalModel,
			local.WithLogger(a.logger),
			local.WithDefaultTimeout(time.Duration(cfg.Local.TimeoutMS)*time.Millisecond))
	}
	if providers.Remote != nil {
		a.llmGuard = resilience.NewLLMFallback(providers.Remote, cfg.Remote.Provider, resilience.FallbackConfig{})
		apiTrack = remote.New(a.llmGuard, remote.Config{
			Model:          cfg.Remote.Model,
			MaxRetries:     cfg.Remote.MaxRetries,
			BaseBackoff:    time.Duration(cfg.Remote.BaseBackoffMS) * time.Millisecond,
			MaxConcurrent:  int64(cfg.Remote.MaxConcurrentRequests),
			DefaultTimeout: time.Duration(cfg.Remote.TimeoutMS) * time.Millisecond,
		}, remote.WithLogger(a.logger))
	}

	// ── 6. Voice front end ──
	sttProvider := providers.STT
	if sttProvider != nil && len(cfg.Voice.Vocabulary) > 0 {
		corrOpts := []transcript.Option{}
		if cfg.Voice.LLMVocabularyReview && providers.Remote != nil {
			corrOpts = append(corrOpts, transcript.WithLLM(providers.Remote))
		}
		corrector := transcript.NewCorrector(cfg.Voice.Vocabulary, corrOpts...)
		sttProvider = transcript.NewCorrectingProvider(sttProvider, corrector, a.logger)
	}
	a.stt = sttProvider
	ttsProvider := providers.TTS
	if ttsProvider != nil {
		a.ttsGuard = resilience.NewTTSFallback(ttsProvider, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		ttsProvider = a.ttsGuard
	}

	var wake *wakeword.TextMatcher
	if cfg.Activation.Mode == state.ModeWakeWord {
		m, err := wakeword.NewTextMatcher(cfg.Activation.WakePhrase)
		if err != nil {
			return nil, fmt.Errorf("wake matcher: %w", err)
		}
		wake = m
	}

	a.speaker = newSpeaker(a.logger)

	// ── 7. Pipeline ──
	a.conv = newConversation(a.checkpoints, cfg, a.logger)
	a.router = router.New(cfg.Router, router.WithEstimator(a.optimizer.Collector()))
	a.integrator = integrate.New(integratorConfig(cfg), integrate.WithLogger(a.logger))
	deps := flow.Deps{
		Router:     a.router,
		Local:      localTrack,
		API:        apiTrack,
		Integrator: a.integrator,
		Memory:     a.memoryEng,
		STT:       sttProvider,
		TTS:       ttsProvider,
		Speaker:   a.speaker,
		Wake:      wake,
		Optimizer: a.optimizer,
		Save:      a.conv.saveFunc(),
		Logger:    a.logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observe.DefaultMetrics()
	}
	pipeline, err := flow.New(deps, a.pipelineConfig())
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	a.engine, err = pipeline.Build()
	if err != nil {
		return nil, fmt.Errorf("pipeline graph: %w", err)
	}
	a.conv.engine = a.engine

	if err := a.conv.Restore(ctx); err != nil {
		// A corrupt checkpoint must not keep the assistant from starting.
		a.logger.Warn("checkpoint restore failed, starting fresh", "error", err)
	}

	// ── 8. Admin surface ──
	a.health = a.buildHealth()
	if cfg.Observability.AdminAddr != "" {
		a.admin = a.buildAdminServer()
	}

	return a, nil
}

func (a *App) buildMemoryEngine(ctx context.Context) (memory.Engine, error) {
	switch a.cfg.Memory.Engine {
	case config.MemoryOff:
		return nil, nil
	case config.MemoryPostgres:
		if a.providers.Embeddings == nil {
			return nil, errors.New("postgres memory requires an embeddings provider")
		}
		opts := []postgres.Option{postgres.WithLogger(a.logger)}
		if a.providers.Remote != nil {
			opts = append(opts, postgres.WithSummarizer(a.providers.Remote))
		}
		return postgres.New(ctx, a.cfg.Memory.PostgresDSN, a.providers.Embeddings, opts...)
	case config.MemoryFile, "":
		root := a.cfg.Memory.VectorStorePath
		if root == "" {
			root = filepath.Join(a.cfg.Persistence.StateDir, "memory")
		}
		opts := []filestore.Option{filestore.WithLogger(a.logger)}
		if a.providers.Remote != nil {
			opts = append(opts, filestore.WithSummarizer(a.providers.Remote))
		}
		return filestore.New(root, opts...)
	default:
		return nil, fmt.Errorf("unknown memory engine %q", a.cfg.Memory.Engine)
	}
}

func (a *App) optimizerConfig() optimize.Config {
	return optimize.Config{
		Strategy:            optimize.Strategy(a.cfg.Optimizer.Strategy),
		Interval:            time.Duration(a.cfg.Optimizer.AdaptationIntervalS) * time.Second,
		BaseLocalTimeoutMS:  a.cfg.Local.TimeoutMS,
		BaseAPITimeoutMS:    a.cfg.Remote.TimeoutMS,
		APIPreferenceWeight: a.cfg.Integration.APIPreferenceWeight,
		Constraints:         a.cfg.Optimizer.Constraints,
	}
}

func integratorConfig(cfg *config.Config) integrate.Config {
	return integrate.Config{
		SimilarityHigh:        cfg.Integration.SimilarityHigh,
		SimilarityMedium:      cfg.Integration.SimilarityMedium,
		APIPreferenceWeight:   cfg.Integration.APIPreferenceWeight,
		LocalPreferenceWeight: cfg.Integration.LocalPreferenceWeight,
	}
}

// ApplyConfig hot-applies the re-tunable subset of a reloaded config:
// router thresholds, integration weights, and the optimizer strategy.
// Everything else keeps the values the process started with.
func (a *App) ApplyConfig(next *config.Config) {
	if next == nil {
		return
	}
	a.router.Reconfigure(next.Router)
	a.integrator.Reconfigure(integratorConfig(next))
	a.optimizer.SetStrategy(optimize.Strategy(next.Optimizer.Strategy))
	a.logger.Info("applied re-tunable configuration",
		"optimizer_strategy", next.Optimizer.Strategy)
}

func (a *App) pipelineConfig() flow.Config {
	c := a.cfg
	return flow.Config{
		LocalParams: track.Params{
			MaxTokens:     c.Local.MaxTokens,
			Temperature:   c.Local.Temperature,
			TopP:          c.Local.TopP,
			TopK:          c.Local.TopK,
			RepeatPenalty: c.Local.RepeatPenalty,
			Stop:          c.Local.StopSequences,
		},
		APIParams: track.Params{
			MaxTokens:   c.Remote.MaxTokens,
			Temperature: c.Remote.Temperature,
		},
		Voice:               tts.Voice{ID: c.Voice.VoiceID},
		LocalTimeout:        time.Duration(c.Local.TimeoutMS) * time.Millisecond,
		APITimeout:          time.Duration(c.Remote.TimeoutMS) * time.Millisecond,
		ActivationTimeout:   time.Duration(c.Activation.TimeoutS) * time.Second,
		MaxRelevantMemories: c.Memory.MaxRelevantMemories,
		MemoryTokenCap:      c.Memory.WorkingMemoryTokenCap,
	}
}

func (a *App) buildHealth() *health.Handler {
	checkers := []health.Checker{
		health.CheckDir("state_dir", a.cfg.Persistence.StateDir),
	}
	if a.providers.LocalModel != nil {
		checkers = append(checkers, health.CheckModel("local_model", a.providers.LocalModel))
	}
	if a.llmGuard != nil {
		checkers = append(checkers, health.CheckFallbacks("remote_llm", a.llmGuard.Status))
	}
	if a.ttsGuard != nil {
		checkers = append(checkers, health.CheckFallbacks("tts", a.ttsGuard.Status))
	}
	return health.New(checkers...)
}

// Conversation exposes the turn driver, for headless callers and tests.
func (a *App) Conversation() *Conversation {
	return a.conv
}

// Run starts the optimizer, the admin server, the backup loop, and the
// audio capture loop, then blocks until ctx is cancelled. On return the
// app is shut down.
func (a *App) Run(ctx context.Context) error {
	a.optimizer.Start()

	if a.admin != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Info("admin server listening", "addr", a.admin.Addr)
			if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("admin server failed", "error", err)
			}
		}()
		a.closers = append(a.closers, func() error {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.admin.Shutdown(shutCtx)
		})
	}

	if a.cfg.Persistence.BackupIntervalS > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runBackups(ctx)
		}()
	}

	if a.providers.Audio != nil {
		session, err := a.providers.Audio.Open(ctx)
		if err != nil {
			a.Shutdown(context.Background())
			return fmt.Errorf("open audio: %w", err)
		}
		a.closers = append(a.closers, session.Close)

		player := audio.NewPlayer(func(f audio.Frame) {
			select {
			case session.Output() <- f:
			case <-ctx.Done():
			}
		})
		a.speaker.attach(player)
		a.closers = append(a.closers, player.Close)

		capture, err := newCaptureLoop(a, session)
		if err != nil {
			a.Shutdown(context.Background())
			return fmt.Errorf("capture loop: %w", err)
		}
		// Frame segmentation and turn processing run on separate
		// goroutines so the capture loop keeps reading microphone
		// frames (and can detect barge-in) while a turn is in flight.
		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			capture.run(ctx)
		}()
		go func() {
			defer a.wg.Done()
			capture.runTurns(ctx)
		}()
	}

	<-ctx.Done()
	err := a.Shutdown(context.Background())
	a.wg.Wait()
	return err
}

// Shutdown stops subsystems in reverse start order. Safe to call more than
// once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				a.stopErr = errors.Join(errs...)
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if a.memoryEng != nil {
			if err := a.memoryEng.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
		a.logger.Info("shutdown complete")
	})
	return a.stopErr
}
