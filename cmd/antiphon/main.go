// Command antiphon runs the dual-track voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/antiphon-ai/antiphon/internal/app"
	"github.com/antiphon-ai/antiphon/internal/config"
	"github.com/antiphon-ai/antiphon/internal/observe"
	"github.com/antiphon-ai/antiphon/pkg/provider/embeddings"
	ollamaembed "github.com/antiphon-ai/antiphon/pkg/provider/embeddings/ollama"
	oaembed "github.com/antiphon-ai/antiphon/pkg/provider/embeddings/openai"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/anyllm"
	oallm "github.com/antiphon-ai/antiphon/pkg/provider/llm/openai"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
	ollamart "github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime/ollama"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt"
	"github.com/antiphon-ai/antiphon/pkg/provider/stt/whisper"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts/elevenlabs"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts/piper"
	"github.com/antiphon-ai/antiphon/pkg/provider/vad"
	"github.com/antiphon-ai/antiphon/pkg/provider/vad/energy"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 fatal runtime error.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitRuntimeFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "antiphon: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "antiphon: %v\n", err)
		}
		return exitStartupFailure
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, levelVar := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("antiphon starting",
		"config", *configPath,
		"activation_mode", cfg.Activation.Mode,
		"log_level", cfg.Logging.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	if cfg.Observability.MetricsEnabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "antiphon"})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return exitStartupFailure
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitStartupFailure
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, *providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitStartupFailure
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// The log level and the re-tunable pipeline knobs (router thresholds,
	// integration weights, optimizer strategy) apply live; everything else
	// needs a restart.
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		levelVar.Set(slogLevel(next.Logging.Level))
		application.ApplyConfig(next)
		slog.Info("configuration reloaded", "log_level", next.Logging.Level)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("assistant ready — press Ctrl+C to shut down")

	return supervise(ctx, application)
}

// lifecycle is the subset of [app.App] the supervisor drives.
type lifecycle interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// supervise runs the application until the context is cancelled and maps the
// outcome to an exit code. Failures after a successful startup are fatal
// runtime errors, not startup errors.
func supervise(ctx context.Context, application lifecycle) int {
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return exitRuntimeFailure
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitRuntimeFailure
	}
	slog.Info("goodbye")
	return exitOK
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Antiphon. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"whisper"},
	"tts":        {"piper", "elevenlabs"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai gets the native SDK client; the rest of the hosted providers
	// share the any-llm pattern of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []piper.Option
		if voice := optString(entry.Options, "voice_name"); voice != "" {
			opts = append(opts, piper.WithVoiceName(voice))
		}
		if rate := optInt(entry.Options, "output_sample_rate"); rate > 0 {
			opts = append(opts, piper.WithOutputSampleRate(rate))
		}
		return piper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if hangover := optInt(entry.Options, "hangover_ms"); hangover > 0 {
			opts = append(opts, energy.WithHangoverMs(hangover))
		}
		return energy.New(opts...), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	local, err := buildLocalModel(cfg)
	if err != nil {
		return nil, err
	}
	ps.LocalModel = local

	if cfg.Remote.Provider != "" {
		entry := config.ProviderEntry{
			Name:    cfg.Remote.Provider,
			APIKey:  cfg.Remote.APIKey,
			BaseURL: cfg.Remote.BaseURL,
			Model:   cfg.Remote.Model,
		}
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", cfg.Remote.Provider)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", cfg.Remote.Provider, err)
		} else {
			ps.Remote = p
			slog.Info("provider created", "kind", "llm", "name", cfg.Remote.Provider)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "vad", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	if name := cfg.Providers.Audio.Name; name != "" {
		p, err := reg.CreateAudio(cfg.Providers.Audio)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "audio", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create audio provider %q: %w", name, err)
		} else {
			ps.Audio = p
			slog.Info("provider created", "kind", "audio", "name", name)
		}
	}

	return ps, nil
}

// buildLocalModel constructs the on-device generation model. The local track
// runs against an Ollama server; cfg.Local.Model names the served model.
func buildLocalModel(cfg *config.Config) (runtime.Model, error) {
	if cfg.Local.Model == "" {
		return nil, nil
	}
	tuning := runtime.Tuning{
		Threads:       cfg.Local.Threads,
		BatchSize:     cfg.Local.BatchSize,
		ContextLength: cfg.Local.ContextSize,
	}
	m, err := ollamart.New("", cfg.Local.Model, ollamart.WithTuning(tuning))
	if err != nil {
		return nil, fmt.Errorf("create local model %q: %w", cfg.Local.Model, err)
	}
	slog.Info("local model configured", "model", cfg.Local.Model)
	return m, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Antiphon — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Local", cfg.Local.Model, "")
	printProvider("Remote", cfg.Remote.Provider, cfg.Remote.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	fmt.Printf("║  Activation      : %-19s ║\n", cfg.Activation.Mode)
	fmt.Printf("║  Memory engine   : %-19s ║\n", cfg.Memory.Engine)
	if cfg.Observability.AdminAddr != "" {
		fmt.Printf("║  Admin addr      : %-19s ║\n", cfg.Observability.AdminAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if cfg.Format == config.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// small numbers as int; a float from an override is truncated.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
