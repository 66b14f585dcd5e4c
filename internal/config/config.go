// Package config provides the configuration schema, layered loader, provider
// registry, and hot-reload watcher for the Antiphon assistant.
//
// Configuration is merged in layers: built-in defaults, then the YAML file,
// then ANTIPHON_* environment overrides for secrets and the model root.
// Unknown keys in the file produce warnings, not errors, so configs written
// for newer builds keep loading on older ones.
package config

import (
	"github.com/antiphon-ai/antiphon/internal/optimize"
	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// MemoryEngine selects the long-term memory backend.
type MemoryEngine string

const (
	// MemoryFile stores interactions and preferences as JSON documents under
	// the persistence root.
	MemoryFile MemoryEngine = "file"

	// MemoryPostgres uses PostgreSQL with pgvector for semantic retrieval.
	MemoryPostgres MemoryEngine = "postgres"

	// MemoryOff disables long-term memory entirely.
	MemoryOff MemoryEngine = "off"
)

// IsValid reports whether e is a recognised memory engine.
func (e MemoryEngine) IsValid() bool {
	switch e {
	case MemoryFile, MemoryPostgres, MemoryOff:
		return true
	}
	return false
}

// Config is the root configuration structure for Antiphon. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader]; all fields have
// working defaults from [Default].
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Activation    ActivationConfig    `yaml:"activation"`
	Router        router.Config       `yaml:"router"`
	Local         LocalConfig         `yaml:"local"`
	Remote        RemoteConfig        `yaml:"remote"`
	Integration   IntegrationConfig   `yaml:"integration"`
	Optimizer     OptimizerConfig     `yaml:"optimizer"`
	Memory        MemoryConfig        `yaml:"memory"`
	Voice         VoiceConfig         `yaml:"voice"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	// Level controls verbosity.
	Level LogLevel `yaml:"level"`

	// Format selects text or JSON output.
	Format LogFormat `yaml:"format"`
}

// ActivationConfig controls when the assistant starts listening.
type ActivationConfig struct {
	// Mode selects the activation trigger.
	Mode state.ActivationMode `yaml:"mode"`

	// WakePhrase is the spoken phrase matched against transcriptions when
	// Mode is wake_word (e.g. "hey antiphon").
	WakePhrase string `yaml:"wake_phrase"`

	// EnergyThreshold is the VAD speech probability threshold in [0, 1].
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// TimeoutS returns the assistant to idle after this many seconds
	// without speech. Zero keeps the session open indefinitely.
	TimeoutS int `yaml:"timeout_s"`
}

// LocalConfig tunes the on-device generation track.
type LocalConfig struct {
	// Model is a model registry ID or a direct file path.
	Model string `yaml:"model"`

	// Quantization names the expected weight quantization (e.g. "Q4_K_M").
	// Informational; the registry entry is authoritative.
	Quantization string `yaml:"quantization"`

	Threads     int `yaml:"threads"`
	BatchSize   int `yaml:"batch_size"`
	ContextSize int `yaml:"context_size"`

	Temperature   float64  `yaml:"temperature"`
	TopP          float64  `yaml:"top_p"`
	TopK          int      `yaml:"top_k"`
	RepeatPenalty float64  `yaml:"repeat_penalty"`
	StopSequences []string `yaml:"stop_sequences"`
	MaxTokens     int      `yaml:"max_tokens"`

	// TimeoutMS is the base local-track deadline before the optimizer's
	// multiplier is applied.
	TimeoutMS int `yaml:"timeout_ms"`

	// MinAcceptableTokens is the completion-token floor below which a
	// staged local answer escalates to the remote track.
	MinAcceptableTokens int `yaml:"min_acceptable_tokens"`
}

// RemoteConfig tunes the hosted-API generation track.
type RemoteConfig struct {
	// Provider selects the registered remote LLM provider ("openai",
	// "anyllm").
	Provider string `yaml:"provider"`

	Model string `yaml:"model"`

	// APIKey authenticates against the provider. Prefer leaving this empty
	// and setting ANTIPHON_REMOTE_API_KEY instead.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// TimeoutMS is the base API-track deadline before the optimizer's
	// multiplier is applied.
	TimeoutMS int `yaml:"timeout_ms"`

	MaxRetries    int `yaml:"max_retries"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`

	// MaxConcurrentRequests caps outstanding API calls.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// IntegrationConfig tunes how parallel track results merge.
type IntegrationConfig struct {
	// Strategy selects the merge rule: preference, fastest, combine,
	// interrupt, or single_source.
	Strategy string `yaml:"strategy"`

	APIPreferenceWeight   float64 `yaml:"api_preference_weight"`
	LocalPreferenceWeight float64 `yaml:"local_preference_weight"`

	SimilarityHigh   float64 `yaml:"similarity_high"`
	SimilarityMedium float64 `yaml:"similarity_medium"`
}

// OptimizerConfig tunes the adaptive optimizer.
type OptimizerConfig struct {
	// Strategy weights the adaptation heuristics: adaptive,
	// latency_focused, resource_efficient, quality_focused, cost_optimized.
	Strategy string `yaml:"strategy"`

	// AdaptationIntervalS is how often the adaptation pass runs.
	AdaptationIntervalS int `yaml:"adaptation_interval_s"`

	// MonitoringEnabled starts the resource sampler alongside the
	// optimizer.
	MonitoringEnabled bool `yaml:"monitoring_enabled"`

	Constraints optimize.Constraints `yaml:"constraints"`
}

// MemoryConfig controls working memory and the long-term memory engine.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Engine selects the backend: file, postgres, or off.
	Engine MemoryEngine `yaml:"engine"`

	// PostgresDSN is required when Engine is postgres. Prefer setting it
	// via ANTIPHON_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match the configured embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// WorkingMemoryTokenCap bounds the prompt context assembled from
	// conversation history.
	WorkingMemoryTokenCap int `yaml:"working_memory_token_cap"`

	// SummarizationThreshold is the message count that triggers history
	// summarization.
	SummarizationThreshold int `yaml:"summarization_threshold"`

	// KeepRecent is how many recent messages survive a summarization pass
	// verbatim.
	KeepRecent int `yaml:"keep_recent"`

	// VectorStorePath is the file engine's vector journal directory,
	// relative to the persistence root when not absolute.
	VectorStorePath string `yaml:"vector_store_path"`

	// MaxRelevantMemories caps retrieval results per query.
	MaxRelevantMemories int `yaml:"max_relevant_memories"`
}

// VoiceConfig tunes the audio front end.
type VoiceConfig struct {
	TTSEnabled bool `yaml:"tts_enabled"`

	// VoiceID is the provider-specific synthesis voice.
	VoiceID string `yaml:"voice_id"`

	// SpeakingRate adjusts synthesis speed in [0.5, 2.0]. Zero means the
	// provider default.
	SpeakingRate float64 `yaml:"speaking_rate"`

	// SampleRate and FrameSizeMs describe the capture format handed to VAD
	// and STT.
	SampleRate  int `yaml:"sample_rate"`
	FrameSizeMs int `yaml:"frame_size_ms"`

	// SilenceThreshold is the VAD probability at or below which an active
	// segment counts toward its end. Must not exceed
	// activation.energy_threshold.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// Vocabulary lists names and terms the recognizer tends to mishear.
	// Non-empty enables transcript correction on STT output.
	Vocabulary []string `yaml:"vocabulary"`

	// LLMVocabularyReview additionally routes low-confidence transcriptions
	// through the remote model for vocabulary review.
	LLMVocabularyReview bool `yaml:"llm_vocabulary_review"`
}

// ProvidersConfig declares which implementation serves each voice pipeline
// stage. Each entry selects a named factory registered in the [Registry].
// The remote LLM provider is configured in [RemoteConfig] instead.
type ProvidersConfig struct {
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	VAD        ProviderEntry `yaml:"vad"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	Audio      ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "whisper",
	// "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates hosted providers; empty for local ones.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PersistenceConfig locates on-disk state.
type PersistenceConfig struct {
	// StateDir is the root for checkpoints, conversations, preferences,
	// and vectors.
	StateDir string `yaml:"state_dir"`

	// BackupIntervalS copies the state dir to backups/<timestamp>/ on this
	// interval. Zero disables backups.
	BackupIntervalS int `yaml:"backup_interval_s"`

	// ModelRegistry is the path of the installed-model registry JSON file.
	ModelRegistry string `yaml:"model_registry"`

	// ModelRoot resolves relative model paths from the registry. Empty
	// defaults to the registry file's directory; ANTIPHON_MODEL_ROOT
	// overrides both.
	ModelRoot string `yaml:"model_root"`
}

// ObservabilityConfig controls the admin HTTP server.
type ObservabilityConfig struct {
	// AdminAddr is the listen address for /healthz, /readyz, and /metrics.
	// Empty disables the admin server.
	AdminAddr string `yaml:"admin_addr"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration all loads start from. File
// values and environment overrides are applied on top.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  LogInfo,
			Format: LogText,
		},
		Activation: ActivationConfig{
			Mode:            state.ModeWakeWord,
			WakePhrase:      "hey antiphon",
			EnergyThreshold: 0.6,
			TimeoutS:        30,
		},
		Router: router.DefaultConfig(),
		Local: LocalConfig{
			ContextSize:         4096,
			Temperature:         0.7,
			TopP:                0.9,
			TopK:                40,
			RepeatPenalty:       1.1,
			MaxTokens:           512,
			TimeoutMS:           3000,
			MinAcceptableTokens: 24,
		},
		Remote: RemoteConfig{
			Provider:              "openai",
			Model:                 "gpt-4o-mini",
			Temperature:           0.7,
			MaxTokens:             1024,
			TimeoutMS:             10000,
			MaxRetries:            2,
			BaseBackoffMS:         250,
			MaxConcurrentRequests: 4,
		},
		Integration: IntegrationConfig{
			Strategy:              "preference",
			APIPreferenceWeight:   0.7,
			LocalPreferenceWeight: 0.3,
			SimilarityHigh:        0.8,
			SimilarityMedium:      0.5,
		},
		Optimizer: OptimizerConfig{
			Strategy:            "adaptive",
			AdaptationIntervalS: 30,
			MonitoringEnabled:   true,
		},
		Memory: MemoryConfig{
			Enabled:                true,
			Engine:                 MemoryFile,
			EmbeddingDimensions:    1536,
			WorkingMemoryTokenCap:  2048,
			SummarizationThreshold: 20,
			KeepRecent:             4,
			VectorStorePath:        "vectors",
			MaxRelevantMemories:    5,
		},
		Voice: VoiceConfig{
			TTSEnabled:       true,
			SampleRate:       16000,
			FrameSizeMs:      20,
			SilenceThreshold: 0.4,
		},
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "whisper"},
			TTS: ProviderEntry{Name: "piper"},
			VAD: ProviderEntry{Name: "energy"},
		},
		Persistence: PersistenceConfig{
			StateDir:      "state",
			ModelRegistry: "models/registry.json",
		},
		Observability: ObservabilityConfig{
			AdminAddr:      "127.0.0.1:8090",
			MetricsEnabled: true,
		},
	}
}
