package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antiphon-ai/antiphon/internal/optimize"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm"},
	"stt":        {"whisper"},
	"tts":        {"elevenlabs", "piper"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
}

// envPrefix is the prefix for all environment overrides.
const envPrefix = "ANTIPHON_"

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides, and validates the result. Unknown keys are logged
// as warnings and ignored. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg := Default()
	if len(doc.Content) > 0 {
		warnUnknownKeys(&doc)
		// Decoding into a populated struct only touches keys present in
		// the file, which is the defaults-then-file merge layer.
		if err := doc.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays ANTIPHON_* environment variables for secrets and the
// model root, the only values that may bypass the file per the deployment
// contract.
func applyEnv(cfg *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"REMOTE_API_KEY", &cfg.Remote.APIKey},
		{"STT_API_KEY", &cfg.Providers.STT.APIKey},
		{"TTS_API_KEY", &cfg.Providers.TTS.APIKey},
		{"EMBEDDINGS_API_KEY", &cfg.Providers.Embeddings.APIKey},
		{"POSTGRES_DSN", &cfg.Memory.PostgresDSN},
		{"MODEL_ROOT", &cfg.Persistence.ModelRoot},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(envPrefix + o.name); ok && v != "" {
			*o.target = v
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all violations found.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Logging.Format != "" && !cfg.Logging.Format.IsValid() {
		errs = append(errs, fmt.Errorf("logging.format %q is invalid; valid values: text, json", cfg.Logging.Format))
	}

	// Activation
	if cfg.Activation.Mode != "" && !cfg.Activation.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("activation.mode %q is invalid; valid values: wake_word, continuous, scheduled, manual, off", cfg.Activation.Mode))
	}
	if cfg.Activation.EnergyThreshold < 0 || cfg.Activation.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("activation.energy_threshold %.2f is out of range [0, 1]", cfg.Activation.EnergyThreshold))
	}
	if cfg.Activation.TimeoutS < 0 {
		errs = append(errs, fmt.Errorf("activation.timeout_s %d is negative", cfg.Activation.TimeoutS))
	}
	if cfg.Activation.Mode == "wake_word" && strings.TrimSpace(cfg.Activation.WakePhrase) == "" {
		errs = append(errs, errors.New("activation.wake_phrase is required when activation.mode is wake_word"))
	}

	// Local track
	if cfg.Local.Temperature < 0 || cfg.Local.Temperature > 2 {
		errs = append(errs, fmt.Errorf("local.temperature %.2f is out of range [0, 2]", cfg.Local.Temperature))
	}
	if cfg.Local.ContextSize < 512 {
		errs = append(errs, fmt.Errorf("local.context_size %d is below the minimum of 512", cfg.Local.ContextSize))
	}
	if cfg.Local.TopP < 0 || cfg.Local.TopP > 1 {
		errs = append(errs, fmt.Errorf("local.top_p %.2f is out of range [0, 1]", cfg.Local.TopP))
	}
	if cfg.Local.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("local.timeout_ms %d is negative", cfg.Local.TimeoutMS))
	}
	if cfg.Local.MinAcceptableTokens < 0 {
		errs = append(errs, fmt.Errorf("local.min_acceptable_tokens %d is negative", cfg.Local.MinAcceptableTokens))
	}

	// Remote track
	if cfg.Remote.Temperature < 0 || cfg.Remote.Temperature > 2 {
		errs = append(errs, fmt.Errorf("remote.temperature %.2f is out of range [0, 2]", cfg.Remote.Temperature))
	}
	if cfg.Remote.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("remote.timeout_ms %d is negative", cfg.Remote.TimeoutMS))
	}
	if cfg.Remote.MaxConcurrentRequests < 0 {
		errs = append(errs, fmt.Errorf("remote.max_concurrent_requests %d is negative", cfg.Remote.MaxConcurrentRequests))
	}
	if cfg.Remote.Provider == "" {
		slog.Warn("remote.provider is empty; the API track will be unavailable and all queries run locally")
	} else {
		validateProviderName("llm", cfg.Remote.Provider)
	}

	// Integration
	if !validIntegrationStrategy(cfg.Integration.Strategy) {
		errs = append(errs, fmt.Errorf("integration.strategy %q is invalid; valid values: preference, fastest, combine, interrupt, single_source", cfg.Integration.Strategy))
	}
	if cfg.Integration.APIPreferenceWeight < 0 || cfg.Integration.APIPreferenceWeight > 1 {
		errs = append(errs, fmt.Errorf("integration.api_preference_weight %.2f is out of range [0, 1]", cfg.Integration.APIPreferenceWeight))
	}
	if cfg.Integration.LocalPreferenceWeight < 0 || cfg.Integration.LocalPreferenceWeight > 1 {
		errs = append(errs, fmt.Errorf("integration.local_preference_weight %.2f is out of range [0, 1]", cfg.Integration.LocalPreferenceWeight))
	}
	if sum := cfg.Integration.APIPreferenceWeight + cfg.Integration.LocalPreferenceWeight; sum > 0 && (sum < 0.99 || sum > 1.01) {
		slog.Warn("integration preference weights do not sum to 1", "sum", sum)
	}
	if cfg.Integration.SimilarityHigh < 0 || cfg.Integration.SimilarityHigh > 1 {
		errs = append(errs, fmt.Errorf("integration.similarity_high %.2f is out of range [0, 1]", cfg.Integration.SimilarityHigh))
	}
	if cfg.Integration.SimilarityMedium < 0 || cfg.Integration.SimilarityMedium > 1 {
		errs = append(errs, fmt.Errorf("integration.similarity_medium %.2f is out of range [0, 1]", cfg.Integration.SimilarityMedium))
	}
	if cfg.Integration.SimilarityMedium > cfg.Integration.SimilarityHigh {
		errs = append(errs, fmt.Errorf("integration.similarity_medium %.2f exceeds similarity_high %.2f", cfg.Integration.SimilarityMedium, cfg.Integration.SimilarityHigh))
	}

	// Optimizer
	if cfg.Optimizer.Strategy != "" {
		if _, err := optimize.ParseStrategy(cfg.Optimizer.Strategy); err != nil {
			errs = append(errs, fmt.Errorf("optimizer.strategy %q is invalid; valid values: adaptive, latency_focused, resource_efficient, quality_focused, cost_optimized", cfg.Optimizer.Strategy))
		}
	}
	if cfg.Optimizer.AdaptationIntervalS < 0 {
		errs = append(errs, fmt.Errorf("optimizer.adaptation_interval_s %d is negative", cfg.Optimizer.AdaptationIntervalS))
	}
	if p := cfg.Optimizer.Constraints.MaxCPUPercent; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("optimizer.constraints.max_cpu_percent %.1f is out of range [0, 100]", p))
	}

	// Memory
	if cfg.Memory.Engine != "" && !cfg.Memory.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("memory.engine %q is invalid; valid values: file, postgres, off", cfg.Memory.Engine))
	}
	if cfg.Memory.Engine == MemoryPostgres {
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required when memory.engine is postgres"))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must be positive when memory.engine is postgres", cfg.Memory.EmbeddingDimensions))
		}
		if cfg.Providers.Embeddings.Name == "" {
			slog.Warn("memory.engine is postgres but providers.embeddings is unset; retrieval will fall back to text search")
		}
	}
	for _, c := range []struct {
		name  string
		value int
	}{
		{"memory.working_memory_token_cap", cfg.Memory.WorkingMemoryTokenCap},
		{"memory.summarization_threshold", cfg.Memory.SummarizationThreshold},
		{"memory.keep_recent", cfg.Memory.KeepRecent},
		{"memory.max_relevant_memories", cfg.Memory.MaxRelevantMemories},
	} {
		if c.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d is negative", c.name, c.value))
		}
	}

	// Voice
	if r := cfg.Voice.SpeakingRate; r != 0 && (r < 0.5 || r > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speaking_rate %.2f is out of range [0.5, 2.0]", r))
	}
	if cfg.Voice.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d must be positive", cfg.Voice.SampleRate))
	}
	if cfg.Voice.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size_ms %d must be positive", cfg.Voice.FrameSizeMs))
	}
	if cfg.Voice.SilenceThreshold < 0 || cfg.Voice.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("voice.silence_threshold %.2f is out of range [0, 1]", cfg.Voice.SilenceThreshold))
	}
	if cfg.Voice.SilenceThreshold > cfg.Activation.EnergyThreshold {
		errs = append(errs, fmt.Errorf("voice.silence_threshold %.2f exceeds activation.energy_threshold %.2f", cfg.Voice.SilenceThreshold, cfg.Activation.EnergyThreshold))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Voice.TTSEnabled && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required while voice.tts_enabled is true"))
	}

	// Persistence
	if cfg.Persistence.StateDir == "" {
		errs = append(errs, errors.New("persistence.state_dir is required"))
	}
	if cfg.Persistence.BackupIntervalS < 0 {
		errs = append(errs, fmt.Errorf("persistence.backup_interval_s %d is negative", cfg.Persistence.BackupIntervalS))
	}

	return errors.Join(errs...)
}

// validIntegrationStrategy reports whether s names a merge rule the
// integrator implements.
func validIntegrationStrategy(s string) bool {
	switch s {
	case "", "preference", "fastest", "combine", "interrupt", "single_source":
		return true
	}
	return false
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// warnUnknownKeys walks the decoded YAML document against the Config schema
// and logs one warning per key that no struct field accepts. Keys inside
// map-typed fields (provider options) are exempt.
func warnUnknownKeys(doc *yaml.Node) {
	node := doc
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	walkUnknown(node, reflect.TypeOf(Config{}), "")
}

func walkUnknown(node *yaml.Node, t reflect.Type, prefix string) {
	if node.Kind != yaml.MappingNode || t.Kind() != reflect.Struct {
		return
	}
	fields := yamlFields(t)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		ft, ok := fields[key]
		if !ok {
			slog.Warn("config: ignoring unknown key", "key", keyPath(prefix, key))
			continue
		}
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			walkUnknown(node.Content[i+1], ft, keyPath(prefix, key))
		}
	}
}

// yamlFields maps each yaml key of t's fields to the field type. Fields
// without a tag fall back to the lowercased field name, matching yaml.v3.
func yamlFields(t reflect.Type) map[string]reflect.Type {
	out := make(map[string]reflect.Type, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		out[name] = f.Type
	}
	return out
}

func keyPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
