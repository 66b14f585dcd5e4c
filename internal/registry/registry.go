// Package registry loads the installed-model registry file.
//
// The registry is a single JSON document listing every locally installed
// model (LLMs, embedding models, whisper weights, TTS voices, VAD models)
// with its path, format and free-form parameters. Provider wiring resolves
// model IDs through it instead of hard-coding filesystem paths, and startup
// scans it to warn about models whose files have gone missing.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antiphon-ai/antiphon/internal/fault"
)

// Type classifies what a registered model is used for.
type Type string

const (
	TypeLLM       Type = "llm"
	TypeEmbedding Type = "embedding"
	TypeWhisper   Type = "whisper"
	TypeTTS       Type = "tts"
	TypeVAD       Type = "vad"
)

// Format is the on-disk (or remote) format of a model.
type Format string

const (
	FormatGGUF Format = "gguf"
	FormatGGML Format = "ggml"
	FormatPT   Format = "pt"
	FormatONNX Format = "onnx"

	// FormatAPI marks a model served by a runtime or remote API rather than
	// a file on disk; such entries have no path to verify.
	FormatAPI Format = "api"
)

func validType(t Type) bool {
	switch t {
	case TypeLLM, TypeEmbedding, TypeWhisper, TypeTTS, TypeVAD:
		return true
	}
	return false
}

func validFormat(f Format) bool {
	switch f {
	case FormatGGUF, FormatGGML, FormatPT, FormatONNX, FormatAPI:
		return true
	}
	return false
}

// Model is one registry entry.
type Model struct {
	// ID is the stable identifier providers are configured with.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty"`

	Type   Type   `json:"type"`
	Format Format `json:"format"`

	// Path locates the model file. Relative paths are resolved against the
	// registry's model root. Empty for FormatAPI entries.
	Path string `json:"path,omitempty"`

	// Size is the file size in bytes as recorded at install time.
	Size int64 `json:"size,omitempty"`

	// Quantization names the quantization scheme (e.g. "Q4_K_M").
	Quantization string `json:"quantization,omitempty"`

	// Hash is the content hash recorded at install time. It is carried for
	// tooling; Resolve does not re-hash multi-gigabyte files.
	Hash string `json:"hash,omitempty"`

	// Parameters holds model-specific settings (context size, voice name)
	// passed through to the provider that loads the model.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// document is the shape of the registry file.
type document struct {
	Models []Model `json:"models"`
}

// Registry is a parsed, validated model registry.
type Registry struct {
	root   string
	models map[string]Model
	order  []string
}

// Option customizes registry loading.
type Option func(*Registry)

// WithModelRoot resolves relative model paths against dir. Defaults to the
// directory containing the registry file.
func WithModelRoot(dir string) Option {
	return func(r *Registry) { r.root = dir }
}

// Load reads and parses the registry document at path.
func Load(path string, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.Config, "registry.load", err)
	}
	r, err := Parse(data, opts...)
	if err != nil {
		return nil, err
	}
	if r.root == "" {
		r.root = filepath.Dir(path)
	}
	return r, nil
}

// Parse parses a registry document. Every entry is validated; all problems
// are reported together rather than one at a time.
func Parse(data []byte, opts ...Option) (*Registry, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.Config, "registry.parse", err)
	}

	r := &Registry{models: make(map[string]Model, len(doc.Models))}
	for _, opt := range opts {
		opt(r)
	}

	var issues []error
	for i, m := range doc.Models {
		switch {
		case m.ID == "":
			issues = append(issues, fmt.Errorf("entry %d: empty model id", i))
			continue
		case !validType(m.Type):
			issues = append(issues, fmt.Errorf("model %q: unknown type %q", m.ID, m.Type))
		case !validFormat(m.Format):
			issues = append(issues, fmt.Errorf("model %q: unknown format %q", m.ID, m.Format))
		case m.Format != FormatAPI && m.Path == "":
			issues = append(issues, fmt.Errorf("model %q: format %q requires a path", m.ID, m.Format))
		}
		if _, dup := r.models[m.ID]; dup {
			issues = append(issues, fmt.Errorf("duplicate model id %q", m.ID))
			continue
		}
		r.models[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	if len(issues) > 0 {
		return nil, fault.Wrap(fault.Validation, "registry.parse", errors.Join(issues...))
	}
	return r, nil
}

// Models returns all entries in file order.
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// ByType returns all entries of the given type in file order.
func (r *Registry) ByType(t Type) []Model {
	var out []Model
	for _, id := range r.order {
		if m := r.models[id]; m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Resolve returns the entry for id with its path made absolute. It fails
// with [fault.ModelNotFound] when the id is unknown or when the model's
// file no longer exists, so callers surface a precise error instead of an
// open(2) failure deep inside a runtime.
func (r *Registry) Resolve(id string) (Model, error) {
	m, ok := r.models[id]
	if !ok {
		return Model{}, fault.New(fault.ModelNotFound, "registry.resolve",
			fmt.Sprintf("model %q is not in the registry", id))
	}
	if m.Format == FormatAPI {
		return m, nil
	}
	m.Path = r.abs(m.Path)
	if _, err := os.Stat(m.Path); err != nil {
		return Model{}, fault.New(fault.ModelNotFound, "registry.resolve",
			fmt.Sprintf("model %q file missing: %s", id, m.Path))
	}
	return m, nil
}

// ScanMissing returns every file-backed entry whose file is absent. Callers
// run it once at startup and log a warning per returned model.
func (r *Registry) ScanMissing() []Model {
	var missing []Model
	for _, id := range r.order {
		m := r.models[id]
		if m.Format == FormatAPI {
			continue
		}
		if _, err := os.Stat(r.abs(m.Path)); err != nil {
			missing = append(missing, m)
		}
	}
	return missing
}

func (r *Registry) abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.root, path)
}
