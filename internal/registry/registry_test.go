package registry_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/registry"
)

// writeRegistry writes doc to a registry.json under a fresh temp dir and
// returns both paths.
func writeRegistry(t *testing.T, doc string) (regPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	regPath = filepath.Join(dir, "registry.json")
	if err := os.WriteFile(regPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return regPath, dir
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("touch: %v", err)
	}
}

func TestLoad_ResolvesAgainstRegistryDir(t *testing.T) {
	regPath, dir := writeRegistry(t, `{
		"models": [
			{"id": "phi-local", "name": "Phi 3 Mini", "type": "llm", "format": "gguf",
			 "path": "llm/phi3.gguf", "quantization": "Q4_K_M",
			 "parameters": {"context_size": 4096}},
			{"id": "whisper-base", "type": "whisper", "format": "ggml", "path": "stt/ggml-base.bin"},
			{"id": "gpt-cloud", "type": "llm", "format": "api"}
		]
	}`)
	touch(t, filepath.Join(dir, "llm", "phi3.gguf"))
	touch(t, filepath.Join(dir, "stt", "ggml-base.bin"))

	reg, err := registry.Load(regPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := len(reg.Models()); got != 3 {
		t.Fatalf("got %d models, want 3", got)
	}

	m, err := reg.Resolve("phi-local")
	if err != nil {
		t.Fatalf("Resolve(phi-local): %v", err)
	}
	if !filepath.IsAbs(m.Path) {
		t.Errorf("resolved path %q is not absolute", m.Path)
	}
	if m.Parameters["context_size"] != float64(4096) {
		t.Errorf("parameters = %v", m.Parameters)
	}

	llms := reg.ByType(registry.TypeLLM)
	if len(llms) != 2 || llms[0].ID != "phi-local" || llms[1].ID != "gpt-cloud" {
		t.Errorf("ByType(llm) = %+v", llms)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := registry.Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing registry file")
	}
	if kind := fault.KindOf(err); kind != fault.Config {
		t.Errorf("kind = %v, want config", kind)
	}
}

func TestParse_ReportsAllProblems(t *testing.T) {
	_, err := registry.Parse([]byte(`{
		"models": [
			{"id": "", "type": "llm", "format": "gguf", "path": "a.gguf"},
			{"id": "bad-type", "type": "diffusion", "format": "gguf", "path": "b.gguf"},
			{"id": "bad-format", "type": "llm", "format": "zip", "path": "c.zip"},
			{"id": "no-path", "type": "llm", "format": "gguf"},
			{"id": "dup", "type": "vad", "format": "onnx", "path": "d.onnx"},
			{"id": "dup", "type": "vad", "format": "onnx", "path": "d.onnx"}
		]
	}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"empty model id",
		`"diffusion"`,
		`"zip"`,
		"requires a path",
		`duplicate model id "dup"`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
	if kind := fault.KindOf(err); kind != fault.Validation {
		t.Errorf("kind = %v, want validation", kind)
	}
}

func TestResolve_UnknownAndMissing(t *testing.T) {
	regPath, dir := writeRegistry(t, `{
		"models": [
			{"id": "gone", "type": "tts", "format": "onnx", "path": "voices/gone.onnx"}
		]
	}`)
	_ = dir // file deliberately not created

	reg, err := registry.Load(regPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := reg.Resolve("never-registered"); fault.KindOf(err) != fault.ModelNotFound {
		t.Errorf("Resolve(unknown) kind = %v, want model_not_found", fault.KindOf(err))
	}
	if _, err := reg.Resolve("gone"); fault.KindOf(err) != fault.ModelNotFound {
		t.Errorf("Resolve(missing file) kind = %v, want model_not_found", fault.KindOf(err))
	}
}

func TestScanMissing(t *testing.T) {
	regPath, dir := writeRegistry(t, `{
		"models": [
			{"id": "present", "type": "llm", "format": "gguf", "path": "ok.gguf"},
			{"id": "absent", "type": "embedding", "format": "onnx", "path": "missing.onnx"},
			{"id": "remote", "type": "llm", "format": "api"}
		]
	}`)
	touch(t, filepath.Join(dir, "ok.gguf"))

	reg, err := registry.Load(regPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	missing := reg.ScanMissing()
	if len(missing) != 1 || missing[0].ID != "absent" {
		t.Errorf("ScanMissing = %+v, want only absent", missing)
	}
}

func TestWithModelRoot(t *testing.T) {
	regPath, _ := writeRegistry(t, `{
		"models": [
			{"id": "rooted", "type": "vad", "format": "onnx", "path": "vad.onnx"}
		]
	}`)
	root := t.TempDir()
	touch(t, filepath.Join(root, "vad.onnx"))

	reg, err := registry.Load(regPath, registry.WithModelRoot(root))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, err := reg.Resolve("rooted")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Path != filepath.Join(root, "vad.onnx") {
		t.Errorf("path = %q, want rooted under %q", m.Path, root)
	}
}
