package local

import (
	"strings"

	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

// Formatter renders a chat exchange into the single prompt string a raw
// completion model expects, and cleans the raw completion back out.
//
// Format assumes the exchange ends with a user message and always closes the
// prompt at the point where the assistant reply begins. Extract strips stop
// tokens and role scaffolding the model may echo; it must be safe on partial
// output from a timed-out call.
type Formatter interface {
	Format(messages []llm.Message) string
	Extract(raw string) string

	// Stop returns the stop sequences the runtime should enforce for this
	// prompt format, merged with any caller-supplied stops.
	Stop() []string
}

// FormatterFor returns the Formatter for a model architecture name. Matching
// is case-insensitive on substrings, so Ollama family names ("llama",
// "qwen2") resolve too. Unknown architectures fall back to the mistral
// format, which most instruction-tuned models tolerate.
func FormatterFor(arch string) Formatter {
	lower := strings.ToLower(arch)
	switch {
	case strings.Contains(lower, "llama"):
		return llama2Format{}
	case strings.Contains(lower, "mistral"), strings.Contains(lower, "mixtral"):
		return mistralFormat{}
	case strings.Contains(lower, "vicuna"):
		return vicunaFormat{}
	case strings.Contains(lower, "chatml"), strings.Contains(lower, "qwen"):
		return chatmlFormat{}
	default:
		return mistralFormat{}
	}
}

// splitConversation separates system text from the user/assistant exchange.
// Multiple system messages are joined with blank lines.
func splitConversation(messages []llm.Message) (system string, turns []llm.Message) {
	var sys []string
	for _, m := range messages {
		if m.Role == "system" {
			if m.Content != "" {
				sys = append(sys, m.Content)
			}
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(sys, "\n\n"), turns
}

// cutAt truncates s at the first occurrence of any marker and trims space.
func cutAt(s string, markers ...string) string {
	for _, m := range markers {
		if i := strings.Index(s, m); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// ─── llama2 ─────────────────────────────────────────────────────────────────

// llama2Format renders the Llama 2 instruction template:
//
//	<s>[INST] <<SYS>>\n{system}\n<</SYS>>\n\n{user} [/INST] {assistant} </s>
type llama2Format struct{}

func (llama2Format) Format(messages []llm.Message) string {
	system, turns := splitConversation(messages)
	var b strings.Builder
	firstUser := true
	open := false
	for _, m := range turns {
		switch m.Role {
		case "user":
			if open {
				// Consecutive user messages share one instruction block.
				b.WriteString("\n")
				b.WriteString(m.Content)
				continue
			}
			b.WriteString("<s>[INST] ")
			if firstUser && system != "" {
				b.WriteString("<<SYS>>\n")
				b.WriteString(system)
				b.WriteString("\n<</SYS>>\n\n")
			}
			b.WriteString(m.Content)
			open = true
			firstUser = false
		case "assistant":
			if !open {
				continue
			}
			b.WriteString(" [/INST] ")
			b.WriteString(m.Content)
			b.WriteString(" </s>")
			open = false
		}
	}
	if open {
		b.WriteString(" [/INST]")
	}
	return b.String()
}

func (llama2Format) Extract(raw string) string {
	return cutAt(raw, "</s>", "[INST]")
}

func (llama2Format) Stop() []string {
	return []string{"</s>", "[INST]"}
}

// ─── mistral ────────────────────────────────────────────────────────────────

// mistralFormat renders the Mistral instruction template. Mistral has no
// system role, so system text is folded into the first user turn.
type mistralFormat struct{}

func (mistralFormat) Format(messages []llm.Message) string {
	system, turns := splitConversation(messages)
	var b strings.Builder
	b.WriteString("<s>")
	firstUser := true
	open := false
	for _, m := range turns {
		switch m.Role {
		case "user":
			if open {
				b.WriteString("\n")
				b.WriteString(m.Content)
				continue
			}
			b.WriteString("[INST] ")
			if firstUser && system != "" {
				b.WriteString(system)
				b.WriteString("\n\n")
			}
			b.WriteString(m.Content)
			open = true
			firstUser = false
		case "assistant":
			if !open {
				continue
			}
			b.WriteString(" [/INST]")
			b.WriteString(m.Content)
			b.WriteString("</s>")
			open = false
		}
	}
	if open {
		b.WriteString(" [/INST]")
	}
	return b.String()
}

func (mistralFormat) Extract(raw string) string {
	return cutAt(raw, "</s>", "[INST]")
}

func (mistralFormat) Stop() []string {
	return []string{"</s>", "[INST]"}
}

// ─── vicuna ─────────────────────────────────────────────────────────────────

// vicunaFormat renders the Vicuna v1.1 template: plain-text roles with a
// leading system paragraph.
type vicunaFormat struct{}

func (vicunaFormat) Format(messages []llm.Message) string {
	system, turns := splitConversation(messages)
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	for _, m := range turns {
		switch m.Role {
		case "user":
			b.WriteString("USER: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		case "assistant":
			b.WriteString("ASSISTANT: ")
			b.WriteString(m.Content)
			b.WriteString("</s>\n")
		}
	}
	b.WriteString("ASSISTANT:")
	return b.String()
}

func (vicunaFormat) Extract(raw string) string {
	return cutAt(raw, "</s>", "USER:")
}

func (vicunaFormat) Stop() []string {
	return []string{"</s>", "USER:"}
}

// ─── chatml ─────────────────────────────────────────────────────────────────

// chatmlFormat renders the ChatML template used by Qwen and many fine-tunes.
type chatmlFormat struct{}

func (chatmlFormat) Format(messages []llm.Message) string {
	system, turns := splitConversation(messages)
	var b strings.Builder
	if system != "" {
		b.WriteString("<|im_start|>system\n")
		b.WriteString(system)
		b.WriteString("<|im_end|>\n")
	}
	for _, m := range turns {
		switch m.Role {
		case "user", "assistant":
			b.WriteString("<|im_start|>")
			b.WriteString(m.Role)
			b.WriteString("\n")
			b.WriteString(m.Content)
			b.WriteString("<|im_end|>\n")
		}
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func (chatmlFormat) Extract(raw string) string {
	return cutAt(raw, "<|im_end|>", "<|im_start|>")
}

func (chatmlFormat) Stop() []string {
	return []string{"<|im_end|>", "<|im_start|>"}
}

// mergeStops combines formatter stops with caller stops, deduplicated,
// formatter stops first.
func mergeStops(formatter, caller []string) []string {
	seen := make(map[string]bool, len(formatter)+len(caller))
	out := make([]string, 0, len(formatter)+len(caller))
	for _, s := range formatter {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range caller {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
