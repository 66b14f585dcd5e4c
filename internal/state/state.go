// Package state holds the conversation state that flows through the turn
// graph, together with the merge rules that combine node output into it.
// Every node receives a snapshot and returns a [Delta]; only [Merge]
// produces the next state, so concurrent branches can never write into a
// shared structure directly.
package state

import "time"

// ─── Messages ───

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IsValid reports whether the role is one of the known values.
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation entry. Metadata is carried verbatim
// through serialization so upstream annotations survive a restart.
type Message struct {
	Type        MessageRole    `json:"type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedTime time.Time      `json:"created_time,omitzero"`
}

// ─── Activation ───

// ActivationStatus is the lifecycle position of the current turn.
type ActivationStatus string

const (
	StatusInactive   ActivationStatus = "inactive"
	StatusListening  ActivationStatus = "listening"
	StatusProcessing ActivationStatus = "processing"
	StatusSpeaking   ActivationStatus = "speaking"
)

// IsValid reports whether the status is one of the known values.
func (s ActivationStatus) IsValid() bool {
	switch s {
	case StatusInactive, StatusListening, StatusProcessing, StatusSpeaking:
		return true
	}
	return false
}

// CanAdvanceTo reports whether moving to next is a legal forward step.
// The cycle runs inactive, listening, processing, speaking, inactive;
// dropping back to inactive is allowed from anywhere on error.
func (s ActivationStatus) CanAdvanceTo(next ActivationStatus) bool {
	if next == StatusInactive {
		return true
	}
	switch s {
	case StatusInactive:
		return next == StatusListening
	case StatusListening:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSpeaking
	case StatusSpeaking:
		return false
	}
	return false
}

// ActivationMode selects how the assistant decides to start listening.
type ActivationMode string

const (
	ModeContinuous ActivationMode = "continuous"
	ModeWakeWord   ActivationMode = "wake_word"
	ModeScheduled  ActivationMode = "scheduled"
	ModeManual     ActivationMode = "manual"
	ModeOff        ActivationMode = "off"
)

// IsValid reports whether the mode is one of the known values.
func (m ActivationMode) IsValid() bool {
	switch m {
	case ModeContinuous, ModeWakeWord, ModeScheduled, ModeManual, ModeOff:
		return true
	}
	return false
}

// Activation tracks whether and why the assistant is engaged.
type Activation struct {
	Status             ActivationStatus `json:"status"`
	Mode               ActivationMode   `json:"mode"`
	LastActivationTime time.Time        `json:"last_activation_time,omitzero"`
	WakeWordDetected   bool             `json:"wake_word_detected"`
}

// ─── Turn configuration ───

// TurnConfig is the per-turn slice of configuration the graph consults
// while routing a single exchange. It is frozen at turn start.
type TurnConfig struct {
	TTSEnabled          bool `json:"tts_enabled"`
	MemoryEnabled       bool `json:"memory_enabled"`
	LatencyPriority     bool `json:"latency_priority"`
	SummarizeThreshold  int  `json:"summarize_threshold"`
	KeepRecent          int  `json:"keep_recent"`
	LocalTimeoutMS      int  `json:"local_timeout_ms"`
	APITimeoutMS        int  `json:"api_timeout_ms"`
	MinAcceptableTokens int  `json:"min_acceptable_tokens"`
}

// ─── State ───

// State is the full conversation record at one point in a turn. Audio,
// Memory, and Processing are open maps so providers can attach fields the
// core does not model; those fields round-trip untouched.
type State struct {
	Messages   []Message      `json:"messages"`
	Audio      map[string]any `json:"audio,omitempty"`
	Memory     map[string]any `json:"memory,omitempty"`
	Config     TurnConfig     `json:"config"`
	Activation Activation     `json:"activation"`
	Processing map[string]any `json:"processing,omitempty"`
}

// New returns an empty state in the given activation mode.
func New(mode ActivationMode) State {
	return State{
		Audio:      map[string]any{},
		Memory:     map[string]any{},
		Processing: map[string]any{},
		Activation: Activation{Status: StatusInactive, Mode: mode},
	}
}

// LastMessage returns the most recent message of the given role, or false
// when none exists.
func (s State) LastMessage(role MessageRole) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Type == role {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// ProcessingBool reads a boolean flag from the processing section,
// defaulting to false for missing or mistyped values.
func (s State) ProcessingBool(key string) bool {
	v, ok := s.Processing[key].(bool)
	return ok && v
}

// ProcessingString reads a string from the processing section, defaulting
// to empty for missing or mistyped values.
func (s State) ProcessingString(key string) string {
	v, _ := s.Processing[key].(string)
	return v
}

// Timestamp formats t the way time-valued keys are written into the open
// map sections, so re-serialization is byte stable.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
