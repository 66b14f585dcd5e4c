package state

import (
	"encoding/json"
	"fmt"
)

// Marshal serializes s as indented JSON. The output is deterministic for
// a given state because map keys are sorted by the encoder, which keeps
// checkpoint files diffable and re-serialization byte stable.
func Marshal(s State) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("state: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal restores a state from JSON. Map sections are always non-nil
// afterwards so callers can index them without guards. Unknown keys inside
// the map sections and message metadata are preserved as decoded.
func Unmarshal(b []byte) (State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("state: unmarshal: %w", err)
	}
	if s.Audio == nil {
		s.Audio = map[string]any{}
	}
	if s.Memory == nil {
		s.Memory = map[string]any{}
	}
	if s.Processing == nil {
		s.Processing = map[string]any{}
	}
	if !s.Activation.Status.IsValid() {
		return State{}, fmt.Errorf("state: unmarshal: invalid activation status %q", s.Activation.Status)
	}
	if !s.Activation.Mode.IsValid() {
		return State{}, fmt.Errorf("state: unmarshal: invalid activation mode %q", s.Activation.Mode)
	}
	for i, m := range s.Messages {
		if !m.Type.IsValid() {
			return State{}, fmt.Errorf("state: unmarshal: message %d has invalid type %q", i, m.Type)
		}
	}
	return s, nil
}
