package state

// Delta is a partial state update produced by one node. Nil sections are
// left untouched by [Merge]; non-nil map sections merge key by key.
type Delta struct {
	// Messages are appended to the conversation unless ReplaceMessages
	// is set, which swaps the whole list in one step. Replacement is
	// reserved for summarization so truncation is atomic.
	Messages        []Message
	ReplaceMessages bool

	Audio      map[string]any
	Memory     map[string]any
	Config     *TurnConfig
	Activation *Activation
	Processing map[string]any
}

// IsZero reports whether applying the delta would change nothing.
func (d Delta) IsZero() bool {
	return len(d.Messages) == 0 && !d.ReplaceMessages &&
		len(d.Audio) == 0 && len(d.Memory) == 0 &&
		d.Config == nil && d.Activation == nil && len(d.Processing) == 0
}

// Merge applies d to prev and returns the next state. prev is never
// mutated; shared map sections are copied before modification so
// snapshots held by concurrent branches stay valid.
func Merge(prev State, d Delta) State {
	next := prev

	switch {
	case d.ReplaceMessages:
		next.Messages = append([]Message(nil), d.Messages...)
	case len(d.Messages) > 0:
		merged := make([]Message, 0, len(prev.Messages)+len(d.Messages))
		merged = append(merged, prev.Messages...)
		merged = append(merged, d.Messages...)
		next.Messages = merged
	}

	if len(d.Audio) > 0 {
		next.Audio = shallowMerge(prev.Audio, d.Audio)
	}
	if len(d.Memory) > 0 {
		next.Memory = shallowMerge(prev.Memory, d.Memory)
	}
	if d.Config != nil {
		next.Config = *d.Config
	}
	if d.Activation != nil {
		next.Activation = *d.Activation
	}
	if len(d.Processing) > 0 {
		next.Processing = deepMerge(prev.Processing, d.Processing)
	}
	return next
}

// Clone returns a state whose map sections are independent of s. Branches
// that run concurrently each receive a clone so reads never race with the
// merge of a sibling's delta.
func (s State) Clone() State {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Audio = shallowMerge(s.Audio, nil)
	c.Memory = shallowMerge(s.Memory, nil)
	c.Processing = deepClone(s.Processing)
	return c
}

// shallowMerge copies base and overlays the top-level keys of over.
func shallowMerge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// deepMerge copies base and overlays over, recursing where both sides
// hold a nested map. Anything else on the right side wins.
func deepMerge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = deepMerge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// deepClone copies m and every nested map[string]any inside it.
func deepClone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepClone(nested)
			continue
		}
		out[k] = v
	}
	return out
}
