// Package mock provides an in-memory test double for [memory.Engine].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what each method returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	engine := &mock.Engine{}
//	engine.ContextResult = []memory.Item{{Content: "prefers metric"}}
//
//	// inject engine into the system under test …
//
//	if got := engine.CallCount("RetrieveContext"); got != 1 {
//	    t.Errorf("expected 1 RetrieveContext call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/antiphon-ai/antiphon/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Engine is a configurable test double for [memory.Engine].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty non-nil slice returned).
type Engine struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// ContextResult is returned by [Engine.RetrieveContext].
	ContextResult []memory.Item

	// ContextErr is returned by [Engine.RetrieveContext] when non-nil.
	ContextErr error

	// ConversationsResult is returned by [Engine.RetrieveConversations].
	ConversationsResult []memory.ConversationSnippet

	// ConversationsErr is returned by [Engine.RetrieveConversations] when non-nil.
	ConversationsErr error

	// PreferencesResult is returned by [Engine.RetrievePreferences].
	PreferencesResult []memory.Preference

	// PreferencesErr is returned by [Engine.RetrievePreferences] when non-nil.
	PreferencesErr error

	// StoreInteractionErr is returned by [Engine.StoreInteraction] when non-nil.
	StoreInteractionErr error

	// StorePreferenceErr is returned by [Engine.StorePreference] when non-nil.
	StorePreferenceErr error

	// UpdateEmbeddingsErr is returned by [Engine.UpdateEmbeddings] when non-nil.
	UpdateEmbeddingsErr error

	// SummaryResult is returned by [Engine.GenerateSummary].
	SummaryResult string

	// SummaryErr is returned by [Engine.GenerateSummary] when non-nil.
	SummaryErr error

	// ArchiveErr is returned by [Engine.ArchiveConversations] when non-nil.
	ArchiveErr error

	// CloseErr is returned by [Engine.Close] when non-nil.
	CloseErr error
}

var _ memory.Engine = (*Engine)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Engine) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Engine) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Engine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// RetrieveContext implements [memory.Engine].
func (m *Engine) RetrieveContext(_ context.Context, query string, maxResults int) ([]memory.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RetrieveContext", Args: []any{query, maxResults}})
	if m.ContextErr != nil {
		return nil, m.ContextErr
	}
	out := make([]memory.Item, len(m.ContextResult))
	copy(out, m.ContextResult)
	return out, nil
}

// RetrieveConversations implements [memory.Engine].
func (m *Engine) RetrieveConversations(_ context.Context, query string, maxResults int) ([]memory.ConversationSnippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RetrieveConversations", Args: []any{query, maxResults}})
	if m.ConversationsErr != nil {
		return nil, m.ConversationsErr
	}
	out := make([]memory.ConversationSnippet, len(m.ConversationsResult))
	copy(out, m.ConversationsResult)
	return out, nil
}

// RetrievePreferences implements [memory.Engine].
func (m *Engine) RetrievePreferences(_ context.Context, category string, maxResults int) ([]memory.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RetrievePreferences", Args: []any{category, maxResults}})
	if m.PreferencesErr != nil {
		return nil, m.PreferencesErr
	}
	out := make([]memory.Preference, len(m.PreferencesResult))
	copy(out, m.PreferencesResult)
	return out, nil
}

// StoreInteraction implements [memory.Engine].
func (m *Engine) StoreInteraction(_ context.Context, in memory.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "StoreInteraction", Args: []any{in}})
	return m.StoreInteractionErr
}

// StorePreference implements [memory.Engine].
func (m *Engine) StorePreference(_ context.Context, pref memory.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "StorePreference", Args: []any{pref}})
	return m.StorePreferenceErr
}

// UpdateEmbeddings implements [memory.Engine].
func (m *Engine) UpdateEmbeddings(_ context.Context, text string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateEmbeddings", Args: []any{text, metadata}})
	return m.UpdateEmbeddingsErr
}

// GenerateSummary implements [memory.Engine].
func (m *Engine) GenerateSummary(_ context.Context, history []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := make([]string, len(history))
	copy(hist, history)
	m.calls = append(m.calls, Call{Method: "GenerateSummary", Args: []any{hist}})
	if m.SummaryErr != nil {
		return "", m.SummaryErr
	}
	return m.SummaryResult, nil
}

// ArchiveConversations implements [memory.Engine].
func (m *Engine) ArchiveConversations(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	archived := make([]string, len(ids))
	copy(archived, ids)
	m.calls = append(m.calls, Call{Method: "ArchiveConversations", Args: []any{archived}})
	return m.ArchiveErr
}

// Close implements [memory.Engine].
func (m *Engine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	return m.CloseErr
}
