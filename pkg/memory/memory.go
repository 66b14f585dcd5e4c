// Package memory defines the long-term memory contract used by the
// conversation flow.
//
// An Engine persists completed exchanges, indexes free text for semantic
// retrieval, and answers the retrieval queries the flow fans out before each
// turn: relevant context snippets, similar past conversations, and stored
// user preferences. Two implementations ship with this module:
// [github.com/antiphon-ai/antiphon/pkg/memory/filestore] for fully offline
// operation and [github.com/antiphon-ai/antiphon/pkg/memory/postgres] for
// vector search over pgvector.
//
// Memory is an enrichment, never a dependency: callers are expected to treat
// every error returned by an Engine as degradable and carry on with the turn.
package memory

import (
	"context"
	"time"
)

// Item is a single retrieved context snippet.
type Item struct {
	// ID uniquely identifies the underlying stored record.
	ID string

	// Content is the snippet text.
	Content string

	// Score is the relevance of this item to the query, in [0, 1] with
	// higher meaning more relevant. Engines derive it differently (cosine
	// similarity, keyword overlap, ts_rank) but all normalize into this
	// range so callers can threshold uniformly.
	Score float64

	// Metadata carries whatever was stored alongside the text.
	Metadata map[string]any
}

// ConversationSnippet is a past exchange surfaced by
// [Engine.RetrieveConversations].
type ConversationSnippet struct {
	ID               string
	UserMessage      string
	AssistantMessage string

	// Score is the relevance to the query, in [0, 1].
	Score float64

	// Timestamp is when the exchange happened.
	Timestamp time.Time
}

// Interaction is one completed user/assistant exchange to persist.
type Interaction struct {
	// ID is assigned by the engine when empty.
	ID string

	// ConversationID groups exchanges belonging to the same conversation.
	ConversationID string

	UserMessage      string
	AssistantMessage string

	// Metadata carries free-form annotations (detected topic, track used,
	// latency) that travel with the exchange.
	Metadata map[string]any

	// Timestamp defaults to the time of storage when zero.
	Timestamp time.Time
}

// Preference is a durable user preference, keyed by category
// (e.g. "units", "verbosity", "news_sources").
type Preference struct {
	// ID is assigned by the engine when empty.
	ID string

	// Category buckets related preferences for retrieval.
	Category string

	// Content is the preference statement itself.
	Content string

	Metadata map[string]any

	// UpdatedAt defaults to the time of storage when zero. Retrieval
	// returns the most recently updated preferences first.
	UpdatedAt time.Time
}

// Engine is the long-term memory backend.
//
// Implementations must be safe for concurrent use; the flow queries an
// Engine from several goroutines at once while assembling turn context.
// All retrieval methods return empty (never nil) slices when nothing
// matches.
type Engine interface {
	// RetrieveContext returns up to maxResults snippets relevant to query,
	// most relevant first. maxResults <= 0 applies an engine default.
	RetrieveContext(ctx context.Context, query string, maxResults int) ([]Item, error)

	// RetrieveConversations returns up to maxResults past exchanges similar
	// to query, most relevant first. Archived conversations are excluded.
	RetrieveConversations(ctx context.Context, query string, maxResults int) ([]ConversationSnippet, error)

	// RetrievePreferences returns stored preferences in category, most
	// recently updated first. An empty category returns preferences across
	// all categories.
	RetrievePreferences(ctx context.Context, category string, maxResults int) ([]Preference, error)

	// StoreInteraction persists one completed exchange. A zero ID or
	// Timestamp is filled in by the engine.
	StoreInteraction(ctx context.Context, in Interaction) error

	// StorePreference persists a preference, replacing any existing record
	// with the same ID.
	StorePreference(ctx context.Context, pref Preference) error

	// UpdateEmbeddings indexes text for later RetrieveContext queries.
	// Metadata is stored alongside and returned with matching items.
	UpdateEmbeddings(ctx context.Context, text string, metadata map[string]any) error

	// GenerateSummary condenses conversation history snippets (oldest
	// first) into a short summary suitable for injection as context.
	// An empty history yields an empty summary and no error.
	GenerateSummary(ctx context.Context, history []string) (string, error)

	// ArchiveConversations marks the given interaction IDs as archived so
	// they no longer appear in RetrieveConversations. Unknown IDs are
	// ignored.
	ArchiveConversations(ctx context.Context, ids []string) error

	// Close releases the engine's resources. The engine must not be used
	// afterwards.
	Close() error
}
