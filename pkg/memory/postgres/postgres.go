package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/antiphon-ai/antiphon/pkg/memory"
	"github.com/antiphon-ai/antiphon/pkg/provider/embeddings"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

const defaultMaxResults = 5

const summarySystemPrompt = "You condense excerpts of a conversation between a user and a " +
	"voice assistant into a short summary. Keep names, decisions, stated " +
	"preferences and open questions. Reply with the summary only, no preamble."

// Store is a PostgreSQL-backed [memory.Engine].
//
// All methods are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	embedder   embeddings.Provider
	summarizer llm.Provider
	logger     *slog.Logger
}

var _ memory.Engine = (*Store)(nil)

// Option customizes a [Store].
type Option func(*Store)

// WithSummarizer sets the model used by GenerateSummary. Without one,
// summaries fall back to a verbatim tail of the history.
func WithSummarizer(p llm.Provider) Option {
	return func(s *Store) { s.summarizer = p }
}

// WithLogger sets the logger for degraded-path warnings. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] using the
// embedder's dimension so the vector column matches the configured model.
//
// The embedder is required: it turns stored and queried text into the
// vectors that drive RetrieveContext. Deployments without an embedding
// model should use the filestore engine instead.
func New(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("postgres memory: embedder must not be nil")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memory: ping: %w", err)
	}

	dims := embedder.Dimensions()
	if dims <= 0 {
		pool.Close()
		return nil, fmt.Errorf("postgres memory: unknown embedding dimensions for model %q", embedder.ModelID())
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memory: migrate: %w", err)
	}

	s := &Store{
		pool:     pool,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RetrieveContext implements [memory.Engine]. The query is embedded and
// matched against the chunk index by cosine distance. When the embedding
// call fails the search degrades to full-text matching so an embedding
// outage does not cost the turn its context.
func (s *Store) RetrieveContext(ctx context.Context, query string, maxResults int) ([]memory.Item, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if strings.TrimSpace(query) == "" {
		return []memory.Item{}, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("postgres memory: retrieve context: %w", ctxErr)
		}
		s.logger.Warn("query embedding failed, falling back to text search", "error", err)
		return s.contextByText(ctx, query, maxResults)
	}
	return s.contextByVector(ctx, embedding, maxResults)
}

func (s *Store) contextByVector(ctx context.Context, embedding []float32, limit int) ([]memory.Item, error) {
	const q = `
		SELECT id, content, metadata,
		       embedding <=> $1 AS distance
		FROM   memory_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: vector search: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Item, error) {
		var (
			it       memory.Item
			metaJSON []byte
			distance float64
		)
		if err := row.Scan(&it.ID, &it.Content, &metaJSON, &distance); err != nil {
			return memory.Item{}, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
				return memory.Item{}, err
			}
		}
		it.Score = clampScore(1.0 - distance)
		return it, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if items == nil {
		items = []memory.Item{}
	}
	return items, nil
}

func (s *Store) contextByText(ctx context.Context, query string, limit int) ([]memory.Item, error) {
	// Normalization flag 32 maps ts_rank into [0, 1) so scores stay
	// comparable with the cosine path.
	const q = `
		SELECT id, content, metadata,
		       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1), 32) AS rank
		FROM   memory_chunks
		WHERE  to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER  BY rank DESC, created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: text search: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Item, error) {
		var (
			it       memory.Item
			metaJSON []byte
			rank     float64
		)
		if err := row.Scan(&it.ID, &it.Content, &metaJSON, &rank); err != nil {
			return memory.Item{}, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
				return memory.Item{}, err
			}
		}
		it.Score = clampScore(rank)
		return it, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if items == nil {
		items = []memory.Item{}
	}
	return items, nil
}

// RetrieveConversations implements [memory.Engine]. Matching is PostgreSQL
// full-text search over both sides of each stored exchange; archived rows
// are excluded.
func (s *Store) RetrieveConversations(ctx context.Context, query string, maxResults int) ([]memory.ConversationSnippet, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if strings.TrimSpace(query) == "" {
		return []memory.ConversationSnippet{}, nil
	}

	const q = `
		SELECT id, user_message, assistant_message,
		       ts_rank(to_tsvector('english', user_message || ' ' || assistant_message),
		               plainto_tsquery('english', $1), 32) AS rank,
		       created_at
		FROM   interactions
		WHERE  NOT archived
		  AND  to_tsvector('english', user_message || ' ' || assistant_message)
		       @@ plainto_tsquery('english', $1)
		ORDER  BY rank DESC, created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, maxResults)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: conversation search: %w", err)
	}
	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ConversationSnippet, error) {
		var (
			cs   memory.ConversationSnippet
			rank float64
		)
		if err := row.Scan(&cs.ID, &cs.UserMessage, &cs.AssistantMessage, &rank, &cs.Timestamp); err != nil {
			return memory.ConversationSnippet{}, err
		}
		cs.Score = clampScore(rank)
		return cs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if snippets == nil {
		snippets = []memory.ConversationSnippet{}
	}
	return snippets, nil
}

// RetrievePreferences implements [memory.Engine].
func (s *Store) RetrievePreferences(ctx context.Context, category string, maxResults int) ([]memory.Preference, error) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := "SELECT id, category, content, metadata, updated_at\nFROM   preferences"
	if category != "" {
		q += "\nWHERE  category = " + next(category)
	}
	q += "\nORDER  BY updated_at DESC\nLIMIT  " + next(maxResults)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: preference query: %w", err)
	}
	prefs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Preference, error) {
		var (
			p        memory.Preference
			metaJSON []byte
		)
		if err := row.Scan(&p.ID, &p.Category, &p.Content, &metaJSON, &p.UpdatedAt); err != nil {
			return memory.Preference{}, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
				return memory.Preference{}, err
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if prefs == nil {
		prefs = []memory.Preference{}
	}
	return prefs, nil
}

// StoreInteraction implements [memory.Engine].
func (s *Store) StoreInteraction(ctx context.Context, in memory.Interaction) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	metaJSON, err := json.Marshal(metadataOrEmpty(in.Metadata))
	if err != nil {
		return fmt.Errorf("postgres memory: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO interactions
		    (id, conversation_id, user_message, assistant_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, q,
		in.ID,
		in.ConversationID,
		in.UserMessage,
		in.AssistantMessage,
		metaJSON,
		in.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres memory: store interaction: %w", err)
	}
	return nil
}

// StorePreference implements [memory.Engine]. A preference with an existing
// ID is completely replaced.
func (s *Store) StorePreference(ctx context.Context, pref memory.Preference) error {
	if pref.Category == "" {
		return fmt.Errorf("postgres memory: store preference: empty category")
	}
	if pref.ID == "" {
		pref.ID = uuid.NewString()
	}
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now()
	}
	metaJSON, err := json.Marshal(metadataOrEmpty(pref.Metadata))
	if err != nil {
		return fmt.Errorf("postgres memory: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO preferences (id, category, content, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    category   = EXCLUDED.category,
		    content    = EXCLUDED.content,
		    metadata   = EXCLUDED.metadata,
		    updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, q, pref.ID, pref.Category, pref.Content, metaJSON, pref.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres memory: store preference: %w", err)
	}
	return nil
}

// UpdateEmbeddings implements [memory.Engine]. The text is embedded with the
// configured model and upserted into the chunk index together with its
// metadata and the producing model's ID, so stale vectors can be found after
// a model change.
func (s *Store) UpdateEmbeddings(ctx context.Context, text string, metadata map[string]any) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("postgres memory: update embeddings: empty text")
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("postgres memory: embed text: %w", err)
	}
	metaJSON, err := json.Marshal(metadataOrEmpty(metadata))
	if err != nil {
		return fmt.Errorf("postgres memory: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO memory_chunks (id, content, embedding, metadata, model_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, q,
		uuid.NewString(),
		text,
		pgvector.NewVector(embedding),
		metaJSON,
		s.embedder.ModelID(),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("postgres memory: index chunk: %w", err)
	}
	return nil
}

// GenerateSummary implements [memory.Engine]. With a summarizer configured
// the history is condensed by the model; otherwise, or when the model call
// fails, the most recent snippets are returned verbatim.
func (s *Store) GenerateSummary(ctx context.Context, history []string) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	if s.summarizer != nil {
		resp, err := s.summarizer.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{
				{Role: "user", Content: strings.Join(history, "\n")},
			},
			SystemPrompt: summarySystemPrompt,
			Temperature:  0.3,
			MaxTokens:    256,
		})
		if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("postgres memory: generate summary: %w", ctxErr)
		}
		s.logger.Warn("summary model failed, returning recent snippets", "error", err)
	}

	keep := history
	if len(keep) > 6 {
		keep = keep[len(keep)-6:]
	}
	return strings.Join(keep, "\n"), nil
}

// ArchiveConversations implements [memory.Engine]. Unknown IDs are ignored.
func (s *Store) ArchiveConversations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE interactions SET archived = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres memory: archive conversations: %w", err)
	}
	return nil
}

// Close implements [memory.Engine]. It closes the connection pool and waits
// for checked-out connections to be returned.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// clampScore bounds a relevance value to [0, 1]. Cosine distance can exceed
// 1 for opposed vectors, which would otherwise produce negative scores.
func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// metadataOrEmpty substitutes an empty object for nil so the JSONB column
// never stores a JSON null.
func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
