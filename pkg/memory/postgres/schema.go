// Package postgres implements [memory.Engine] backed by PostgreSQL with the
// pgvector extension.
//
// Context snippets live in a memory_chunks table with an HNSW cosine index
// over their embeddings; conversations and preferences are plain relational
// tables, with a GIN full-text index driving conversation search. All
// operations share a single [pgxpool.Pool].
//
// Usage:
//
//	engine, err := postgres.New(ctx, dsn, embedder)
//	if err != nil { … }
//	defer engine.Close()
//
//	items, _ := engine.RetrieveContext(ctx, "what did we decide about the trip?", 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlInteractions = `
CREATE TABLE IF NOT EXISTS interactions (
    id                TEXT         PRIMARY KEY,
    conversation_id   TEXT         NOT NULL DEFAULT '',
    user_message      TEXT         NOT NULL,
    assistant_message TEXT         NOT NULL,
    metadata          JSONB        NOT NULL DEFAULT '{}',
    archived          BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interactions_conversation_id
    ON interactions (conversation_id);

CREATE INDEX IF NOT EXISTS idx_interactions_created_at
    ON interactions (created_at);

CREATE INDEX IF NOT EXISTS idx_interactions_fts
    ON interactions USING GIN (to_tsvector('english', user_message || ' ' || assistant_message));
`

const ddlPreferences = `
CREATE TABLE IF NOT EXISTS preferences (
    id          TEXT         PRIMARY KEY,
    category    TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_preferences_category
    ON preferences (category);

CREATE INDEX IF NOT EXISTS idx_preferences_updated_at
    ON preferences (updated_at);
`

// ddlChunks returns the chunk table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_chunks (
    id          TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    metadata    JSONB        NOT NULL DEFAULT '{}',
    model_id    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_chunks_embedding
    ON memory_chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_memory_chunks_fts
    ON memory_chunks USING GIN (to_tsvector('english', content));
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlChunks(embeddingDimensions),
		ddlInteractions,
		ddlPreferences,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
