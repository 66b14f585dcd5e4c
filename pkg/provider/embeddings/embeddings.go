// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The memory
// layer uses these vectors for semantic retrieval: past conversation
// chunks and stored user preferences are ranked by cosine distance to
// the embedded query.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality, returned by Dimensions. Vectors from different
// providers, or from the same provider with a different model, live in
// different spaces and must not be compared; the memory store persists
// ModelID next to each vector so stale embeddings can be detected and
// recomputed.
type Provider interface {
	// Embed computes the embedding vector for a single text. The text is
	// passed to the model verbatim; any model-specific prompt prefix is
	// the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in one provider
	// call. The result has the same length and order as texts. On error
	// the whole result is nil; partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by
	// this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for
	// logging and for tagging stored vectors.
	ModelID() string
}
