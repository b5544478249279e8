// Package store defines the long-term memory boundary: the authoritative
// Tier-3 semantic store and the external embedding function. Both are
// collaborators; the engine never retries them on its own.
package store

import "context"

// SearchResult is one scored document from the long-term store.
type SearchResult struct {
	SourceID  string    `json:"source_id"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding,omitempty"`
	Score     float64   `json:"score"`
}

// LongTermStore is the Tier-3 collaborator. It must be available for any
// cold request; latency is unconstrained but logged by the caller.
type LongTermStore interface {
	// Search returns the k most similar documents to the query embedding.
	Search(ctx context.Context, queryEmbedding []float64, k int) ([]SearchResult, error)
}

// DocumentWriter is implemented by long-term stores that accept direct
// document ingestion. External vector databases typically ingest out of
// band and only implement LongTermStore.
type DocumentWriter interface {
	// Add stores a document with its embedding.
	Add(ctx context.Context, sourceID, text string, vector []float64) error
}

// Reencoder is implemented by long-term stores that hold vectors in a
// quantized representation and can migrate them to a new bit width when the
// committed compression policy changes.
type Reencoder interface {
	// Reencode migrates stored vectors to the given bit width.
	Reencode(bits int) error
}

// Embedder is the external embedding/similarity function. Treated as pure;
// retry policy is the collaborator's concern.
type Embedder interface {
	// Embed converts text to a vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// Similarity returns a score in [0,1] for two vectors.
	Similarity(a, b []float64) float64
}
