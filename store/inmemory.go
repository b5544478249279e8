package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/compress"
)

// InMemoryStoreConfig configures the in-memory long-term store.
type InMemoryStoreConfig struct {
	// Dimension, when > 0, validates stored and searched vectors.
	Dimension int

	// QuantizeBits, when non-zero, stores embeddings in quantized form at
	// the given bit width (4, 8 or 16) instead of raw float64.
	QuantizeBits int
}

type docEntry struct {
	text   string
	raw    []float64
	packed *compress.CompressedVector
}

// vector reconstructs the stored embedding, decompressing when packed.
func (d docEntry) vector() ([]float64, error) {
	if d.packed == nil {
		return d.raw, nil
	}
	q, err := compress.NewQuantizer(d.packed.Bits)
	if err != nil {
		return nil, err
	}
	return q.Decompress(d.packed)
}

// InMemoryStore is a reference LongTermStore backed by a map with cosine
// similarity search. It backs tests and single-process deployments; a
// production deployment plugs a vector database in behind the same interface.
// With QuantizeBits set, vectors live in quantized form and Reencode migrates
// them when the committed bit width changes.
type InMemoryStore struct {
	mu        sync.RWMutex
	items     map[string]docEntry
	dimension int
	quant     *compress.Quantizer
	logger    *zap.Logger
}

// NewInMemoryStore creates an empty in-memory store. An unsupported
// QuantizeBits falls back to raw storage.
func NewInMemoryStore(config InMemoryStoreConfig, logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "longterm_inmemory"))

	var quant *compress.Quantizer
	if config.QuantizeBits != 0 {
		q, err := compress.NewQuantizer(config.QuantizeBits)
		if err != nil {
			logger.Warn("quantization disabled", zap.Error(err))
		} else {
			quant = q
		}
	}
	return &InMemoryStore{
		items:     make(map[string]docEntry),
		dimension: config.Dimension,
		quant:     quant,
		logger:    logger,
	}
}

// Bits returns the active quantization bit width, 0 when storing raw.
func (s *InMemoryStore) Bits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quant == nil {
		return 0
	}
	return s.quant.Bits()
}

// Add stores a document with its embedding.
func (s *InMemoryStore) Add(ctx context.Context, sourceID, text string, vector []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sourceID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.dimension > 0 && len(vector) != s.dimension {
		return fmt.Errorf("vector dimension mismatch: got %d want %d", len(vector), s.dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc := docEntry{text: text}
	if s.quant != nil {
		packed, err := s.quant.Compress(vector)
		if err != nil {
			return fmt.Errorf("quantize document %s: %w", sourceID, err)
		}
		doc.packed = packed
	} else {
		doc.raw = append([]float64(nil), vector...)
	}
	s.items[sourceID] = doc
	return nil
}

// Search returns the k nearest documents by cosine similarity.
func (s *InMemoryStore) Search(ctx context.Context, queryEmbedding []float64, k int) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.dimension > 0 && len(queryEmbedding) != s.dimension {
		return nil, fmt.Errorf("query dimension mismatch: got %d want %d", len(queryEmbedding), s.dimension)
	}

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.items))
	for id, doc := range s.items {
		vec, err := doc.vector()
		if err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode vector for %s: %w", id, err)
		}
		results = append(results, SearchResult{
			SourceID:  id,
			Text:      doc.text,
			Embedding: append([]float64(nil), vec...),
			Score:     CosineSimilarity(queryEmbedding, vec),
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].SourceID < results[j].SourceID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Reencode migrates every stored vector to the given bit width. A no-op when
// the width is already active. The decompress-recompress chain is lossy in
// the same way serving is, so repeated migrations stay bounded by the
// narrowest width visited.
func (s *InMemoryStore) Reencode(bits int) error {
	newQ, err := compress.NewQuantizer(bits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quant != nil && s.quant.Bits() == bits {
		return nil
	}
	for id, doc := range s.items {
		vec, err := doc.vector()
		if err != nil {
			return fmt.Errorf("reencode %s: %w", id, err)
		}
		packed, err := newQ.Compress(vec)
		if err != nil {
			return fmt.Errorf("reencode %s: %w", id, err)
		}
		doc.raw = nil
		doc.packed = packed
		s.items[id] = doc
	}
	s.quant = newQ
	s.logger.Info("long-term vectors re-encoded",
		zap.Int("bits", bits), zap.Int("documents", len(s.items)))
	return nil
}

// Len returns the number of stored documents.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// CosineSimilarity returns the cosine of two vectors mapped to [0,1].
// Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
