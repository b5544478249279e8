package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// HashEmbedder is a deterministic Embedder for tests and offline runs.
// It folds token hashes into a fixed-dimension vector; identical text always
// yields the identical vector.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &HashEmbedder{dimension: dimension}
}

// Dimension returns the output vector length.
func (h *HashEmbedder) Dimension() int { return h.dimension }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, h.dimension)
	sum := sha256.Sum256([]byte(text))
	// Expand the digest over the vector with per-slot counters.
	for i := 0; i < h.dimension; i++ {
		var buf [36]byte
		copy(buf[:32], sum[:])
		binary.LittleEndian.PutUint32(buf[32:], uint32(i))
		slot := sha256.Sum256(buf[:])
		raw := binary.LittleEndian.Uint64(slot[:8])
		vec[i] = float64(raw%2000)/1000.0 - 1.0 // [-1, 1)
	}
	return vec, nil
}

func (h *HashEmbedder) Similarity(a, b []float64) float64 {
	return CosineSimilarity(a, b)
}
