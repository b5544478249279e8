package compress_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/rehydrate/store"

	. "github.com/BaSui01/rehydrate/compress"
)

func holdoutVectors(t *testing.T, n, dim int) [][]float64 {
	t.Helper()
	emb := store.NewHashEmbedder(dim)
	out := make([][]float64, n)
	for i := range out {
		vec, err := emb.Embed(context.Background(), string(rune('a'+i))+"-holdout-document")
		require.NoError(t, err)
		out[i] = vec
	}
	return out
}

func TestValidator_Accepts16Bit(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), store.CosineSimilarity, nil)
	holdout := holdoutVectors(t, 10, 128)

	// 16-bit keeps pairwise similarity essentially intact.
	assert.NoError(t, v.Validate(16, holdout))
	assert.NoError(t, v.Validate(8, holdout))
}

func TestValidator_RejectsWhenDegraded(t *testing.T) {
	// Zero tolerance: any quantization noise at 4 bits trips the check.
	v := NewValidator(ValidatorConfig{MaxMeanDegradation: 0, MinPairs: 4}, store.CosineSimilarity, nil)
	holdout := holdoutVectors(t, 6, 32)

	err := v.Validate(4, holdout)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQualityRejected)
}

func TestValidator_HoldoutTooSmall(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), store.CosineSimilarity, nil)
	err := v.Validate(8, holdoutVectors(t, 3, 16))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQualityRejected)
}

func TestValidator_InvalidBits(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), store.CosineSimilarity, nil)
	assert.Error(t, v.Validate(3, holdoutVectors(t, 10, 16)))
}
