package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Empty(t *testing.T) {
	est := NewEstimator()
	n, err := est.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEstimator_ASCII(t *testing.T) {
	est := NewEstimator()

	// 40 个 ASCII 字符, 约 4 字符/token
	n, err := est.CountTokens("the quick brown fox jumps over the lazy")
	require.NoError(t, err)
	assert.InDelta(t, 10, n, 2)
}

func TestEstimator_CJK(t *testing.T) {
	est := NewEstimator()

	// 6 个 CJK 字符, 约 1.5 字符/token
	n, err := est.CountTokens("内存再水化引擎")
	require.NoError(t, err)
	assert.InDelta(t, 4, n, 1)
}

func TestEstimator_MinimumOne(t *testing.T) {
	est := NewEstimator()
	n, err := est.CountTokens("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEstimator_Encode(t *testing.T) {
	est := NewEstimator()
	ids, err := est.Encode("hello world, hello tokens")
	require.NoError(t, err)
	n, _ := est.CountTokens("hello world, hello tokens")
	assert.Len(t, ids, n)
}

type failingTokenizer struct{}

func (failingTokenizer) Name() string                    { return "failing" }
func (failingTokenizer) CountTokens(string) (int, error) { return 0, errors.New("encoding unavailable") }
func (failingTokenizer) Encode(string) ([]int, error)    { return nil, errors.New("encoding unavailable") }

func TestFallback_UsesEstimateOnError(t *testing.T) {
	f := NewFallback(failingTokenizer{}, nil)

	n, err := f.CountTokens("the quick brown fox jumps over the lazy")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	ids, err := f.Encode("hello world")
	require.NoError(t, err)
	assert.NotEmpty(t, ids)

	assert.Equal(t, "failing+fallback", f.Name())
}

func TestFallback_PrefersPrimary(t *testing.T) {
	f := NewFallback(NewEstimator(), nil)
	n, err := f.CountTokens("hello world")
	require.NoError(t, err)

	direct, _ := NewEstimator().CountTokens("hello world")
	assert.Equal(t, direct, n)
}

func TestRegistry_PrefixMatch(t *testing.T) {
	Register("gpt-4o", NewEstimator())

	got, err := ForModel("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "estimator", got.Name())

	_, err = ForModel("entirely-unknown-model")
	assert.Error(t, err)
}
