package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_RejectsInvalidVector(t *testing.T) {
	bad := DefaultVector()
	bad.CompressionBitWidth = 5
	_, err := NewStore(bad, nil)
	assert.Error(t, err)
}

func TestVector_Validate(t *testing.T) {
	assert.NoError(t, DefaultVector().Validate())

	v := DefaultVector()
	v.EvictionThreshold = 1.5
	assert.Error(t, v.Validate())

	v = DefaultVector()
	v.PinnedBudgetFraction = 0.95
	assert.Error(t, v.Validate())

	v = DefaultVector()
	v.WarmingTopK = -1
	assert.Error(t, v.Validate())
}

func TestStore_CommitAdvancesGeneration(t *testing.T) {
	s, err := NewStore(DefaultVector(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Current().Generation)

	v := DefaultVector()
	v.EvictionThreshold = 0.4
	snap, err := s.Commit(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Generation)
	assert.Equal(t, 0.4, s.Current().Vector.EvictionThreshold)
}

func TestStore_CommitRejectsInvalid(t *testing.T) {
	s, err := NewStore(DefaultVector(), nil)
	require.NoError(t, err)

	v := DefaultVector()
	v.CompressionBitWidth = 12
	_, err = s.Commit(v)
	require.Error(t, err)
	assert.Equal(t, uint64(1), s.Current().Generation, "failed commit must not advance")
}

func TestStore_RollbackRestoresVectorAdvancesGeneration(t *testing.T) {
	s, err := NewStore(DefaultVector(), nil)
	require.NoError(t, err)

	v := DefaultVector()
	v.EvictionThreshold = 0.7
	_, err = s.Commit(v)
	require.NoError(t, err)

	snap, ok := s.Rollback()
	require.True(t, ok)
	// Vector reverts, generation keeps moving forward so stale fingerprints
	// from the regressed generation are never served again.
	assert.Equal(t, DefaultVector().EvictionThreshold, snap.Vector.EvictionThreshold)
	assert.Equal(t, uint64(3), snap.Generation)

	// Double rollback has nothing left to revert.
	_, ok = s.Rollback()
	assert.False(t, ok)
}

func TestStore_RollbackWithoutCommit(t *testing.T) {
	s, err := NewStore(DefaultVector(), nil)
	require.NoError(t, err)

	snap, ok := s.Rollback()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), snap.Generation)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s, err := NewStore(DefaultVector(), nil)
	require.NoError(t, err)

	before := s.Current()

	v := DefaultVector()
	v.WarmingTopK = 99
	_, err = s.Commit(v)
	require.NoError(t, err)

	// The snapshot taken before the commit is unaffected.
	assert.Equal(t, DefaultVector().WarmingTopK, before.Vector.WarmingTopK)
	assert.Equal(t, uint64(1), before.Generation)
	assert.Equal(t, 99, s.Current().Vector.WarmingTopK)
}

func TestStore_ConcurrentReadersAndCommits(t *testing.T) {
	s, err := NewStore(DefaultVector(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				snap := s.Current()
				assert.NoError(t, snap.Vector.Validate())
			}
		}()
	}
	for i := 0; i < 20; i++ {
		v := DefaultVector()
		v.WarmingTopK = i
		_, err := s.Commit(v)
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, uint64(21), s.Current().Generation)
}
