package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// 🧪 指纹策略测试
// =============================================================================

func TestNormalizeTask(t *testing.T) {
	// 大小写与空白差异归一为同一任务
	assert.Equal(t, "review the rollout plan", NormalizeTask("  Review   THE rollout\tplan "))
	assert.Equal(t, "", NormalizeTask("   \t\n "))
}

func TestHashKeyStrategy_Deterministic(t *testing.T) {
	s := NewHashKeyStrategy()

	fp1 := s.Fingerprint(types.RolePlanner, "Review the rollout plan", 3)
	fp2 := s.Fingerprint(types.RolePlanner, "review   the rollout plan", 3)
	require.Equal(t, fp1, fp2)
	assert.True(t, strings.HasPrefix(string(fp1), "ctx:"))

	// 角色、任务或代次任一变化都必须改变指纹
	assert.NotEqual(t, fp1, s.Fingerprint(types.RoleCoder, "review the rollout plan", 3))
	assert.NotEqual(t, fp1, s.Fingerprint(types.RolePlanner, "another task", 3))
	assert.NotEqual(t, fp1, s.Fingerprint(types.RolePlanner, "review the rollout plan", 4))
}

func TestHierarchicalKeyStrategy_Prefix(t *testing.T) {
	s := NewHierarchicalKeyStrategy()

	fp := s.Fingerprint(types.RoleResearcher, "summarize recent findings", 7)
	assert.True(t, strings.HasPrefix(string(fp), "ctx:researcher:7:"))

	// 同输入确定性
	assert.Equal(t, fp, s.Fingerprint(types.RoleResearcher, "Summarize  recent findings", 7))

	// 代次变化使角色前缀可整体失效
	fp2 := s.Fingerprint(types.RoleResearcher, "summarize recent findings", 8)
	assert.True(t, strings.HasPrefix(string(fp2), "ctx:researcher:8:"))
}

func TestNewKeyStrategy(t *testing.T) {
	assert.Equal(t, "hierarchical", NewKeyStrategy("hierarchical").Name())
	assert.Equal(t, "hash", NewKeyStrategy("hash").Name())
	// 未知类型回落到 hash
	assert.Equal(t, "hash", NewKeyStrategy("bogus").Name())
}

func TestInputKey(t *testing.T) {
	k := InputKey(types.RoleCoder, "  Fix the  Parser ")
	assert.Equal(t, "coder|fix the parser", k)
}
