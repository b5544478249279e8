package assembler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/rehydrate/tokenizer"
	"github.com/BaSui01/rehydrate/types"
)

func TestTruncateAtBoundary_FitsUnchanged(t *testing.T) {
	tok := tokenizer.NewEstimator()
	text := "Short text that fits."

	got, count := truncateAtBoundary(text, 100, tok)
	assert.Equal(t, text, got)
	assert.Greater(t, count, 0)
}

func TestTruncateAtBoundary_CutsAtSentence(t *testing.T) {
	tok := tokenizer.NewEstimator()
	text := strings.Repeat("One complete sentence right here. ", 20)

	got, count := truncateAtBoundary(text, 20, tok)
	assert.LessOrEqual(t, count, 20)
	assert.True(t, strings.HasSuffix(got, "."), "cut should land on a sentence ender, got %q", got)
	assert.Less(t, len(got), len(text))
}

func TestTruncateAtBoundary_HardCutWithoutBoundary(t *testing.T) {
	tok := tokenizer.NewEstimator()
	// 无句界长文本: 回退到硬切
	text := strings.Repeat("word ", 200)

	got, count := truncateAtBoundary(text, 10, tok)
	assert.LessOrEqual(t, count, 10)
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), len(text))
}

func TestTruncateAtBoundary_MixedDensityHardCut(t *testing.T) {
	tok := tokenizer.NewEstimator()
	// ASCII 头 + CJK 尾, 无句界: 头部 token 密度远低于整体均值,
	// 比例估算会高估可保留的前缀长度
	text := strings.Repeat("a", 4050) + strings.Repeat("三", 30000)

	got, count := truncateAtBoundary(text, 1000, tok)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, count, 1000)

	recount, err := tok.CountTokens(got)
	require.NoError(t, err)
	assert.Equal(t, recount, count)
}

func TestTruncateAtBoundary_ZeroBudget(t *testing.T) {
	tok := tokenizer.NewEstimator()
	got, count := truncateAtBoundary("anything", 0, tok)
	assert.Empty(t, got)
	assert.Zero(t, count)
}

func TestTruncateAtBoundary_MultiByteSafe(t *testing.T) {
	tok := tokenizer.NewEstimator()
	text := strings.Repeat("上下文再水化引擎", 50)

	got, count := truncateAtBoundary(text, 8, tok)
	assert.LessOrEqual(t, count, 8)
	// 硬切不得落在多字节 rune 中间
	assert.True(t, len(got) == 0 || strings.ToValidUTF8(got, "") == got)
}

func TestAnchorRegistry_OrderAndValidation(t *testing.T) {
	r := NewAnchorRegistry()

	require.Error(t, r.Register(types.Role("ghost"), Anchor{ID: "x", Text: "t"}))
	require.Error(t, r.Register(types.RolePlanner, Anchor{Text: "missing id"}))

	require.NoError(t, r.Register(types.RolePlanner, Anchor{ID: "b", Text: "second", Order: 2}))
	require.NoError(t, r.Register(types.RolePlanner, Anchor{ID: "a", Text: "first", Order: 1}))
	require.NoError(t, r.Register(types.RoleCoder, Anchor{ID: "c", Text: "coder", Order: 1}))

	planner := r.For(types.RolePlanner)
	require.Len(t, planner, 2)
	assert.Equal(t, "a", planner[0].ID)
	assert.Equal(t, "b", planner[1].ID)

	assert.Empty(t, r.For(types.RoleResearcher))
	assert.Equal(t, 3, r.Len())
}
