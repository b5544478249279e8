package rehydrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/rehydrate/config"
	"github.com/BaSui01/rehydrate/store"
	"github.com/BaSui01/rehydrate/tokenizer"
	"github.com/BaSui01/rehydrate/types"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Optimizer.MinSamples = 5
	cfg.Compression.MinHoldoutPairs = 8
	if mutate != nil {
		mutate(cfg)
	}

	eng, err := New(cfg, WithTokenizer(tokenizer.NewEstimator()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	eng, err := New(nil, WithTokenizer(tokenizer.NewEstimator()))
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, uint64(1), eng.Policy().Generation)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Compression.BitWidth = 3
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_RejectsUnknownAnchorRole(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Anchors = []config.AnchorConfig{{ID: "x", Text: "t", Roles: []string{"ghost"}}}
	_, err := New(cfg, WithTokenizer(tokenizer.NewEstimator()))
	assert.Error(t, err)
}

func TestEngine_IndexAndAssemble(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.IndexDocument(ctx, "runbook", "Rollback procedure. Revert the release, then notify the channel."))

	bundle, err := eng.Assemble(ctx, types.RolePlanner, "how do I roll back a release", 500)
	require.NoError(t, err)
	assert.Equal(t, types.Tier3, bundle.CacheHitTier)
	assert.NotEmpty(t, bundle.Fragments)
	assert.LessOrEqual(t, bundle.TotalTokens, 500)

	// 重复请求命中热层
	again, err := eng.Assemble(ctx, types.RolePlanner, "how do I roll back a release", 500)
	require.NoError(t, err)
	assert.Equal(t, types.Tier1, again.CacheHitTier)
	assert.Equal(t, bundle.Fingerprint, again.Fingerprint)
}

func TestEngine_ZeroBudgetUsesDefault(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.IndexDocument(ctx, "doc", "Some contextual note."))

	bundle, err := eng.Assemble(ctx, types.RoleCoder, "contextual note", 0)
	require.NoError(t, err)
	assert.Equal(t, eng.cfg.Assembler.DefaultBudget, bundle.TokenBudget)
}

func TestEngine_ConfiguredAnchors(t *testing.T) {
	eng := newTestEngine(t, func(cfg *config.Config) {
		cfg.Anchors = []config.AnchorConfig{
			{ID: "charter", Text: "Plan before acting. Keep changes small.", Order: 1, Roles: []string{"planner"}},
			{ID: "global", Text: "Be precise. Cite sources.", Order: 2},
		}
	})

	bundle, err := eng.Assemble(context.Background(), types.RolePlanner, "anything at all", 500)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Fragments)
	assert.Equal(t, "charter", bundle.Fragments[0].SourceID)
	assert.Equal(t, types.PriorityPinned, bundle.Fragments[0].Priority)

	// 无 roles 的锚点适用于所有角色
	coder, err := eng.Assemble(context.Background(), types.RoleCoder, "anything at all", 500)
	require.NoError(t, err)
	require.NotEmpty(t, coder.Fragments)
	assert.Equal(t, "global", coder.Fragments[0].SourceID)
}

func TestEngine_InvalidateAll(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.IndexDocument(ctx, "doc", "Reference note."))
	_, err := eng.Assemble(ctx, types.RolePlanner, "reference", 300)
	require.NoError(t, err)

	n, err := eng.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	// 失效后重建自 Tier-3
	bundle, err := eng.Assemble(ctx, types.RolePlanner, "reference", 300)
	require.NoError(t, err)
	assert.Equal(t, types.Tier3, bundle.CacheHitTier)
}

func TestEngine_InvalidateRoleRequiresHierarchicalKeys(t *testing.T) {
	hashEng := newTestEngine(t, nil)
	_, err := hashEng.InvalidateRole(context.Background(), types.RolePlanner)
	assert.Error(t, err, "hash fingerprints carry no role prefix")

	hierEng := newTestEngine(t, func(cfg *config.Config) {
		cfg.Assembler.KeyStrategy = "hierarchical"
	})
	ctx := context.Background()
	require.NoError(t, hierEng.IndexDocument(ctx, "doc", "Planner notes."))
	_, err = hierEng.Assemble(ctx, types.RolePlanner, "notes", 300)
	require.NoError(t, err)
	_, err = hierEng.Assemble(ctx, types.RoleCoder, "notes", 300)
	require.NoError(t, err)

	n, err := hierEng.InvalidateRole(ctx, types.RolePlanner)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	// 其他角色的条目不受影响
	coder, err := hierEng.Assemble(ctx, types.RoleCoder, "notes", 300)
	require.NoError(t, err)
	assert.Equal(t, types.Tier1, coder.CacheHitTier)

	_, err = hierEng.InvalidateRole(ctx, types.Role("ghost"))
	assert.Error(t, err)
}

func TestEngine_FeedbackAndOptimizationCycle(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.IndexDocument(ctx, "doc", "Operational runbook content."))
	for i := 0; i < 10; i++ {
		bundle, err := eng.Assemble(ctx, types.RolePlanner, "runbook", 300)
		require.NoError(t, err)
		eng.RecordFeedback(bundle.Fingerprint, 0.8, "useful context")
	}

	genBefore := eng.Policy().Generation
	require.NoError(t, eng.RunOptimizationCycle(ctx))
	assert.GreaterOrEqual(t, eng.Policy().Generation, genBefore)
}

func TestEngine_CompressionFollowsCommittedBitWidth(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.IndexDocument(ctx, "doc", "Compressed reference material."))

	// 默认长期存储以配置的位宽量化向量
	lts, ok := eng.longterm.(*store.InMemoryStore)
	require.True(t, ok)
	assert.Equal(t, eng.cfg.Compression.BitWidth, lts.Bits())

	// 提交新位宽后, 对账把已存向量重编码到新位宽
	vec := eng.Policy().Vector
	vec.CompressionBitWidth = 4
	_, err := eng.policy.Commit(vec)
	require.NoError(t, err)
	eng.reconcileCompression()
	assert.Equal(t, 4, lts.Bits())

	// 重编码后仍可检索
	bundle, err := eng.Assemble(ctx, types.RolePlanner, "compressed reference", 300)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.Fragments)
}

func TestEngine_StartAndStats(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Start(ctx), "Start is idempotent")

	require.NoError(t, eng.IndexDocument(ctx, "doc", "Stat fodder."))
	_, err := eng.Assemble(ctx, types.RolePlanner, "stat fodder", 300)
	require.NoError(t, err)

	eng.WarmNow()

	stats := eng.Stats(ctx)
	assert.GreaterOrEqual(t, stats.Tier1Entries, 1)
	assert.Equal(t, uint64(1), stats.PolicyGeneration)

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close(), "Close is idempotent")
}
