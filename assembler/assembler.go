// Package assembler selects, ranks and packs context fragments into a
// token-bounded bundle: pinned anchors first inside a reserved sub-budget,
// then task-scoped fragments ranked by relevance.
package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/cache"
	"github.com/BaSui01/rehydrate/policy"
	"github.com/BaSui01/rehydrate/store"
	"github.com/BaSui01/rehydrate/tokenizer"
	"github.com/BaSui01/rehydrate/types"
)

// Config tunes candidate retrieval and packing.
type Config struct {
	// TopK is how many candidates to pull from the long-term store.
	TopK int `yaml:"top_k" json:"top_k"`

	// MinViableTokens is the floor under which a truncated fragment is
	// dropped instead of included.
	MinViableTokens int `yaml:"min_viable_tokens" json:"min_viable_tokens"`
}

// DefaultConfig returns the default assembler configuration.
func DefaultConfig() Config {
	return Config{
		TopK:            16,
		MinViableTokens: 24,
	}
}

// Assembler implements assemble(role, task, token_budget) -> ContextBundle.
type Assembler struct {
	config   Config
	longterm store.LongTermStore
	embedder store.Embedder
	router   *cache.Router
	anchors  *AnchorRegistry
	keys     cache.KeyStrategy
	policy   *policy.Store
	tok      tokenizer.Tokenizer
	samples  cache.SampleSink
	logger   *zap.Logger
}

// New creates an assembler. samples may be nil.
func New(config Config, longterm store.LongTermStore, embedder store.Embedder, router *cache.Router, anchors *AnchorRegistry, keys cache.KeyStrategy, pol *policy.Store, tok tokenizer.Tokenizer, samples cache.SampleSink, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		config:   config,
		longterm: longterm,
		embedder: embedder,
		router:   router,
		anchors:  anchors,
		keys:     keys,
		policy:   pol,
		tok:      tok,
		samples:  samples,
		logger:   logger.With(zap.String("component", "assembler")),
	}
}

// Assemble builds a bundle for (role, task) within tokenBudget.
//
// Callers always receive either a (possibly partial or empty-but-valid)
// bundle or a single ErrSourceUnavailable; partial bundles are flagged.
// With unchanged inputs and policy generation, the returned fingerprint and
// content are identical across calls.
func (a *Assembler) Assemble(ctx context.Context, role types.Role, task string, tokenBudget int) (*types.ContextBundle, error) {
	start := time.Now()
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if tokenBudget < 0 {
		tokenBudget = 0
	}

	snap := a.policy.Current()
	fp := a.keys.Fingerprint(role, task, snap.Generation)
	inputKey := cache.InputKey(role, task)

	entry, tier, err := a.router.Resolve(ctx, fp, inputKey, func(loadCtx context.Context) ([]byte, float64, error) {
		// The cached payload is whichever request loads first, packed under
		// that request's budget. Later requests with a larger budget re-fit
		// the same fragment set (shrink only); the packing is not rebuilt
		// until the fingerprint rotates on a generation change.
		frags, err := a.buildFragments(loadCtx, role, task, tokenBudget, snap)
		if err != nil {
			return nil, 0, err
		}
		payload, err := json.Marshal(frags)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal fragments: %w", err)
		}
		return payload, meanRelevance(frags), nil
	})

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Deadline hit while awaiting Tier-3: degrade to the best bundle
			// we can build without store I/O, pinned anchors at minimum.
			bundle := a.pinnedOnlyBundle(role, task, tokenBudget, fp, snap, start)
			a.record(bundle, start)
			return bundle, nil
		}
		return nil, err
	}

	var frags []types.ContextFragment
	if err := json.Unmarshal(entry.Payload, &frags); err != nil {
		return nil, fmt.Errorf("unmarshal cached fragments: %w", err)
	}
	// The fingerprint is budget-independent, so a cached entry may have been
	// packed under a larger budget. Re-fit before serving.
	frags = a.fitToBudget(frags, tokenBudget)

	bundle := &types.ContextBundle{
		Role:         role,
		Fingerprint:  fp,
		Fragments:    frags,
		TokenBudget:  tokenBudget,
		CacheHitTier: tier,
		Generation:   snap.Generation,
		AssembledAt:  time.Now(),
	}
	bundle.TotalTokens = bundle.TokenTotal()
	bundle.BudgetWarn = len(frags) == 0
	bundle.AssemblyTime = time.Since(start)

	a.record(bundle, start)
	return bundle, nil
}

// buildFragments runs two-phase selection against the long-term store.
func (a *Assembler) buildFragments(ctx context.Context, role types.Role, task string, tokenBudget int, snap policy.Snapshot) ([]types.ContextFragment, error) {
	pinnedBudget := int(float64(tokenBudget) * snap.Vector.PinnedBudgetFraction)
	pinned := a.packAnchors(role, pinnedBudget)

	used := 0
	for _, f := range pinned {
		used += f.TokenCount
	}

	remaining := tokenBudget - used
	scoped, err := a.packTaskScoped(ctx, task, remaining)
	if err != nil {
		return nil, err
	}
	return append(pinned, scoped...), nil
}

// packAnchors fills the reserved sub-budget with role anchors in priority
// order. An oversized anchor is truncated at a sentence boundary unless the
// result would fall under the minimum viable size, in which case it is
// dropped and the next anchor is tried.
func (a *Assembler) packAnchors(role types.Role, budget int) []types.ContextFragment {
	var out []types.ContextFragment
	remaining := budget
	for _, anchor := range a.anchors.For(role) {
		if remaining <= 0 {
			break
		}
		count, err := a.tok.CountTokens(anchor.Text)
		if err != nil {
			a.logger.Warn("anchor token count failed", zap.String("anchor", anchor.ID), zap.Error(err))
			continue
		}

		text, truncated := anchor.Text, false
		if count > remaining {
			text, count = truncateAtBoundary(anchor.Text, remaining, a.tok)
			truncated = true
			if count < a.config.MinViableTokens {
				continue
			}
		}

		out = append(out, types.ContextFragment{
			SourceID:       anchor.ID,
			Text:           text,
			TokenCount:     count,
			Priority:       types.PriorityPinned,
			RelevanceScore: 1.0,
			PinAnchor:      anchor.ID,
			Truncated:      truncated,
		})
		remaining -= count
	}
	return out
}

// packTaskScoped retrieves candidates and packs them greedily by descending
// relevance. Equal scores break ties by shorter token count first, then by
// source id so packing is fully deterministic.
func (a *Assembler) packTaskScoped(ctx context.Context, task string, budget int) ([]types.ContextFragment, error) {
	if budget <= 0 {
		return nil, nil
	}

	queryVec, err := a.embedder.Embed(ctx, cache.NormalizeTask(task))
	if err != nil {
		return nil, fmt.Errorf("embed task: %w", err)
	}
	results, err := a.longterm.Search(ctx, queryVec, a.config.TopK)
	if err != nil {
		return nil, fmt.Errorf("long-term search: %w", err)
	}

	candidates := make([]types.ContextFragment, 0, len(results))
	for _, r := range results {
		count, err := a.tok.CountTokens(r.Text)
		if err != nil {
			continue
		}
		candidates = append(candidates, types.ContextFragment{
			SourceID:       r.SourceID,
			Text:           r.Text,
			TokenCount:     count,
			Priority:       types.PriorityTask,
			RelevanceScore: r.Score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RelevanceScore != candidates[j].RelevanceScore {
			return candidates[i].RelevanceScore > candidates[j].RelevanceScore
		}
		if candidates[i].TokenCount != candidates[j].TokenCount {
			return candidates[i].TokenCount < candidates[j].TokenCount
		}
		return candidates[i].SourceID < candidates[j].SourceID
	})

	var out []types.ContextFragment
	remaining := budget
	for _, cand := range candidates {
		if remaining <= 0 {
			break
		}
		if cand.TokenCount > remaining {
			text, count := truncateAtBoundary(cand.Text, remaining, a.tok)
			if count < a.config.MinViableTokens {
				continue // drop, try the next candidate
			}
			cand.Text = text
			cand.TokenCount = count
			cand.Truncated = true
		}
		out = append(out, cand)
		remaining -= cand.TokenCount
	}
	return out, nil
}

// fitToBudget trims an already-packed fragment sequence to a budget, keeping
// order. A fragment on the edge is truncated at a sentence boundary when the
// remainder stays viable, dropped otherwise.
func (a *Assembler) fitToBudget(frags []types.ContextFragment, budget int) []types.ContextFragment {
	var out []types.ContextFragment
	remaining := budget
	for _, frag := range frags {
		if remaining <= 0 {
			break
		}
		if frag.TokenCount > remaining {
			text, count := truncateAtBoundary(frag.Text, remaining, a.tok)
			if count < a.config.MinViableTokens {
				continue
			}
			frag.Text = text
			frag.TokenCount = count
			frag.Truncated = true
		}
		out = append(out, frag)
		remaining -= frag.TokenCount
	}
	return out
}

// pinnedOnlyBundle is the deadline fallback: anchors only, no store I/O.
func (a *Assembler) pinnedOnlyBundle(role types.Role, task string, tokenBudget int, fp types.Fingerprint, snap policy.Snapshot, start time.Time) *types.ContextBundle {
	pinnedBudget := int(float64(tokenBudget) * snap.Vector.PinnedBudgetFraction)
	frags := a.packAnchors(role, pinnedBudget)

	bundle := &types.ContextBundle{
		Role:         role,
		Fingerprint:  fp,
		Fragments:    frags,
		TokenBudget:  tokenBudget,
		CacheHitTier: types.TierNone,
		Partial:      true,
		BudgetWarn:   len(frags) == 0,
		Generation:   snap.Generation,
		AssembledAt:  time.Now(),
	}
	bundle.TotalTokens = bundle.TokenTotal()
	bundle.AssemblyTime = time.Since(start)
	a.logger.Warn("deadline exceeded, returning partial bundle",
		zap.String("role", string(role)),
		zap.Int("fragments", len(frags)))
	return bundle
}

func (a *Assembler) record(bundle *types.ContextBundle, start time.Time) {
	if a.samples == nil {
		return
	}
	a.samples.Append(types.PerformanceSample{
		Fingerprint: bundle.Fingerprint,
		TierHit:     bundle.CacheHitTier,
		LatencyMS:   float64(time.Since(start).Microseconds()) / 1000.0,
		TokenCount:  bundle.TotalTokens,
		Timestamp:   time.Now(),
	})
}

func meanRelevance(frags []types.ContextFragment) float64 {
	if len(frags) == 0 {
		return 0
	}
	total := 0.0
	for _, f := range frags {
		total += f.RelevanceScore
	}
	return total / float64(len(frags))
}
