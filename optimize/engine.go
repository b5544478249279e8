// Package optimize implements the closed-loop self-tuning engine: sample
// rollup, Pareto-frontier search over policy vectors, shadow validation and
// atomic policy commits with regression rollback.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/compress"
	"github.com/BaSui01/rehydrate/policy"
	"github.com/BaSui01/rehydrate/types"
)

// State is the engine's cycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateSampling   State = "sampling"
	StateEvaluating State = "evaluating"
	StateProposing  State = "proposing"
	StateValidating State = "validating"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Metrics is the optimization engine's metrics hook. May be nil.
type Metrics interface {
	SetFrontierSize(n int)
	SetPolicyGeneration(gen uint64)
	RecordOptimizationCycle(outcome string)
}

// Config tunes the optimization loop.
type Config struct {
	// Interval between cycles.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// MinSamples required before a cycle leaves Sampling.
	MinSamples int `yaml:"min_samples" json:"min_samples"`

	// FrontierCapacity bounds the Pareto set.
	FrontierCapacity int `yaml:"frontier_capacity" json:"frontier_capacity"`

	// ShadowTimeout bounds shadow validation; exceeding it aborts the cycle
	// (treated as validation failure).
	ShadowTimeout time.Duration `yaml:"shadow_timeout" json:"shadow_timeout"`

	// RegressionTolerance is the fractional post-commit objective regression
	// that triggers rollback.
	RegressionTolerance float64 `yaml:"regression_tolerance" json:"regression_tolerance"`

	// CandidateCount is how many perturbed vectors each cycle proposes.
	CandidateCount int `yaml:"candidate_count" json:"candidate_count"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		MinSamples:          50,
		FrontierCapacity:    16,
		ShadowTimeout:       30 * time.Second,
		RegressionTolerance: 0.15,
		CandidateCount:      6,
	}
}

// Engine runs as a single background task; its own state machine enforces
// that cycles never overlap. A failed validation never mutates the live
// policy: errors are logged and the cycle returns to Idle.
type Engine struct {
	config    Config
	policy    *policy.Store
	recorder  *Recorder
	validator *compress.Validator
	holdout   [][]float64
	frontier  *Frontier
	metrics   Metrics
	logger    *zap.Logger

	cycleMu sync.Mutex // mutual exclusion between cycles

	stateMu sync.RWMutex
	state   State

	// post-commit monitoring baseline
	committed   *Objectives
	lastGoodBit int

	stop chan struct{}
	once sync.Once
}

// NewEngine creates the optimization engine.
func NewEngine(config Config, pol *policy.Store, recorder *Recorder, validator *compress.Validator, holdout [][]float64, metrics Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:      config,
		policy:      pol,
		recorder:    recorder,
		validator:   validator,
		holdout:     holdout,
		frontier:    NewFrontier(config.FrontierCapacity),
		metrics:     metrics,
		logger:      logger.With(zap.String("component", "optimizer")),
		state:       StateIdle,
		lastGoodBit: pol.Current().Vector.CompressionBitWidth,
		stop:        make(chan struct{}),
	}
}

// State returns the current cycle phase.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Frontier returns the current Pareto set.
func (e *Engine) Frontier() []Member { return e.frontier.Members() }

// Run executes cycles on the configured interval until ctx is done or
// Close is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				e.logger.Warn("optimization cycle failed", zap.Error(err))
			}
		}
	}
}

// Close stops the Run loop.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.stop) })
}

// RunCycle executes one full cycle. Exported for direct invocation in tests
// and from the CLI.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.setState(StateIdle)

	// Sampling
	e.setState(StateSampling)
	samples := e.recorder.Drain()
	if len(samples) < e.config.MinSamples {
		e.logger.Debug("not enough samples for optimization",
			zap.Int("samples", len(samples)),
			zap.Int("required", e.config.MinSamples))
		e.outcome("skipped")
		return nil
	}

	// Evaluating
	e.setState(StateEvaluating)
	current := e.policy.Current()
	measured, annotation := e.aggregate(samples, current.Vector)
	e.logger.Info("cycle evaluation", zap.String("summary", annotation))

	// Post-commit monitoring: regression beyond tolerance rolls back before
	// anything else happens this cycle.
	if e.committed != nil && e.regressed(measured, *e.committed) {
		e.setState(StateRolledBack)
		if snap, ok := e.policy.Rollback(); ok {
			e.committed = nil
			e.gauges(snap.Generation)
			e.outcome("rolled_back")
			e.logger.Warn("objective regression beyond tolerance, rolled back",
				zap.Uint64("generation", snap.Generation))
			return nil
		}
	}

	e.frontier.Insert(Member{
		Vector:     current.Vector,
		Objectives: measured,
		Annotation: annotation,
		AddedAt:    time.Now(),
	})

	// Proposing
	e.setState(StateProposing)
	candidates := e.propose(current.Vector)

	// Validating
	e.setState(StateValidating)
	shadowCtx, cancel := context.WithTimeout(ctx, e.config.ShadowTimeout)
	defer cancel()

	best, bestObj, err := e.validate(shadowCtx, candidates, current.Vector, measured, samples)
	if err != nil {
		// Validation failure never mutates live policy.
		e.outcome("validation_failed")
		e.logger.Warn("policy validation failed, keeping last known-good policy", zap.Error(err))
		return nil
	}
	if best == nil {
		e.outcome("no_candidate")
		return nil
	}

	admitted := e.frontier.Insert(Member{
		Vector:     *best,
		Objectives: *bestObj,
		Annotation: fmt.Sprintf("shadow estimate from %d samples", len(samples)),
		AddedAt:    time.Now(),
	})
	if !admitted {
		e.outcome("dominated")
		return nil
	}

	// Committed
	snap, err := e.policy.Commit(*best)
	if err != nil {
		e.outcome("commit_rejected")
		return err
	}
	e.setState(StateCommitted)
	e.committed = bestObj
	e.lastGoodBit = best.CompressionBitWidth
	e.gauges(snap.Generation)
	e.outcome("committed")

	if !e.frontier.Consistent() {
		// Should be unreachable given Insert semantics.
		e.logger.Error("frontier dominance invariant violated after commit")
	}
	return nil
}

// =============================================================================
// Evaluation
// =============================================================================

// aggregate rolls samples up into objectives plus a natural-language
// annotation of the window.
func (e *Engine) aggregate(samples []types.PerformanceSample, v policy.Vector) (Objectives, string) {
	latencies := make([]float64, 0, len(samples))
	hits := map[types.TierLevel]int{}
	var tokens int
	var qualitySum float64
	var qualityN int

	for _, s := range samples {
		latencies = append(latencies, s.LatencyMS)
		hits[s.TierHit]++
		tokens += s.TokenCount
		if s.Feedback != nil {
			qualitySum += s.Feedback.Score
			qualityN++
		}
	}

	sort.Float64s(latencies)
	p95 := percentile(latencies, 0.95)

	total := len(samples)
	missRate := float64(hits[types.Tier3]+hits[types.TierNone]) / float64(total)

	// Footprint estimate: token payloads at ~4 bytes each, scaled by the
	// active quantization ratio for the embedding share.
	ratio := float64(v.CompressionBitWidth) / 64.0
	memory := float64(tokens) * 4.0 * (0.5 + 0.5*ratio)

	quality := 0.5
	if qualityN > 0 {
		quality = qualitySum / float64(qualityN)
	}

	obj := Objectives{
		LatencyP95MS: p95,
		MissRate:     missRate,
		MemoryBytes:  memory,
		Quality:      quality,
	}
	annotation := fmt.Sprintf(
		"window of %d samples: p95 latency %.2fms, tier1 hits %d, tier2 hits %d, cold loads %d, mean quality %.2f",
		total, p95, hits[types.Tier1], hits[types.Tier2], hits[types.Tier3], quality)
	return obj, annotation
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (e *Engine) regressed(measured, baseline Objectives) bool {
	tol := e.config.RegressionTolerance
	worse := func(now, then float64) bool {
		if then == 0 {
			return false
		}
		return (now-then)/then > tol
	}
	qualityDrop := baseline.Quality > 0 &&
		(baseline.Quality-measured.Quality)/baseline.Quality > tol
	return worse(measured.LatencyP95MS, baseline.LatencyP95MS) ||
		worse(measured.MissRate, baseline.MissRate) ||
		worse(measured.MemoryBytes, baseline.MemoryBytes) ||
		qualityDrop
}

// =============================================================================
// Proposal and validation
// =============================================================================

var bitWidths = []int{4, 8, 16}

// propose perturbs the current vector along each knob.
func (e *Engine) propose(current policy.Vector) []policy.Vector {
	var out []policy.Vector
	add := func(v policy.Vector) {
		if v.Validate() == nil && len(out) < e.config.CandidateCount {
			out = append(out, v)
		}
	}

	for _, delta := range []float64{-0.1, 0.1} {
		v := current
		v.EvictionThreshold = clamp(current.EvictionThreshold+delta, 0, 1)
		add(v)
	}
	for _, bits := range bitWidths {
		if bits == current.CompressionBitWidth {
			continue
		}
		v := current
		v.CompressionBitWidth = bits
		add(v)
	}
	for _, k := range []int{current.WarmingTopK / 2, current.WarmingTopK * 2} {
		if k <= 0 || k == current.WarmingTopK {
			continue
		}
		v := current
		v.WarmingTopK = k
		add(v)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// validate shadow-evaluates candidates against the sampled window and
// returns the best admitted one. Bit-width changes additionally run the
// held-out compression quality check; a rejected width falls back to the
// last known-good width (the candidate is discarded).
func (e *Engine) validate(ctx context.Context, candidates []policy.Vector, current policy.Vector, measured Objectives, samples []types.PerformanceSample) (*policy.Vector, *Objectives, error) {
	var best *policy.Vector
	var bestObj *Objectives
	bestScore := 0.0

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			// Shadow timeout: automatic rolled-back-equivalent abort.
			return nil, nil, fmt.Errorf("shadow validation timed out: %w", err)
		}
		cand := candidates[i]

		if cand.CompressionBitWidth != current.CompressionBitWidth && e.validator != nil {
			if err := e.validator.Validate(cand.CompressionBitWidth, e.holdout); err != nil {
				if errors.Is(err, compress.ErrQualityRejected) {
					e.logger.Info("candidate bit width rejected, reverting to last known-good",
						zap.Int("candidate_bits", cand.CompressionBitWidth),
						zap.Int("known_good_bits", e.lastGoodBit))
					continue
				}
				return nil, nil, err
			}
		}

		obj := e.shadowEstimate(cand, current, measured, samples)
		score := improvement(measured, obj)
		if score > bestScore {
			bestScore = score
			best = &cand
			o := obj
			bestObj = &o
		}
	}
	return best, bestObj, nil
}

// shadowEstimate replays the sampled window under the candidate policy.
// Latency is carried over; miss rate shifts with the eviction floor (a
// higher floor evicts more and misses more); memory scales with the
// quantization ratio.
func (e *Engine) shadowEstimate(cand, current policy.Vector, measured Objectives, _ []types.PerformanceSample) Objectives {
	obj := measured

	floorDelta := cand.EvictionThreshold - current.EvictionThreshold
	obj.MissRate = clamp(measured.MissRate*(1+0.5*floorDelta), 0, 1)

	ratio := float64(cand.CompressionBitWidth) / float64(current.CompressionBitWidth)
	obj.MemoryBytes = measured.MemoryBytes * (0.5 + 0.5*ratio)

	// Narrower widths trade a little ranking quality for footprint.
	if cand.CompressionBitWidth < current.CompressionBitWidth {
		obj.Quality = measured.Quality * 0.98
	}
	return obj
}

// improvement is a scalarized gain used only to pick among admitted
// candidates; admission itself is pure dominance.
func improvement(base, cand Objectives) float64 {
	gain := 0.0
	if base.LatencyP95MS > 0 {
		gain += (base.LatencyP95MS - cand.LatencyP95MS) / base.LatencyP95MS
	}
	gain += base.MissRate - cand.MissRate
	if base.MemoryBytes > 0 {
		gain += (base.MemoryBytes - cand.MemoryBytes) / base.MemoryBytes
	}
	gain += cand.Quality - base.Quality
	return gain
}

func (e *Engine) gauges(generation uint64) {
	if e.metrics == nil {
		return
	}
	e.metrics.SetFrontierSize(e.frontier.Len())
	e.metrics.SetPolicyGeneration(generation)
}

func (e *Engine) outcome(result string) {
	if e.metrics != nil {
		e.metrics.RecordOptimizationCycle(result)
	}
}
