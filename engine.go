// Package rehydrate provides the top-level entry point of the memory
// rehydration engine: role/task requests in, token-bounded context bundles
// out, served through a three-tier cache with a self-tuning policy loop.
//
// Usage:
//
//	import "github.com/BaSui01/rehydrate"
//
//	eng, err := rehydrate.New(nil)                       // defaults throughout
//	eng, err := rehydrate.New(cfg, rehydrate.WithLogger(logger))
//
//	bundle, err := eng.Assemble(ctx, types.RolePlanner, "review the rollout plan", 4096)
package rehydrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/assembler"
	"github.com/BaSui01/rehydrate/cache"
	"github.com/BaSui01/rehydrate/compress"
	"github.com/BaSui01/rehydrate/config"
	"github.com/BaSui01/rehydrate/internal/database"
	"github.com/BaSui01/rehydrate/internal/metrics"
	"github.com/BaSui01/rehydrate/internal/telemetry"
	"github.com/BaSui01/rehydrate/internal/tlsutil"
	"github.com/BaSui01/rehydrate/optimize"
	"github.com/BaSui01/rehydrate/policy"
	"github.com/BaSui01/rehydrate/store"
	"github.com/BaSui01/rehydrate/tokenizer"
	"github.com/BaSui01/rehydrate/types"
	"github.com/BaSui01/rehydrate/warming"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	logger    *zap.Logger
	longterm  store.LongTermStore
	embedder  store.Embedder
	tok       tokenizer.Tokenizer
	collector *metrics.Collector
	holdout   [][]float64
}

// WithLogger sets a custom zap logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLongTermStore sets the Tier-3 authoritative store. Defaults to the
// in-memory cosine store, which suits tests and single-process runs.
func WithLongTermStore(s store.LongTermStore) Option {
	return func(o *options) { o.longterm = s }
}

// WithEmbedder sets the embedding collaborator. Defaults to the
// deterministic hash embedder.
func WithEmbedder(e store.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithTokenizer overrides the tokenizer selected from config.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(o *options) { o.tok = t }
}

// WithCollector attaches a prometheus collector. Without one the engine
// records no metrics; prometheus registration is global, so a process
// creates at most one collector and shares it.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithHoldout sets the held-out embedding vectors used to validate
// compression bit-width changes. Defaults to a deterministic synthetic set.
func WithHoldout(vectors [][]float64) Option {
	return func(o *options) { o.holdout = vectors }
}

// Engine wires the cache tiers, assembler, policy store, optimizer and
// warming scheduler behind one facade.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
	collector *metrics.Collector

	policy    *policy.Store
	tier1     *cache.Tier1
	tier2     *cache.Tier2
	router    *cache.Router
	keys      cache.KeyStrategy
	anchors   *assembler.AnchorRegistry
	asm       *assembler.Assembler
	longterm  store.LongTermStore
	embedder  store.Embedder
	recorder  *optimize.Recorder
	optimizer *optimize.Engine
	warmer    *warming.Scheduler

	dbman *database.Manager // non-nil only for the gorm backend

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New assembles an engine from config. A nil cfg uses defaults throughout.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = store.NewHashEmbedder(256)
	}
	longterm := o.longterm
	if longterm == nil {
		longterm = store.NewInMemoryStore(store.InMemoryStoreConfig{
			QuantizeBits: cfg.Compression.BitWidth,
		}, logger)
	}

	tok := o.tok
	if tok == nil {
		tok = tokenizerFromConfig(cfg.Tokenizer, logger)
	}

	initial := policy.DefaultVector()
	initial.CompressionBitWidth = cfg.Compression.BitWidth
	pol, err := policy.NewStore(initial, logger)
	if err != nil {
		return nil, err
	}

	recorder := optimize.NewRecorder(cfg.Optimizer.SampleBuffer)

	tier1 := cache.NewTier1(cache.Tier1Config{
		Capacity: cfg.Tier1.Capacity,
		TTL:      cfg.Tier1.TTL,
		Shards:   cfg.Tier1.Shards,
	})

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer("rehydrate"),
		collector: o.collector,
		policy:    pol,
		tier1:     tier1,
		keys:      cache.NewKeyStrategy(cfg.Assembler.KeyStrategy),
		longterm:  longterm,
		embedder:  embedder,
		recorder:  recorder,
	}

	backend, dbman, err := openTier2Backend(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.dbman = dbman
	e.tier2 = cache.NewTier2(backend, cache.Tier2Config{
		Backend:  cfg.Tier2.Backend,
		Capacity: cfg.Tier2.Capacity,
	}, logger)

	var mrec cache.MetricsRecorder
	if o.collector != nil {
		mrec = o.collector
	}
	e.router = cache.NewRouter(e.tier1, e.tier2, pol, cache.RouterConfig{
		PromotionTimeout: cfg.Tier2.PromotionTimeout,
		LoadTimeout:      cfg.Tier2.LoadTimeout,
	}, mrec, recorder, logger)

	e.anchors = assembler.NewAnchorRegistry()
	if err := registerAnchors(e.anchors, cfg.Anchors); err != nil {
		return nil, err
	}

	e.asm = assembler.New(assembler.Config{
		TopK:            cfg.Assembler.TopK,
		MinViableTokens: cfg.Assembler.MinViableTokens,
	}, longterm, embedder, e.router, e.anchors, e.keys, pol, tok, recorder, logger)

	holdout := o.holdout
	if holdout == nil {
		holdout = syntheticHoldout(embedder, 16)
	}
	validator := compress.NewValidator(compress.ValidatorConfig{
		MaxMeanDegradation: cfg.Compression.MaxMeanDegradation,
		MinPairs:           cfg.Compression.MinHoldoutPairs,
	}, embedder.Similarity, logger)

	var omet optimize.Metrics
	if o.collector != nil {
		omet = o.collector
	}
	e.optimizer = optimize.NewEngine(optimize.Config{
		Interval:            cfg.Optimizer.Interval,
		MinSamples:          cfg.Optimizer.MinSamples,
		FrontierCapacity:    cfg.Optimizer.FrontierCapacity,
		ShadowTimeout:       cfg.Optimizer.ShadowTimeout,
		RegressionTolerance: cfg.Optimizer.RegressionTolerance,
		CandidateCount:      cfg.Optimizer.CandidateCount,
	}, pol, recorder, validator, holdout, omet, logger)

	e.warmer = warming.NewScheduler(warming.Config{
		RatePerSecond: float64(cfg.Warming.RatePerSecond),
		PassTimeout:   cfg.Warming.PassTimeout,
	}, e.router, pol, logger)

	e.reconcileCompression()
	if o.collector != nil {
		o.collector.SetPolicyGeneration(pol.Current().Generation)
	}

	logger.Info("rehydration engine assembled",
		zap.String("tier2_backend", cfg.Tier2.Backend),
		zap.String("key_strategy", e.keys.Name()),
		zap.Int("anchors", e.anchors.Len()))

	return e, nil
}

// Start launches the optimizer and warming loops. Safe to skip entirely for
// callers that only want synchronous assembly.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel

		if e.cfg.Optimizer.Enabled {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.optimizer.Run(runCtx)
			}()
			// The committed policy can change the warming schedule, so the
			// scheduler is reconciled on the optimizer's own cadence.
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				ticker := time.NewTicker(e.cfg.Optimizer.Interval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						if err := e.warmer.Refresh(); err != nil {
							e.logger.Warn("warming schedule refresh failed", zap.Error(err))
						}
						e.reconcileCompression()
					}
				}
			}()
		}

		if e.cfg.Warming.Enabled {
			startErr = e.warmer.Start()
		}
	})
	return startErr
}

// Assemble produces a context bundle for one role/task request.
func (e *Engine) Assemble(ctx context.Context, role types.Role, task string, tokenBudget int) (*types.ContextBundle, error) {
	if tokenBudget <= 0 {
		tokenBudget = e.cfg.Assembler.DefaultBudget
	}

	ctx, span := e.tracer.Start(ctx, "rehydrate.Assemble",
		trace.WithAttributes(
			attribute.String("role", string(role)),
			attribute.Int("token_budget", tokenBudget),
		))
	defer span.End()

	start := time.Now()
	bundle, err := e.asm.Assemble(ctx, role, task, tokenBudget)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("cache_hit_tier", bundle.CacheHitTier.String()),
		attribute.Int("total_tokens", bundle.TotalTokens),
		attribute.Bool("partial", bundle.Partial),
	)
	if e.collector != nil {
		e.collector.ObserveAssembly(time.Since(start), bundle.TotalTokens, bundle.Partial)
	}
	return bundle, nil
}

// InvalidateRole removes every cached bundle for one role from Tier-1 and
// Tier-2. Requires the hierarchical key strategy; hash fingerprints carry
// no role prefix to target.
func (e *Engine) InvalidateRole(ctx context.Context, role types.Role) (int, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("unknown role %q", role)
	}
	if e.keys.Name() != "hierarchical" {
		return 0, fmt.Errorf("role-scoped invalidation requires the hierarchical key strategy, have %q", e.keys.Name())
	}
	return e.router.Invalidate(ctx, "ctx:"+string(role)+":")
}

// InvalidateAll removes every cached bundle from Tier-1 and Tier-2. The
// long-term store is untouched; subsequent requests rebuild from Tier-3.
func (e *Engine) InvalidateAll(ctx context.Context) (int, error) {
	return e.router.Invalidate(ctx, "ctx:")
}

// IndexDocument writes a document into the long-term store when the
// configured store supports direct ingestion.
func (e *Engine) IndexDocument(ctx context.Context, sourceID, text string) error {
	writer, ok := e.longterm.(store.DocumentWriter)
	if !ok {
		return fmt.Errorf("long-term store does not accept direct ingestion")
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	return writer.Add(ctx, sourceID, text, vec)
}

// RecordFeedback attaches a downstream quality signal to a served bundle.
// The score feeds the optimizer's quality objective on its next rollup.
func (e *Engine) RecordFeedback(fp types.Fingerprint, score float64, annotation string) {
	e.recorder.Append(types.PerformanceSample{
		Fingerprint: fp,
		TierHit:     types.TierNone,
		Feedback:    &types.QualityFeedback{Score: score, Annotation: annotation},
		Timestamp:   time.Now(),
	})
}

// RunOptimizationCycle triggers one optimizer cycle synchronously, outside
// the background cadence. Used by tests and operational tooling.
func (e *Engine) RunOptimizationCycle(ctx context.Context) error {
	if err := e.optimizer.RunCycle(ctx); err != nil {
		return err
	}
	e.reconcileCompression()
	return e.warmer.Refresh()
}

// reconcileCompression brings stored vectors and the ratio gauge in line
// with the committed bit width. Stores that do not hold a quantized
// representation only update the gauge.
func (e *Engine) reconcileCompression() {
	bits := e.policy.Current().Vector.CompressionBitWidth
	if rq, ok := e.longterm.(store.Reencoder); ok {
		if err := rq.Reencode(bits); err != nil {
			e.logger.Warn("long-term vector re-encode failed",
				zap.Int("bits", bits), zap.Error(err))
			return
		}
	}
	if e.collector != nil {
		if q, err := compress.NewQuantizer(bits); err == nil {
			e.collector.SetCompressionRatio(q.Ratio())
		}
	}
}

// WarmNow runs one warming pass immediately.
func (e *Engine) WarmNow() { e.warmer.RunOnce() }

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Tier1Entries     int            `json:"tier1_entries"`
	Tier2Entries     int64          `json:"tier2_entries"`
	PolicyGeneration uint64         `json:"policy_generation"`
	OptimizerState   optimize.State `json:"optimizer_state"`
	FrontierSize     int            `json:"frontier_size"`
	SamplesBuffered  int            `json:"samples_buffered"`
	SamplesDropped   int64          `json:"samples_dropped"`
}

// Stats reports tier sizes, the committed policy generation and optimizer
// state. Tier-2 counting is best-effort: backend errors leave the count at
// zero rather than failing the snapshot.
func (e *Engine) Stats(ctx context.Context) Stats {
	s := Stats{
		Tier1Entries:     e.router.Tier1Len(),
		PolicyGeneration: e.policy.Current().Generation,
		OptimizerState:   e.optimizer.State(),
		FrontierSize:     len(e.optimizer.Frontier()),
		SamplesBuffered:  e.recorder.Len(),
		SamplesDropped:   e.recorder.Dropped(),
	}
	if n, err := e.router.Tier2Len(ctx); err == nil {
		s.Tier2Entries = n
	} else {
		e.logger.Warn("tier2 count unavailable", zap.Error(err))
	}
	return s
}

// Policy returns the committed policy snapshot.
func (e *Engine) Policy() policy.Snapshot { return e.policy.Current() }

// Close stops background loops, flushes the sample buffer and closes the
// Tier-2 backend. Idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.warmer.Close()
		e.optimizer.Close()
		e.wg.Wait()
		e.recorder.Close()
		err = e.tier2.Close()
		if e.dbman != nil {
			if dbErr := e.dbman.Close(); err == nil {
				err = dbErr
			}
		}
		e.logger.Info("rehydration engine stopped")
	})
	return err
}

// tokenizerFromConfig builds the tokenizer stack selected by config.
func tokenizerFromConfig(cfg config.TokenizerConfig, logger *zap.Logger) tokenizer.Tokenizer {
	tk := tokenizer.NewTiktoken(cfg.Encoding)
	if cfg.FallbackEstimator {
		return tokenizer.NewFallback(tk, logger)
	}
	return tk
}

// openTier2Backend constructs the configured warm-tier store. The gorm
// backend additionally returns its pool manager so Close can release it.
func openTier2Backend(cfg *config.Config, logger *zap.Logger) (cache.Store, *database.Manager, error) {
	switch cfg.Tier2.Backend {
	case "memory":
		return cache.NewMemoryStore(), nil, nil
	case "redis":
		rc := cache.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			TTL:          24 * time.Hour,
		}
		if cfg.Redis.TLS {
			rc.TLSConfig = tlsutil.DefaultTLSConfig()
		}
		s, err := cache.NewRedisStore(rc, logger)
		return s, nil, err
	case "gorm":
		m, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		s, err := cache.NewGormStore(m.DB(), logger)
		if err != nil {
			m.Close()
			return nil, nil, err
		}
		return s, m, nil
	case "mongo":
		s, err := cache.NewMongoStore(cache.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		}, logger)
		return s, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown tier2 backend %q", cfg.Tier2.Backend)
	}
}

// registerAnchors loads config anchors into the registry. An anchor with no
// roles applies to every role.
func registerAnchors(reg *assembler.AnchorRegistry, anchors []config.AnchorConfig) error {
	for _, a := range anchors {
		roles := make([]types.Role, 0, len(a.Roles))
		if len(a.Roles) == 0 {
			roles = types.Roles()
		} else {
			for _, r := range a.Roles {
				roles = append(roles, types.Role(r))
			}
		}
		for _, role := range roles {
			if err := reg.Register(role, assembler.Anchor{ID: a.ID, Text: a.Text, Order: a.Order}); err != nil {
				return fmt.Errorf("register anchor %q: %w", a.ID, err)
			}
		}
	}
	return nil
}

// syntheticHoldout derives a deterministic held-out vector set from the
// embedder so bit-width validation works before any real traffic exists.
func syntheticHoldout(embedder store.Embedder, n int) [][]float64 {
	vectors := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		vec, err := embedder.Embed(context.Background(), fmt.Sprintf("holdout-seed-%d", i))
		if err != nil {
			continue
		}
		vectors = append(vectors, vec)
	}
	return vectors
}
