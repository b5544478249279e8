// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	promotions  *prometheus.CounterVec
	invalidated prometheus.Counter

	// 解析/装配指标
	resolveDuration  *prometheus.HistogramVec
	assembleDuration prometheus.Histogram
	bundleTokens     prometheus.Histogram
	partialBundles   prometheus.Counter

	// 优化引擎指标
	frontierSize       prometheus.Gauge
	policyGeneration   prometheus.Gauge
	optimizationCycles *prometheus.CounterVec

	// 压缩指标
	compressionRatio prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"tier"},
	)

	c.promotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_promotions_total",
			Help:      "Total number of entry promotions between tiers",
		},
		[]string{"from_tier", "to_tier"},
	)

	c.invalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidated_entries_total",
			Help:      "Total number of invalidated cache entries",
		},
	)

	// 解析/装配指标
	c.resolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Cache resolve duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"tier"},
	)

	c.assembleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assemble_duration_seconds",
			Help:      "Bundle assembly duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	c.bundleTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_tokens",
			Help:      "Token count of assembled bundles",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		},
	)

	c.partialBundles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_bundles_total",
			Help:      "Total number of bundles returned partial on deadline",
		},
	)

	// 优化引擎指标
	c.frontierSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pareto_frontier_size",
			Help:      "Current Pareto frontier member count",
		},
	)

	c.policyGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_generation",
			Help:      "Current committed policy generation id",
		},
	)

	c.optimizationCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimization_cycles_total",
			Help:      "Total optimization cycles by outcome",
		},
		[]string{"outcome"},
	)

	// 压缩指标
	c.compressionRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compression_ratio",
			Help:      "Active embedding compression ratio versus float64",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// RecordPromotion 记录层级晋升
func (c *Collector) RecordPromotion(fromTier, toTier string) {
	c.promotions.WithLabelValues(fromTier, toTier).Inc()
}

// RecordInvalidation 记录失效条目数
func (c *Collector) RecordInvalidation(count int) {
	c.invalidated.Add(float64(count))
}

// ObserveResolveLatency 记录解析时延
func (c *Collector) ObserveResolveLatency(tier string, d time.Duration) {
	c.resolveDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// =============================================================================
// 🧩 装配指标记录
// =============================================================================

// ObserveAssembly 记录装配耗时与 token 数
func (c *Collector) ObserveAssembly(d time.Duration, tokens int, partial bool) {
	c.assembleDuration.Observe(d.Seconds())
	c.bundleTokens.Observe(float64(tokens))
	if partial {
		c.partialBundles.Inc()
	}
}

// =============================================================================
// 🔄 优化引擎指标记录
// =============================================================================

// SetFrontierSize 设置帕累托前沿成员数
func (c *Collector) SetFrontierSize(n int) {
	c.frontierSize.Set(float64(n))
}

// SetPolicyGeneration 设置当前策略代次
func (c *Collector) SetPolicyGeneration(gen uint64) {
	c.policyGeneration.Set(float64(gen))
}

// RecordOptimizationCycle 记录优化周期结果
func (c *Collector) RecordOptimizationCycle(outcome string) {
	c.optimizationCycles.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 📦 压缩指标记录
// =============================================================================

// SetCompressionRatio 设置当前压缩比
func (c *Collector) SetCompressionRatio(ratio float64) {
	c.compressionRatio.Set(ratio)
}
