package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/rehydrate/policy"
	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// 缓存路由器
// =============================================================================

// LoadFunc 在全层未命中时从长期存储构造载荷.
// 这是请求唯一允许阻塞等待的 I/O 点.
type LoadFunc func(ctx context.Context) (payload []byte, quality float64, err error)

// MetricsRecorder 路由器发出的指标钩子. 允许为 nil.
type MetricsRecorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
	RecordPromotion(fromTier, toTier string)
	RecordInvalidation(count int)
	ObserveResolveLatency(tier string, d time.Duration)
}

// SampleSink 接收路由器产出的性能样本. 允许为 nil.
type SampleSink interface {
	Append(sample types.PerformanceSample)
}

// RouterConfig 路由器配置.
type RouterConfig struct {
	// 后台晋升写入的独立超时（不阻塞调用方）.
	PromotionTimeout time.Duration `yaml:"promotion_timeout" json:"promotion_timeout"`

	// Tier-3 加载飞行的独立上限. 飞行与单个调用方的取消解耦,
	// 合流者各按自己的截止时间放弃等待.
	LoadTimeout time.Duration `yaml:"load_timeout" json:"load_timeout"`
}

// DefaultRouterConfig 返回默认路由器配置.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PromotionTimeout: 5 * time.Second,
		LoadTimeout:      30 * time.Second,
	}
}

// Router 决定每个请求查询哪些层级、以何种顺序,
// 并实现读穿晋升（冷→温→热）与失效传播.
type Router struct {
	tier1   *Tier1
	tier2   *Tier2
	policy  *policy.Store
	config  RouterConfig
	metrics MetricsRecorder
	samples SampleSink
	logger  *zap.Logger

	// 同指纹并发 Tier-3 加载折叠为一次
	loads singleflight.Group

	// 失效栅栏: Invalidate 推进代次并等待在途晋升写退出.
	// 在失效前读到数据的晋升写, 或在删除前落盘随后被删, 或因代次
	// 不符被丢弃, 不会复活失效载荷.
	invalMu sync.RWMutex
	epoch   uint64
}

// NewRouter 创建缓存路由器. tier2 可为 nil（纯进程内模式）.
func NewRouter(tier1 *Tier1, tier2 *Tier2, pol *policy.Store, config RouterConfig, metrics MetricsRecorder, samples SampleSink, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PromotionTimeout <= 0 {
		config.PromotionTimeout = 5 * time.Second
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 30 * time.Second
	}
	return &Router{
		tier1:   tier1,
		tier2:   tier2,
		policy:  pol,
		config:  config,
		metrics: metrics,
		samples: samples,
		logger:  logger.With(zap.String("component", "router")),
	}
}

// Resolve 依次查询 Tier-1、Tier-2, 未命中时穿透 Tier-3（load）.
// inputKey 为碰撞检测用的规范输入; 命中条目的存储输入与之不符时
// 按未命中处理并替换条目, 绝不错误返回.
//
// Tier-1/Tier-2 故障优雅降级为继续穿透; 只有 Tier-3 失败向调用方
// 传播（ErrSourceUnavailable）.
func (r *Router) Resolve(ctx context.Context, fp types.Fingerprint, inputKey string, load LoadFunc) (*Entry, types.TierLevel, error) {
	start := time.Now()
	epoch := r.currentEpoch()

	// 1. Tier-1 快路径（Get 返回私有副本, 比较与返回无共享状态）
	if entry, ok := r.tier1.Get(fp, true); ok {
		defer r.tier1.Unpin(fp)
		if entry.Matches(inputKey) {
			r.observe(types.Tier1, fp, start, len(entry.Payload))
			return entry, types.Tier1, nil
		}
		r.logger.Warn("stale fingerprint collision in tier1",
			zap.String("fingerprint", string(fp)))
		r.tier1.Delete(fp)
	}
	r.recordMiss(types.Tier1)

	// 2. Tier-2 温路径
	if r.tier2 != nil {
		entry, err := r.tier2.Get(ctx, fp)
		switch {
		case err == nil:
			if !entry.Matches(inputKey) {
				r.logger.Warn("stale fingerprint collision in tier2",
					zap.String("fingerprint", string(fp)))
				if derr := r.tier2.Delete(ctx, fp); derr != nil {
					r.logger.Warn("collision entry delete failed", zap.Error(derr))
				}
			} else {
				r.promoteToTier1(fp, entry, epoch)
				r.observe(types.Tier2, fp, start, len(entry.Payload))
				return entry, types.Tier2, nil
			}
		case errors.Is(err, ErrCacheMiss):
			// 正常未命中
		default:
			// 温层不可用: 记录并继续穿透
			r.logger.Warn("tier2 unavailable, falling through", zap.Error(err))
		}
	}
	r.recordMiss(types.Tier2)

	// 3. Tier-3 冷路径（权威, 同指纹并发加载去重）.
	// 飞行在与调用方取消解耦、仅受 LoadTimeout 约束的上下文中执行:
	// 领头者提前放弃不会连累合流者, 各调用方按自己的截止时间等待.
	parent := context.WithoutCancel(ctx)
	ch := r.loads.DoChan(string(fp), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(parent, r.config.LoadTimeout)
		defer cancel()
		payload, quality, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		return NewEntry(fp, inputKey, payload, types.Tier3, quality), nil
	})

	var entry *Entry
	select {
	case <-ctx.Done():
		// 放弃等待但不取消飞行: 其余合流者仍可收到结果
		return nil, types.TierNone, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(res.Err, context.Canceled) {
				return nil, types.TierNone, res.Err
			}
			return nil, types.TierNone, fmt.Errorf("%w: %v", ErrSourceUnavailable, res.Err)
		}
		entry = res.Val.(*Entry).Clone()
	}

	// 读穿晋升: 不阻塞响应
	r.promoteToTier1(fp, entry, epoch)
	r.promoteToTier2Async(fp, entry, epoch)

	r.observe(types.Tier3, fp, start, len(entry.Payload))
	return entry, types.Tier3, nil
}

// Invalidate 同步向所有层级传播前缀失效.
// 返回后保证同进程内后续读取不会观察到失效前的载荷.
func (r *Router) Invalidate(ctx context.Context, prefix string) (int, error) {
	// 推进代次并等待在途晋升写退出, 再执行删除:
	// 先于删除落盘的旧写随删除一并清除, 之后的旧代次写被丢弃
	r.invalMu.Lock()
	r.epoch++
	r.invalMu.Unlock()

	n1 := r.tier1.DeletePrefix(prefix)

	n2 := 0
	if r.tier2 != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := r.tier2.DeletePrefix(gctx, prefix)
			n2 = n
			return err
		})
		if err := g.Wait(); err != nil {
			return n1, fmt.Errorf("tier2 invalidation failed: %w", err)
		}
	}

	total := n1 + n2
	if r.metrics != nil {
		r.metrics.RecordInvalidation(total)
	}
	r.logger.Info("invalidated entries",
		zap.String("prefix", prefix),
		zap.Int("tier1", n1),
		zap.Int("tier2", n2))
	return total, nil
}

// Warm 将一个条目直接写入 Tier-1/Tier-2（预热调度器使用）.
func (r *Router) Warm(ctx context.Context, entry *Entry) error {
	r.tier1.Set(entry.Fingerprint, entry.Clone())
	if r.tier2 == nil {
		return nil
	}
	floor := r.policy.Current().Vector.EvictionThreshold
	return r.tier2.Put(ctx, entry, floor)
}

// TopAccessed 返回热度最高的 k 个指纹.
func (r *Router) TopAccessed(k int) []types.Fingerprint {
	return r.tier1.TopAccessed(k)
}

// TopTier2 返回 Tier-2 中访问计数最高的 k 个条目（预热调度器使用）.
func (r *Router) TopTier2(ctx context.Context, k int) ([]*Entry, error) {
	if r.tier2 == nil || k <= 0 {
		return nil, nil
	}
	var all []*Entry
	err := r.tier2.store.Scan(ctx, func(e *Entry) bool {
		all = append(all, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].AccessCount > all[j].AccessCount
	})
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// Tier1Len 返回 Tier-1 条目数.
func (r *Router) Tier1Len() int { return r.tier1.Len() }

// Tier2Len 返回 Tier-2 条目数.
func (r *Router) Tier2Len(ctx context.Context) (int64, error) {
	if r.tier2 == nil {
		return 0, nil
	}
	return r.tier2.Len(ctx)
}

// =============================================================================
// 晋升与观测
// =============================================================================

func (r *Router) currentEpoch() uint64 {
	r.invalMu.RLock()
	defer r.invalMu.RUnlock()
	return r.epoch
}

// promoteToTier1 写热层. epoch 为晋升数据读取时的失效代次,
// 不符说明读取后发生过失效, 丢弃以免写回失效载荷.
func (r *Router) promoteToTier1(fp types.Fingerprint, entry *Entry, epoch uint64) {
	r.invalMu.RLock()
	defer r.invalMu.RUnlock()
	if r.epoch != epoch {
		return
	}
	r.tier1.Set(fp, entry.Clone())
	if r.metrics != nil {
		r.metrics.RecordPromotion(entry.TierOrigin.String(), types.Tier1.String())
	}
}

// promoteToTier2Async 异步写温层. 写入即发即弃,
// 绝不拖延调用方响应; 同指纹重复晋升由 Upsert 幂等折叠.
// 写入全程持失效读锁: Invalidate 要么等到写完成再删除,
// 要么令代次检查失败丢弃本次晋升.
func (r *Router) promoteToTier2Async(fp types.Fingerprint, entry *Entry, epoch uint64) {
	if r.tier2 == nil {
		return
	}
	dup := entry.Clone()
	floor := r.policy.Current().Vector.EvictionThreshold
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.PromotionTimeout)
		defer cancel()
		r.invalMu.RLock()
		defer r.invalMu.RUnlock()
		if r.epoch != epoch {
			r.logger.Debug("tier2 promotion dropped after invalidation",
				zap.String("fingerprint", string(fp)))
			return
		}
		if err := r.tier2.Put(ctx, dup, floor); err != nil {
			r.logger.Warn("tier2 promotion failed",
				zap.String("fingerprint", string(fp)), zap.Error(err))
			return
		}
		if r.metrics != nil {
			r.metrics.RecordPromotion(types.Tier3.String(), types.Tier2.String())
		}
	}()
}

func (r *Router) observe(tier types.TierLevel, fp types.Fingerprint, start time.Time, payloadBytes int) {
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordCacheHit(tier.String())
		r.metrics.ObserveResolveLatency(tier.String(), elapsed)
	}
	if r.samples != nil {
		r.samples.Append(types.PerformanceSample{
			Fingerprint: fp,
			TierHit:     tier,
			LatencyMS:   float64(elapsed.Microseconds()) / 1000.0,
			TokenCount:  payloadBytes / 4, // 近似; 装配器样本带精确值
			Timestamp:   time.Now(),
		})
	}
}

func (r *Router) recordMiss(tier types.TierLevel) {
	if r.metrics != nil {
		r.metrics.RecordCacheMiss(tier.String())
	}
}
