package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// Tier-2 温缓存（共享/持久, 进程重启后存活）
// =============================================================================

// Store 是 Tier-2 的后端存储接口: 对 Entry 记录的标准 KV
// upsert/get/delete, 外加批量失效用的前缀扫描.
// 实现: memory | redis | gorm | mongo.
type Store interface {
	// Get 按指纹读取条目, 未命中返回 ErrCacheMiss.
	Get(ctx context.Context, fp types.Fingerprint) (*Entry, error)

	// Upsert 写入条目. 并发晋升同一条目时语义幂等:
	// 重复写入合并为一个逻辑条目.
	Upsert(ctx context.Context, entry *Entry) error

	// Delete 删除条目.
	Delete(ctx context.Context, fp types.Fingerprint) error

	// DeletePrefix 删除指纹前缀匹配的全部条目, 返回删除数.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Count 返回条目总数.
	Count(ctx context.Context) (int64, error)

	// Scan 遍历全部条目. fn 返回 false 时提前终止.
	Scan(ctx context.Context, fn func(*Entry) bool) error

	// Ping 健康检查.
	Ping(ctx context.Context) error

	// Close 关闭存储.
	Close() error
}

// Tier2Config Tier-2 缓存配置.
type Tier2Config struct {
	// 后端类型: memory | redis | gorm | mongo.
	Backend string `yaml:"backend" json:"backend"`

	// 最大条目数, 超出后触发淘汰.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// DefaultTier2Config 返回默认 Tier-2 配置.
func DefaultTier2Config() Tier2Config {
	return Tier2Config{
		Backend:  "memory",
		Capacity: 65536,
	}
}

// Tier2 持久温缓存. 淘汰策略为 LRU 加最低质量分下限:
// 质量分低于当前策略阈值的条目优先淘汰, 平分时按最久未访问优先.
type Tier2 struct {
	store    Store
	capacity int
	logger   *zap.Logger
}

// NewTier2 创建 Tier-2 缓存.
func NewTier2(store Store, config Tier2Config, logger *zap.Logger) *Tier2 {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tier2{
		store:    store,
		capacity: config.Capacity,
		logger:   logger.With(zap.String("component", "tier2")),
	}
}

// Get 读取条目.
func (t *Tier2) Get(ctx context.Context, fp types.Fingerprint) (*Entry, error) {
	return t.store.Get(ctx, fp)
}

// Put 写入条目, 容量超额时按质量下限 + LRU 淘汰.
// qualityFloor 来自当前 PolicyState 快照.
func (t *Tier2) Put(ctx context.Context, entry *Entry, qualityFloor float64) error {
	count, err := t.store.Count(ctx)
	if err != nil {
		return err
	}
	if count >= int64(t.capacity) {
		evicted, err := t.evict(ctx, int(count)-t.capacity+1, qualityFloor)
		if err != nil {
			t.logger.Warn("tier2 eviction failed", zap.Error(err))
		} else if evicted > 0 {
			t.logger.Debug("tier2 evicted entries", zap.Int("count", evicted))
		}
	}
	return t.store.Upsert(ctx, entry)
}

// Delete 删除条目.
func (t *Tier2) Delete(ctx context.Context, fp types.Fingerprint) error {
	return t.store.Delete(ctx, fp)
}

// DeletePrefix 前缀批量删除.
func (t *Tier2) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return t.store.DeletePrefix(ctx, prefix)
}

// Len 返回条目数.
func (t *Tier2) Len(ctx context.Context) (int64, error) {
	return t.store.Count(ctx)
}

// Ping 健康检查.
func (t *Tier2) Ping(ctx context.Context) error { return t.store.Ping(ctx) }

// Close 关闭底层存储.
func (t *Tier2) Close() error { return t.store.Close() }

// evict 选择并删除 n 个淘汰对象.
// 低于质量下限的条目优先（按最久未访问排序）, 不足时回落纯 LRU.
func (t *Tier2) evict(ctx context.Context, n int, qualityFloor float64) (int, error) {
	var below, rest []*Entry
	err := t.store.Scan(ctx, func(e *Entry) bool {
		if e.QualityScore < qualityFloor {
			below = append(below, e)
		} else {
			rest = append(rest, e)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	byAge := func(s []*Entry) {
		sort.Slice(s, func(i, j int) bool {
			return s[i].LastAccessed.Before(s[j].LastAccessed)
		})
	}
	byAge(below)
	byAge(rest)

	victims := below
	if len(victims) < n {
		victims = append(victims, rest...)
	}
	if len(victims) > n {
		victims = victims[:n]
	}

	evicted := 0
	for _, v := range victims {
		if err := t.store.Delete(ctx, v.Fingerprint); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// =============================================================================
// 内存后端（开发与测试用, 重启后数据丢失）
// =============================================================================

// MemoryStore 内存 Store 实现.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[types.Fingerprint]*Entry
	closed bool
}

// NewMemoryStore 创建内存后端.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[types.Fingerprint]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, fp types.Fingerprint) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entry, ok := s.items[fp]
	if !ok {
		return nil, ErrCacheMiss
	}
	touch(entry)
	return entry.Clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if existing, ok := s.items[entry.Fingerprint]; ok {
		// 幂等合并: 保留首次创建时间, 累计访问计数
		dup := entry.Clone()
		dup.CreatedAt = existing.CreatedAt
		dup.AccessCount = existing.AccessCount + 1
		s.items[entry.Fingerprint] = dup
		return nil
	}
	s.items[entry.Fingerprint] = entry.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, fp types.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.items, fp)
	return nil
}

func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	deleted := 0
	for fp := range s.items {
		if len(fp) >= len(prefix) && string(fp[:len(prefix)]) == prefix {
			delete(s.items, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return int64(len(s.items)), nil
}

func (s *MemoryStore) Scan(ctx context.Context, fn func(*Entry) bool) error {
	s.mu.RLock()
	snapshot := make([]*Entry, 0, len(s.items))
	for _, e := range s.items {
		snapshot = append(snapshot, e.Clone())
	}
	s.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// touch 更新访问簿记. 各后端在 Get 路径调用并把结果持久化,
// 否则 LRU 淘汰与预热排序退化为写入顺序.
func touch(e *Entry) {
	e.LastAccessed = time.Now()
	e.AccessCount++
}
