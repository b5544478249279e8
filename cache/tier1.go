package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// Tier-1 热缓存（进程内分片 LRU, 双向链表实现 O(1) 操作）
// =============================================================================

// Tier1Config Tier-1 缓存配置.
type Tier1Config struct {
	// 最大条目数（全部分片合计）.
	Capacity int `yaml:"capacity" json:"capacity"`

	// 条目 TTL, 0 表示不过期.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 分片数. 每个指纹桶持有独立短锁, 避免全局锁竞争.
	Shards int `yaml:"shards" json:"shards"`
}

// DefaultTier1Config 返回默认 Tier-1 配置.
func DefaultTier1Config() Tier1Config {
	return Tier1Config{
		Capacity: 4096,
		TTL:      5 * time.Minute,
		Shards:   16,
	}
}

// Tier1 进程内热缓存. 读写路径为非阻塞快路径,
// 淘汰绝不移除被在途请求钉住的条目.
type Tier1 struct {
	shards []*tier1Shard
	nShard uint32
}

type tier1Shard struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[types.Fingerprint]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
}

type lruNode struct {
	fp        types.Fingerprint
	entry     *Entry
	pins      int
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

// NewTier1 创建分片 LRU 缓存.
func NewTier1(config Tier1Config) *Tier1 {
	if config.Shards <= 0 {
		config.Shards = 16
	}
	if config.Capacity < config.Shards {
		config.Capacity = config.Shards
	}
	perShard := config.Capacity / config.Shards

	t := &Tier1{
		shards: make([]*tier1Shard, config.Shards),
		nShard: uint32(config.Shards),
	}
	for i := range t.shards {
		t.shards[i] = &tier1Shard{
			capacity: perShard,
			ttl:      config.TTL,
			items:    make(map[types.Fingerprint]*lruNode),
		}
	}
	return t
}

func (t *Tier1) shard(fp types.Fingerprint) *tier1Shard {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return t.shards[h.Sum32()%t.nShard]
}

// Get 查找条目并更新 LRU 簿记, 返回在分片锁内深拷贝的私有副本:
// 调用方读取不与后续 Get 的簿记写入竞争. pin 为 true 时条目在对应
// Unpin 调用前不会被淘汰.
func (t *Tier1) Get(fp types.Fingerprint, pin bool) (*Entry, bool) {
	s := t.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.items[fp]
	if !ok {
		return nil, false
	}

	// 过期检查（被钉住的条目延迟到解钉后再清理）
	if s.ttl > 0 && time.Now().After(node.expiresAt) && node.pins == 0 {
		s.removeNode(node)
		delete(s.items, fp)
		return nil, false
	}

	s.moveToHead(node)
	node.entry.AccessCount++
	node.entry.LastAccessed = time.Now()
	if pin {
		node.pins++
	}
	return node.entry.Clone(), true
}

// Unpin 释放 Get(pin=true) 取得的钉.
func (t *Tier1) Unpin(fp types.Fingerprint) {
	s := t.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.items[fp]; ok && node.pins > 0 {
		node.pins--
	}
}

// Set 插入或替换条目.
func (t *Tier1) Set(fp types.Fingerprint, entry *Entry) {
	s := t.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.items[fp]; ok {
		node.entry = entry
		node.expiresAt = time.Now().Add(s.ttl)
		s.moveToHead(node)
		return
	}

	if len(s.items) >= s.capacity {
		s.evictTail()
	}

	node := &lruNode{
		fp:        fp,
		entry:     entry,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.items[fp] = node
	s.addToHead(node)
}

// Delete 删除条目.
func (t *Tier1) Delete(fp types.Fingerprint) {
	s := t.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.items[fp]; ok {
		s.removeNode(node)
		delete(s.items, fp)
	}
}

// DeletePrefix 删除指纹前缀匹配的全部条目, 返回删除数.
func (t *Tier1) DeletePrefix(prefix string) int {
	deleted := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for fp, node := range s.items {
			if len(fp) >= len(prefix) && string(fp[:len(prefix)]) == prefix {
				s.removeNode(node)
				delete(s.items, fp)
				deleted++
			}
		}
		s.mu.Unlock()
	}
	return deleted
}

// Len 返回当前条目总数.
func (t *Tier1) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}

// TopAccessed 返回访问次数最高的 k 个指纹（用于预热）.
func (t *Tier1) TopAccessed(k int) []types.Fingerprint {
	type hot struct {
		fp    types.Fingerprint
		count int64
	}
	var all []hot
	for _, s := range t.shards {
		s.mu.Lock()
		for fp, node := range s.items {
			all = append(all, hot{fp: fp, count: node.entry.AccessCount})
		}
		s.mu.Unlock()
	}
	// 简单选择排序取前 k, 条目数有界
	out := make([]types.Fingerprint, 0, k)
	for len(out) < k && len(all) > 0 {
		best := 0
		for i := 1; i < len(all); i++ {
			if all[i].count > all[best].count {
				best = i
			}
		}
		out = append(out, all[best].fp)
		all = append(all[:best], all[best+1:]...)
	}
	return out
}

// =============================================================================
// 链表操作（单分片内, O(1)）
// =============================================================================

func (s *tier1Shard) addToHead(node *lruNode) {
	node.prev = nil
	node.next = s.head
	if s.head != nil {
		s.head.prev = node
	}
	s.head = node
	if s.tail == nil {
		s.tail = node
	}
}

func (s *tier1Shard) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		s.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		s.tail = node.prev
	}
}

func (s *tier1Shard) moveToHead(node *lruNode) {
	if node == s.head {
		return
	}
	s.removeNode(node)
	s.addToHead(node)
}

// evictTail 从尾部淘汰最久未使用且未被钉住的条目.
func (s *tier1Shard) evictTail() {
	for node := s.tail; node != nil; node = node.prev {
		if node.pins > 0 {
			continue
		}
		delete(s.items, node.fp)
		s.removeNode(node)
		return
	}
	// 全部被钉住: 容量暂时超额, 等待解钉
}
