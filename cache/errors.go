package cache

import "errors"

var (
	// ErrCacheMiss 缓存未命中.
	ErrCacheMiss = errors.New("cache miss")

	// ErrSourceUnavailable 长期存储（Tier-3）不可达.
	// 这是唯一向调用方传播的层级故障: Tier-1/Tier-2 故障会降级穿透.
	ErrSourceUnavailable = errors.New("long-term source unavailable")

	// ErrStoreClosed 存储已关闭.
	ErrStoreClosed = errors.New("cache store is closed")

	// ErrStaleFingerprint 指纹碰撞: 两个不同输入哈希到同一指纹.
	// 检测到后按未命中处理并替换条目, 绝不错误返回.
	ErrStaleFingerprint = errors.New("stale fingerprint collision")
)

// IsCacheMiss 判断是否为缓存未命中错误.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
