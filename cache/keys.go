package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BaSui01/rehydrate/types"
)

// KeyStrategy 指纹生成策略接口.
type KeyStrategy interface {
	// Fingerprint 为 (role, task, generation) 生成确定性指纹.
	Fingerprint(role types.Role, task string, generation uint64) types.Fingerprint

	// Name 返回策略名称（用于日志和调试）.
	Name() string
}

// NormalizeTask 规范化任务文本: 小写 + 空白折叠.
// 相同 (role, task, generation) 三元组必须产生相同指纹, 规范化
// 消除大小写与空白差异带来的伪未命中.
func NormalizeTask(task string) string {
	return strings.Join(strings.Fields(strings.ToLower(task)), " ")
}

// InputKey 返回碰撞检测用的规范输入串.
func InputKey(role types.Role, task string) string {
	return string(role) + "|" + NormalizeTask(task)
}

// =============================================================================
// Hash 策略
// =============================================================================

// HashKeyStrategy 全输入 SHA-256 指纹策略.
type HashKeyStrategy struct{}

// NewHashKeyStrategy 创建 Hash 策略.
func NewHashKeyStrategy() *HashKeyStrategy { return &HashKeyStrategy{} }

func (s *HashKeyStrategy) Name() string { return "hash" }

// Fingerprint 生成 Hash 指纹, 使用摘要前 16 字节.
func (s *HashKeyStrategy) Fingerprint(role types.Role, task string, generation uint64) types.Fingerprint {
	input := fmt.Sprintf("%s|%s|%d", role, NormalizeTask(task), generation)
	sum := sha256.Sum256([]byte(input))
	return types.Fingerprint("ctx:" + hex.EncodeToString(sum[:16]))
}

// =============================================================================
// 层次化策略
// =============================================================================

// HierarchicalKeyStrategy 层次化指纹策略.
// 格式: ctx:{role}:{gen}:{taskHash}
// role 与 generation 以明文前缀出现, 使 InvalidatePrefix 可以按
// 角色或代次批量失效, 而不必全量扫描.
type HierarchicalKeyStrategy struct{}

// NewHierarchicalKeyStrategy 创建层次化策略.
func NewHierarchicalKeyStrategy() *HierarchicalKeyStrategy { return &HierarchicalKeyStrategy{} }

func (s *HierarchicalKeyStrategy) Name() string { return "hierarchical" }

// Fingerprint 生成层次化指纹, 任务哈希使用摘要前 12 字节.
func (s *HierarchicalKeyStrategy) Fingerprint(role types.Role, task string, generation uint64) types.Fingerprint {
	sum := sha256.Sum256([]byte(NormalizeTask(task)))
	return types.Fingerprint(fmt.Sprintf("ctx:%s:%d:%s", role, generation, hex.EncodeToString(sum[:12])))
}

// NewKeyStrategy 根据配置选择指纹策略.
func NewKeyStrategy(kind string) KeyStrategy {
	switch kind {
	case "hierarchical":
		return NewHierarchicalKeyStrategy()
	default:
		return NewHashKeyStrategy()
	}
}
