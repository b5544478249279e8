package cache

import (
	"time"

	"github.com/BaSui01/rehydrate/types"
)

// Entry 是跨所有层级的缓存条目.
// Payload 创建后不可变: 更新总是生成新条目（新指纹或显式版本后缀）,
// 绝不原地修改, 以保证并发读取安全.
type Entry struct {
	Fingerprint  types.Fingerprint `json:"fingerprint" gorm:"primaryKey;column:fingerprint"`
	InputKey     string            `json:"input_key" gorm:"column:input_key"`
	Payload      []byte            `json:"payload" gorm:"column:payload"`
	SizeBytes    int64             `json:"size_bytes" gorm:"column:size_bytes"`
	CreatedAt    time.Time         `json:"created_at" gorm:"column:created_at"`
	LastAccessed time.Time         `json:"last_accessed_at" gorm:"column:last_accessed_at;index"`
	AccessCount  int64             `json:"access_count" gorm:"column:access_count"`
	TierOrigin   types.TierLevel   `json:"tier_origin" gorm:"column:tier_origin"`
	QualityScore float64           `json:"quality_score" gorm:"column:quality_score;index"`
}

// TableName 指定 gorm 后端的表名.
func (Entry) TableName() string { return "cache_entries" }

// Clone 返回条目的深拷贝. 层级间晋升/降级通过拷贝转移逻辑所有权,
// 低层级的原条目不被修改.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Payload = append([]byte(nil), e.Payload...)
	return &dup
}

// Matches 比较存储输入与请求输入, 用于指纹碰撞检测.
func (e *Entry) Matches(inputKey string) bool {
	return e.InputKey == inputKey
}

// NewEntry 创建新条目并填充元数据.
func NewEntry(fp types.Fingerprint, inputKey string, payload []byte, origin types.TierLevel, quality float64) *Entry {
	now := time.Now()
	return &Entry{
		Fingerprint:  fp,
		InputKey:     inputKey,
		Payload:      payload,
		SizeBytes:    int64(len(payload)),
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
		TierOrigin:   origin,
		QualityScore: quality,
	}
}
