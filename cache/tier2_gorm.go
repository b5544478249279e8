package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// GORM 后端（持久关系型存储, 单节点生产部署默认选择）
// =============================================================================

// GormStore 关系型 Store 实现, 底层方言由 internal/database 选择
// (sqlite | postgres | mysql).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建关系型后端并迁移 cache_entries 表.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate cache_entries: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "tier2_gorm")),
	}, nil
}

func (s *GormStore) Get(ctx context.Context, fp types.Fingerprint) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).First(&entry, "fingerprint = ?", string(fp)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("gorm get failed: %w", err)
	}
	touch(&entry)

	// 访问簿记写回: 失败只影响淘汰与预热排序, 不影响本次读取
	if err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("fingerprint = ?", string(fp)).
		UpdateColumns(map[string]any{
			"last_accessed_at": entry.LastAccessed,
			"access_count":     entry.AccessCount,
		}).Error; err != nil {
		s.logger.Warn("gorm access bookkeeping write failed",
			zap.String("fingerprint", string(fp)), zap.Error(err))
	}
	return &entry, nil
}

func (s *GormStore) Upsert(ctx context.Context, entry *Entry) error {
	// ON CONFLICT DO UPDATE: 并发晋升幂等, 不产生重复行
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"input_key", "payload", "size_bytes", "last_accessed_at",
			"access_count", "tier_origin", "quality_score",
		}),
	}).Create(entry).Error
	if err != nil {
		s.logger.Error("gorm upsert failed",
			zap.String("fingerprint", string(entry.Fingerprint)), zap.Error(err))
		return fmt.Errorf("gorm upsert failed: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, fp types.Fingerprint) error {
	if err := s.db.WithContext(ctx).Delete(&Entry{}, "fingerprint = ?", string(fp)).Error; err != nil {
		return fmt.Errorf("gorm delete failed: %w", err)
	}
	return nil
}

func (s *GormStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res := s.db.WithContext(ctx).Delete(&Entry{}, "fingerprint LIKE ?", prefix+"%")
	if res.Error != nil {
		return 0, fmt.Errorf("gorm prefix delete failed: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("gorm count failed: %w", err)
	}
	return count, nil
}

func (s *GormStore) Scan(ctx context.Context, fn func(*Entry) bool) error {
	rows, err := s.db.WithContext(ctx).Model(&Entry{}).Order("last_accessed_at ASC").Rows()
	if err != nil {
		return fmt.Errorf("gorm scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry Entry
		if err := s.db.ScanRows(rows, &entry); err != nil {
			return fmt.Errorf("gorm scan row failed: %w", err)
		}
		if !fn(&entry) {
			return nil
		}
	}
	return rows.Err()
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
