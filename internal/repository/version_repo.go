// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"kinecraft-server/internal/model"
)

// VersionRepository 渲染版本数据访问层
// 版本列表只增不减，最后一条即当前版本
type VersionRepository struct {
	db *gorm.DB
}

// NewVersionRepository 创建 VersionRepository 实例
func NewVersionRepository(db *gorm.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Create 追加一个渲染版本
// 参数:
//   - ctx: 上下文
//   - version: 版本对象，ID 和 CreatedAt 会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *VersionRepository) Create(ctx context.Context, version *model.Version) error {
	return r.db.WithContext(ctx).Create(version).Error
}

// GetBySessionID 获取会话的全部渲染版本
// 按创建时间正序排列（最早的在前）
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - []model.Version: 版本列表
//   - error: 数据库错误
func (r *VersionRepository) GetBySessionID(ctx context.Context, sessionID int64) ([]model.Version, error) {
	var versions []model.Version
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&versions).Error
	return versions, err
}

// GetByVersionID 根据对外版本标识获取版本
// 参数:
//   - ctx: 上下文
//   - versionID: 对外暴露的版本标识（UUID）
//
// 返回:
//   - *model.Version: 版本对象，未找到返回 nil
//   - error: 数据库错误
func (r *VersionRepository) GetByVersionID(ctx context.Context, versionID string) (*model.Version, error) {
	var version model.Version
	err := r.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

// GetLatestBySessionID 获取会话的当前版本（最新一条）
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - *model.Version: 当前版本，没有则返回 nil
//   - error: 数据库错误
func (r *VersionRepository) GetLatestBySessionID(ctx context.Context, sessionID int64) (*model.Version, error) {
	var version model.Version
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

// CountBySessionID 统计会话的渲染版本数量
// complete 阶段要求至少已有一个版本，由这里兜底校验
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - int64: 版本数量
//   - error: 数据库错误
func (r *VersionRepository) CountBySessionID(ctx context.Context, sessionID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Version{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}
