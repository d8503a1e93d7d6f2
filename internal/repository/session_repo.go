// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"kinecraft-server/internal/model"
)

// SessionRepository 会话数据访问层
// 负责会话相关的所有数据库操作
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建 SessionRepository 实例
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create 创建新会话
// 参数:
//   - ctx: 上下文
//   - session: 会话对象，ID 和时间字段会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

// GetByID 根据 ID 获取会话
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - *model.Session: 会话对象，未找到返回 nil
//   - error: 数据库错误
func (r *SessionRepository) GetByID(ctx context.Context, id int64) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).First(&session, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetByIDWithHistory 根据 ID 获取会话及其消息和渲染版本
// 用于客户端对账：一次加载完整的会话快照
// 消息按 (created_at, sequence) 排序，保证时间线稳定可复现
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - *model.Session: 包含 Messages 和 Versions 字段的会话对象
//   - error: 数据库错误
func (r *SessionRepository) GetByIDWithHistory(ctx context.Context, id int64) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, sequence ASC")
		}).
		Preload("Versions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC") // 版本只增不减，最后一条是当前版本
		}).
		First(&session, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetByWorkspaceID 根据工作空间句柄反查会话
// 用于预览代理和产物下载时的归属校验
// 参数:
//   - ctx: 上下文
//   - workspaceID: 工作空间句柄
//
// 返回:
//   - *model.Session: 会话对象，未找到返回 nil
//   - error: 数据库错误
func (r *SessionRepository) GetByWorkspaceID(ctx context.Context, workspaceID string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetWithPagination 分页获取会话列表
// 参数:
//   - ctx: 上下文
//   - page: 页码，从 1 开始
//   - pageSize: 每页数量
//
// 返回:
//   - []model.Session: 会话列表，按创建时间倒序
//   - int64: 总数量（用于计算总页数）
//   - error: 数据库错误
func (r *SessionRepository) GetWithPagination(ctx context.Context, page, pageSize int) ([]model.Session, int64, error) {
	var sessions []model.Session
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Session{})

	// 获取总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 分页查询
	// Offset: 跳过的记录数 = (页码 - 1) * 每页数量
	// Limit: 每页返回的最大记录数
	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&sessions).Error

	return sessions, total, err
}

// Update 更新会话信息
// 参数:
//   - ctx: 上下文
//   - session: 包含要更新字段的会话对象，必须包含 ID
//
// 返回:
//   - error: 数据库错误
func (r *SessionRepository) Update(ctx context.Context, session *model.Session) error {
	return r.db.WithContext(ctx).Save(session).Error
}

// EndSession 结束会话
// 将会话状态设为 ended，并记录结束时间
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - error: 数据库错误
func (r *SessionRepository) EndSession(ctx context.Context, id int64) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   model.SessionStatusEnded,
			"ended_at": now,
		}).Error
}

// ClearWorkspace 清空会话的工作空间句柄
// 工作空间销毁后调用，保证句柄不悬空
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - error: 数据库错误
func (r *SessionRepository) ClearWorkspace(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", id).
		Update("workspace_id", nil).Error
}

// Delete 删除会话
// 注意: 会级联删除关联的所有消息和版本
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - error: 数据库错误
func (r *SessionRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.Session{}, id).Error
}
