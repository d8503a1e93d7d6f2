// Package repository 提供数据访问层的实现
package repository

import (
	"context"

	"gorm.io/gorm"
	"kinecraft-server/internal/model"
)

// MessageRepository 消息数据访问层
// 负责消息相关的所有数据库操作
// 消息只追加不重排，排序统一用 (created_at, sequence)
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create 创建新消息
// 参数:
//   - ctx: 上下文
//   - message: 消息对象，ID 和 CreatedAt 会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetBySessionID 获取会话的所有消息
// 按 (created_at, sequence) 正序排列，时间戳相同的消息由序号定序
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - []model.Message: 消息列表
//   - error: 数据库错误
func (r *MessageRepository) GetBySessionID(ctx context.Context, sessionID int64) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, sequence ASC").
		Find(&messages).Error
	return messages, err
}

// GetBySessionIDWithPagination 分页获取会话的消息
// 用于加载更多历史消息
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - page: 页码，从 1 开始
//   - pageSize: 每页数量
//
// 返回:
//   - []model.Message: 消息列表
//   - int64: 总数量
//   - error: 数据库错误
func (r *MessageRepository) GetBySessionIDWithPagination(ctx context.Context, sessionID int64, page, pageSize int) ([]model.Message, int64, error) {
	var messages []model.Message
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Message{}).Where("session_id = ?", sessionID)

	// 获取总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 分页查询
	offset := (page - 1) * pageSize
	err := query.
		Order("created_at ASC, sequence ASC").
		Offset(offset).
		Limit(pageSize).
		Find(&messages).Error

	return messages, total, err
}

// GetLatestBySessionID 获取会话的最新 N 条消息
// 用于构建分析调用的对话上下文
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - limit: 要获取的消息数量
//
// 返回:
//   - []model.Message: 消息列表（按时间正序）
//   - error: 数据库错误
func (r *MessageRepository) GetLatestBySessionID(ctx context.Context, sessionID int64, limit int) ([]model.Message, error) {
	var messages []model.Message

	// 子查询：先按序倒取最新的 N 条，外层再正序排列
	subQuery := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, sequence DESC").
		Limit(limit)

	err := r.db.WithContext(ctx).
		Table("(?) as t", subQuery).
		Order("created_at ASC, sequence ASC").
		Find(&messages).Error

	return messages, err
}

// CountBySessionID 统计会话的消息数量
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - int64: 消息数量
//   - error: 数据库错误
func (r *MessageRepository) CountBySessionID(ctx context.Context, sessionID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// MaxSequence 返回会话消息中的最大序号（无消息返回 0）
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - int64: 最大序号
//   - error: 数据库错误
func (r *MessageRepository) MaxSequence(ctx context.Context, sessionID int64) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	return max, err
}

// DeleteBySessionID 删除会话的所有消息
// 通常在删除会话时使用（如果没有设置级联删除）
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - error: 数据库错误
func (r *MessageRepository) DeleteBySessionID(ctx context.Context, sessionID int64) error {
	return r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&model.Message{}).Error
}
