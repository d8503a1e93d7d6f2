// Package repository 提供数据访问层的实现
package repository

import (
	"context"

	"gorm.io/gorm"
	"kinecraft-server/internal/model"
)

// ToolCallRepository 工具调用审计数据访问层
// 记录只追加、恰好更新一次，不删除
type ToolCallRepository struct {
	db *gorm.DB
}

// NewToolCallRepository 创建 ToolCallRepository 实例
func NewToolCallRepository(db *gorm.DB) *ToolCallRepository {
	return &ToolCallRepository{db: db}
}

// Create 登记一次工具调用的开始
// 参数:
//   - ctx: 上下文
//   - record: 调用记录，状态应为 running
//
// 返回:
//   - error: 数据库错误
func (r *ToolCallRepository) Create(ctx context.Context, record *model.ToolCallRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Finish 写入一次工具调用的结果
// 只允许从 running 迁出，重复写入不会覆盖已有结果
// 参数:
//   - ctx: 上下文
//   - toolCallID: 调用标识
//   - status: done 或 failed
//   - output: 成功时的结果 JSON
//   - errText: 失败时的错误信息
//
// 返回:
//   - error: 数据库错误
func (r *ToolCallRepository) Finish(ctx context.Context, toolCallID, status string, output, errText *string) error {
	return r.db.WithContext(ctx).
		Model(&model.ToolCallRecord{}).
		Where("tool_call_id = ? AND status = ?", toolCallID, model.ToolCallStatusRunning).
		Updates(map[string]interface{}{
			"status":      status,
			"output_json": output,
			"error_text":  errText,
		}).Error
}

// GetBySessionID 获取会话的全部工具调用记录
// 按 (created_at, sequence) 正序排列
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - []model.ToolCallRecord: 调用记录列表
//   - error: 数据库错误
func (r *ToolCallRepository) GetBySessionID(ctx context.Context, sessionID int64) ([]model.ToolCallRecord, error) {
	var records []model.ToolCallRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, sequence ASC").
		Find(&records).Error
	return records, err
}

// MaxSequence 返回会话工具调用记录中的最大序号（无记录返回 0）
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - int64: 最大序号
//   - error: 数据库错误
func (r *ToolCallRepository) MaxSequence(ctx context.Context, sessionID int64) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).
		Model(&model.ToolCallRecord{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	return max, err
}

// CountRunningBySessionID 统计会话中仍在进行的工具调用数
// 用于观测悬空的调用记录
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - int64: 进行中的调用数
//   - error: 数据库错误
func (r *ToolCallRepository) CountRunningBySessionID(ctx context.Context, sessionID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ToolCallRecord{}).
		Where("session_id = ? AND status = ?", sessionID, model.ToolCallStatusRunning).
		Count(&count).Error
	return count, err
}
