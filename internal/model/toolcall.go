// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// ToolCallStatus 工具调用状态常量
const (
	ToolCallStatusRunning = "running" // 进行中
	ToolCallStatusDone    = "done"    // 成功结束
	ToolCallStatusFailed  = "failed"  // 失败结束
)

// ToolCallRecord 工具调用审计记录
// 对应数据库表 tool_calls
// 调用开始时创建，收到结果时恰好更新一次，之后不再变更也不会删除
type ToolCallRecord struct {
	// ID 自增主键
	ID int64 `gorm:"primaryKey" json:"-"`

	// SessionID 所属会话ID
	SessionID int64 `gorm:"index;not null" json:"session_id"`

	// ToolCallID 本次调用的唯一标识（UUID）
	ToolCallID string `gorm:"size:64;uniqueIndex;not null" json:"tool_call_id"`

	// ToolName 工具名称，如 generate_code / start_preview
	ToolName string `gorm:"size:64;not null" json:"tool_name"`

	// Status 调用状态
	Status string `gorm:"size:20;not null" json:"status"`

	// ArgsJSON 调用参数（JSON）
	ArgsJSON string `gorm:"type:text" json:"args"`

	// OutputJSON 成功时的结果（JSON）
	OutputJSON *string `gorm:"type:text" json:"output,omitempty"`

	// ErrorText 失败时的错误信息
	ErrorText *string `gorm:"type:text" json:"error,omitempty"`

	// Sequence 会话内严格递增的序号
	Sequence int64 `gorm:"not null;index" json:"sequence"`

	// CreatedAt 调用开始时间
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// UpdatedAt 结果写入时间
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (ToolCallRecord) TableName() string {
	return "tool_calls"
}
