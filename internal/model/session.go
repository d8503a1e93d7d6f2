// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// SessionStatus 会话状态常量
const (
	SessionStatusActive = "active" // 活跃中
	SessionStatusEnded  = "ended"  // 已结束
)

// Session 会话模型
// 对应数据库表 sessions
// 表示用户的一次完整动画生成请求及其累积状态
// 会话的 phase 字段是客户端对账后唯一可信的状态来源
type Session struct {
	// ID 会话唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// Phase 当前阶段
	// idle / question / plan / executing / preview / complete / error
	// 合法取值与迁移规则由 internal/phase 包定义
	Phase string `gorm:"size:20;not null;default:idle;index" json:"phase"`

	// Prompt 用户最初提交的动画描述
	Prompt string `gorm:"type:text" json:"prompt"`

	// PlanJSON 结构化的分镜计划（JSON 序列化的 model.Plan）
	// 计划一经接受即不可变；重新生成会整体替换并清空 execution
	PlanJSON *string `gorm:"type:text" json:"-"`

	// PlanAccepted 计划是否已被接受
	// 一旦置位，后续自由文本一律按"对当前执行的反馈"路由，
	// 只有显式的重新生成动作才能回到 plan 阶段
	PlanAccepted bool `gorm:"default:false" json:"plan_accepted"`

	// ExecutionJSON 执行期工作状态（JSON 序列化的 model.Execution）
	// 仅在 phase == executing 时存在
	ExecutionJSON *string `gorm:"type:text" json:"-"`

	// WorkspaceID 当前活跃工作空间的句柄
	// 同一时刻最多一个；创建新工作空间前必须显式销毁旧的
	WorkspaceID *string `gorm:"size:64;index" json:"workspace_id,omitempty"`

	// ErrorJSON 错误详情（JSON 序列化的 model.SessionError）
	// 仅在 phase == error 时存在
	ErrorJSON *string `gorm:"type:text" json:"-"`

	// Status 会话生命周期状态
	// active: 活跃中
	// ended: 已结束（软删除）
	Status string `gorm:"size:20;default:active;index" json:"status"`

	// CreatedAt 创建时间
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// EndedAt 会话结束时间
	// 仅当状态为 ended 时有值
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Messages 会话中的所有消息（一对多关系）
	Messages []Message `gorm:"foreignKey:SessionID" json:"messages,omitempty"`

	// Versions 会话产出的渲染版本（一对多关系，只增不减）
	Versions []Version `gorm:"foreignKey:SessionID" json:"versions,omitempty"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}
