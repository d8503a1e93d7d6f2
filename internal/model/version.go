// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// Version 渲染版本模型
// 对应数据库表 versions
// 会话每成功渲染一次就追加一条记录，列表只增不减
// 最后一条即"当前版本"
type Version struct {
	// ID 自增主键
	ID int64 `gorm:"primaryKey" json:"-"`

	// VersionID 对外暴露的版本标识（UUID）
	VersionID string `gorm:"size:64;uniqueIndex;not null" json:"id"`

	// SessionID 所属会话ID，外键关联 sessions.id
	SessionID int64 `gorm:"index;not null" json:"session_id"`

	// URL 渲染产物的访问地址
	// 持久化存储前指向 /artifacts/{workspace_id}/{path}
	URL string `gorm:"size:500;not null" json:"url"`

	// Duration 视频时长（秒）
	Duration float64 `json:"duration"`

	// Score 视觉校验评分（1-10，0 表示未校验）
	Score int `json:"score,omitempty"`

	// CreatedAt 渲染完成时间
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName 指定表名
func (Version) TableName() string {
	return "versions"
}
