// Package model 定义了与数据库表对应的数据结构
package model

import (
	"encoding/json"
)

// TodoStatus 待办状态常量
const (
	TodoStatusPending = "pending" // 未开始
	TodoStatusActive  = "active"  // 进行中
	TodoStatusDone    = "done"    // 已完成
)

// Scene 分镜
// 计划中的一个场景，按顺序执行
type Scene struct {
	Title       string  `json:"title"`       // 场景标题
	Duration    float64 `json:"duration"`    // 时长（秒）
	Description string  `json:"description"` // 场景描述
}

// Plan 结构化的分镜计划
// 计划一经接受即不可变；新计划整体替换旧计划
type Plan struct {
	Scenes     []Scene `json:"scenes"`                // 有序的场景列表
	DesignSpec string  `json:"design_spec,omitempty"` // 自由文本的设计规格
}

// TotalDuration 计算计划的总时长（秒）
func (p *Plan) TotalDuration() float64 {
	var total float64
	for _, s := range p.Scenes {
		total += s.Duration
	}
	return total
}

// Todo 执行期的一个待办项
type Todo struct {
	ID     string `json:"id"`     // 待办项标识
	Label  string `json:"label"`  // 展示文本
	Status string `json:"status"` // pending / active / done
}

// Execution 执行期工作状态
// 仅在 phase == executing 时存在，重新执行时整体重建
type Execution struct {
	Todos    []Todo   `json:"todos"`    // 有序的待办列表
	Thinking string   `json:"thinking"` // 当前状态标签
	Files    []string `json:"files"`    // 已写入的工作空间路径
}

// SessionError 会话错误详情
// 仅在 phase == error 时存在
type SessionError struct {
	Message  string `json:"message"`   // 用户可读的错误信息
	Code     string `json:"code"`      // 错误分类码（见 pipeline 错误分类）
	CanRetry bool   `json:"can_retry"` // 是否允许重试
}

// MarshalPlan 将计划序列化为 JSON 字符串
// 用于存入 sessions.plan_json 列
func MarshalPlan(p *Plan) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalPlan 从 JSON 字符串反序列化计划
func UnmarshalPlan(s string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarshalExecution 将执行状态序列化为 JSON 字符串
func MarshalExecution(e *Execution) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalExecution 从 JSON 字符串反序列化执行状态
func UnmarshalExecution(s string) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarshalSessionError 将错误详情序列化为 JSON 字符串
func MarshalSessionError(e *SessionError) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalSessionError 从 JSON 字符串反序列化错误详情
func UnmarshalSessionError(s string) (*SessionError, error) {
	var e SessionError
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
