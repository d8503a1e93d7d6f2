// Package pipeline 定义生成管线共享的错误分类
// 单个工具调用内部的错误在工具边界被捕获并转换为结构化结果，
// 由编排循环决定重试、向用户报告还是迁移到 error 阶段；
// 原始诊断信息只进日志，绝不原样展示给最终用户
package pipeline

import (
	"errors"
	"fmt"
)

// 错误分类常量
const (
	KindProvision    = "ProvisionError"    // 工作空间创建失败
	KindIO           = "IOError"           // 非法路径 / 超限内容
	KindTimeout      = "TimeoutError"      // 命令执行或预览启动超时
	KindGeneration   = "GenerationError"   // 模型输出畸形或校验失败
	KindVerification = "VerificationError" // 渲染或视觉分析失败
	KindStreamAbort  = "StreamAbort"       // 用户取消
)

// Error 管线结构化错误
// Message 面向用户，Detail 面向运维日志
type Error struct {
	Kind     string // 分类（见上方常量）
	Message  string // 用户可读的说明
	Detail   string // 内部诊断（进日志，不外显）
	CanRetry bool   // 是否允许重试
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New 创建管线错误
func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message, CanRetry: retryable(kind)}
}

// Newf 创建带格式化说明的管线错误
func Newf(kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithDetail 附加内部诊断信息
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// retryable 各分类的默认可重试性
func retryable(kind string) bool {
	switch kind {
	case KindStreamAbort:
		// 用户主动取消，无需重试提示
		return false
	default:
		return true
	}
}

// Kind 提取错误的管线分类
// 非管线错误返回空字符串
func Kind(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// As 将任意错误规整为管线错误
// 已是管线错误则原样返回，否则包装为给定分类
func As(err error, fallbackKind, message string) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return New(fallbackKind, message).WithDetail(err.Error())
}
