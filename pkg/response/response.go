// Package response 提供统一的 HTTP 响应格式
// 所有 API 都使用相同的响应结构，便于前端处理
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
// code: 业务状态码（0 表示成功）
// message: 提示信息
// data: 响应数据
type Response struct {
	Code    int         `json:"code"`           // 业务状态码
	Message string      `json:"message"`        // 提示信息
	Data    interface{} `json:"data,omitempty"` // 响应数据，可选
}

// 业务状态码定义
const (
	CodeSuccess            = 0    // 成功
	CodeBadRequest         = 1000 // 请求参数错误
	CodeUnauthorized       = 1001 // 未授权
	CodeForbidden          = 1002 // 禁止访问
	CodeNotFound           = 1003 // 资源不存在
	CodeInternalError      = 1004 // 服务器内部错误
	CodeSessionNotFound    = 1301 // 会话不存在
	CodeSessionEnded       = 1302 // 会话已结束
	CodeIllegalInput       = 1303 // 输入在当前阶段不合法
	CodeGenerationBusy     = 1304 // 会话有生成进行中
	CodeWorkspaceGone      = 1401 // 工作空间不存在或已销毁
	CodePreviewUnavailable = 1402 // 预览服务不可达
)

// Success 返回成功响应
// 参数:
//   - c: Gin 上下文
//   - data: 响应数据，可以是任意类型
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 返回成功响应（带自定义消息）
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Error 返回错误响应
// 参数:
//   - c: Gin 上下文
//   - httpCode: HTTP 状态码
//   - message: 错误信息
func Error(c *gin.Context, httpCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    httpCode,
		Message: message,
	})
}

// ErrorWithCode 返回错误响应（带业务状态码）
// 参数:
//   - c: Gin 上下文
//   - httpCode: HTTP 状态码
//   - bizCode: 业务状态码
//   - message: 错误信息
func ErrorWithCode(c *gin.Context, httpCode, bizCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    bizCode,
		Message: message,
	})
}

// BadRequest 返回 400 错误（请求参数错误）
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    CodeBadRequest,
		Message: message,
	})
}

// Unauthorized 返回 401 错误（未授权）
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}

// Forbidden 返回 403 错误（禁止访问）
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Code:    CodeForbidden,
		Message: message,
	})
}

// NotFound 返回 404 错误（资源不存在）
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Code:    CodeNotFound,
		Message: message,
	})
}

// InternalError 返回 500 错误（服务器内部错误）
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Code:    CodeInternalError,
		Message: message,
	})
}

// SessionNotFound 返回会话不存在错误
func SessionNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, Response{
		Code:    CodeSessionNotFound,
		Message: "会话不存在",
	})
}

// SessionEnded 返回会话已结束错误
func SessionEnded(c *gin.Context) {
	c.JSON(http.StatusConflict, Response{
		Code:    CodeSessionEnded,
		Message: "会话已结束",
	})
}

// IllegalInput 返回阶段不合法错误
// 输入在当前阶段不被状态机接受
func IllegalInput(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Code:    CodeIllegalInput,
		Message: message,
	})
}

// GenerationBusy 返回生成进行中错误
func GenerationBusy(c *gin.Context) {
	c.JSON(http.StatusConflict, Response{
		Code:    CodeGenerationBusy,
		Message: "会话已有生成在进行中",
	})
}

// WorkspaceGone 返回工作空间不存在错误
// 已销毁的工作空间一律按不存在处理
func WorkspaceGone(c *gin.Context) {
	c.JSON(http.StatusNotFound, Response{
		Code:    CodeWorkspaceGone,
		Message: "工作空间不存在或已销毁",
	})
}

// PreviewUnavailable 返回预览服务不可达错误
func PreviewUnavailable(c *gin.Context) {
	c.JSON(http.StatusBadGateway, Response{
		Code:    CodePreviewUnavailable,
		Message: "预览服务不可达",
	})
}

// Created 返回 201 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "创建成功",
		Data:    data,
	})
}

// NoContent 返回 204 无内容响应（用于删除操作）
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Accepted 返回 202 已接受响应（用于异步操作）
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:    CodeSuccess,
		Message: "请求已接受",
		Data:    data,
	})
}
