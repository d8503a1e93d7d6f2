// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"kinecraft-server/internal/service"
	"kinecraft-server/pkg/response"
)

// AuthHandler 认证请求处理器
// 处理访问令牌的签发与登出
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// IssueToken 签发访问令牌
// @Summary 签发令牌
// @Description 使用访问密钥换取 JWT 访问令牌
// @Tags 认证
// @Accept json
// @Produce json
// @Param body body service.TokenRequest true "访问密钥"
// @Success 200 {object} response.Response{data=service.TokenResponse}
// @Router /api/v1/auth/token [post]
func (h *AuthHandler) IssueToken(c *gin.Context) {
	// 1. 解析请求参数
	var req service.TokenRequest
	// ShouldBindJSON 会自动验证 binding 标签中的规则
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	// 2. 调用服务层签发令牌
	result, err := h.authService.IssueToken(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAccessKey) {
			response.Unauthorized(c, "访问密钥不正确")
			return
		}
		response.InternalError(c, "签发令牌失败")
		return
	}

	// 3. 返回成功响应
	response.Success(c, result)
}

// Logout 登出
// @Summary 登出
// @Description 将当前 Token 加入黑名单
// @Tags 认证
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	// 从上下文获取 Token（由认证中间件设置）
	token, exists := c.Get("token")
	if !exists {
		response.BadRequest(c, "无法获取 Token 信息")
		return
	}

	if err := h.authService.Logout(c.Request.Context(), token.(string)); err != nil {
		response.InternalError(c, "登出失败")
		return
	}

	response.SuccessWithMessage(c, "登出成功", nil)
}
