// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"kinecraft-server/internal/orchestrator"
	"kinecraft-server/internal/phase"
	"kinecraft-server/internal/service"
	"kinecraft-server/pkg/response"
)

// SessionHandler 会话请求处理器
type SessionHandler struct {
	sessionService *service.SessionService
	orchestrator   *orchestrator.Orchestrator
}

// NewSessionHandler 创建 SessionHandler 实例
func NewSessionHandler(sessionService *service.SessionService, orc *orchestrator.Orchestrator) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		orchestrator:   orc,
	}
}

// sessionID 解析路径中的会话ID
func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "无效的会话ID")
		return 0, false
	}
	return id, true
}

// writeDriveError 把编排错误映射为 HTTP 响应
func writeDriveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.SessionNotFound(c)
	case errors.Is(err, service.ErrSessionEnded):
		response.SessionEnded(c)
	case errors.Is(err, phase.ErrIllegalInput):
		response.IllegalInput(c, err.Error())
	case errors.Is(err, orchestrator.ErrRunActive):
		response.GenerationBusy(c)
	default:
		response.InternalError(c, err.Error())
	}
}

// CreateSession 创建新会话
// @Summary 创建会话
// @Description 创建一个新的动画生成会话，初始阶段为 idle
// @Tags 会话
// @Security Bearer
// @Produce json
// @Success 201 {object} response.Response{data=service.SessionSummary}
// @Router /api/v1/sessions [post]
func (h *SessionHandler) CreateSession(c *gin.Context) {
	session, err := h.sessionService.CreateSession(c.Request.Context())
	if err != nil {
		response.InternalError(c, "创建会话失败")
		return
	}
	response.Created(c, session)
}

// ListSessions 获取会话列表
// @Summary 获取会话列表
// @Description 分页获取所有会话
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=SessionListResponse}
// @Router /api/v1/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	// 解析分页参数
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	sessions, total, err := h.sessionService.ListSessions(c.Request.Context(), page, pageSize)
	if err != nil {
		response.InternalError(c, "获取会话列表失败")
		return
	}

	response.Success(c, gin.H{
		"sessions":  sessions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// SessionListResponse 会话列表响应
type SessionListResponse struct {
	Sessions []service.SessionSummary `json:"sessions"`
	Total    int64                    `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// GetSession 获取会话快照
// @Summary 获取会话快照
// @Description 获取会话的当前阶段、计划、执行状态、版本和消息历史
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 200 {object} response.Response{data=service.SessionSnapshot}
// @Router /api/v1/sessions/{id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	snapshot, err := h.sessionService.GetSnapshot(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.SessionNotFound(c)
			return
		}
		response.InternalError(c, "获取会话详情失败")
		return
	}

	response.Success(c, snapshot)
}

// SubmitMessageRequest 提交消息请求
type SubmitMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SubmitMessage 向会话提交用户文本
// @Summary 提交消息
// @Description 提交用户的自由文本（需求描述、澄清回答、确认词或修改意见），按当前阶段路由
// @Tags 会话
// @Security Bearer
// @Accept json
// @Produce json
// @Param id path int true "会话ID"
// @Param body body SubmitMessageRequest true "消息内容"
// @Success 202 {object} response.Response
// @Router /api/v1/sessions/{id}/messages [post]
func (h *SessionHandler) SubmitMessage(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "消息内容不能为空")
		return
	}

	if err := h.orchestrator.SubmitText(id, req.Content); err != nil {
		writeDriveError(c, err)
		return
	}

	// 驱动在后台进行，结果通过事件流推送
	response.Accepted(c, gin.H{"session_id": id})
}

// AcceptSession 接受当前产物
// @Summary 接受
// @Description plan 阶段接受计划并开始执行；preview 阶段验收通过并完成会话
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 202 {object} response.Response
// @Router /api/v1/sessions/{id}/accept [post]
func (h *SessionHandler) AcceptSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := h.orchestrator.Accept(id); err != nil {
		writeDriveError(c, err)
		return
	}
	response.Accepted(c, gin.H{"session_id": id})
}

// RegenerateSession 重新生成
// @Summary 重新生成
// @Description plan 阶段重新生成计划；preview 阶段从已接受的计划重新执行
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 202 {object} response.Response
// @Router /api/v1/sessions/{id}/regenerate [post]
func (h *SessionHandler) RegenerateSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := h.orchestrator.Regenerate(id); err != nil {
		writeDriveError(c, err)
		return
	}
	response.Accepted(c, gin.H{"session_id": id})
}

// RetrySession 错误后重试
// @Summary 重试
// @Description error 阶段重试：有计划回到 plan，无计划回到 idle
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 200 {object} response.Response
// @Router /api/v1/sessions/{id}/retry [post]
func (h *SessionHandler) RetrySession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := h.orchestrator.Retry(id); err != nil {
		writeDriveError(c, err)
		return
	}
	response.Success(c, gin.H{"session_id": id})
}

// CancelSession 取消进行中的生成
// @Summary 取消生成
// @Description 中断会话的活跃轮次，回退到上一个稳定阶段
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 200 {object} response.Response
// @Router /api/v1/sessions/{id}/cancel [post]
func (h *SessionHandler) CancelSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	cancelled := h.orchestrator.Cancel(id)
	response.Success(c, gin.H{"cancelled": cancelled})
}

// EndSession 结束会话
// @Summary 结束会话
// @Description 结束会话并销毁其工作空间，历史记录保留可查
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 204 "结束成功"
// @Router /api/v1/sessions/{id} [delete]
func (h *SessionHandler) EndSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := h.sessionService.EndSession(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			response.SessionNotFound(c)
		case errors.Is(err, service.ErrSessionEnded):
			response.SessionEnded(c)
		default:
			response.InternalError(c, "结束会话失败")
		}
		return
	}
	response.NoContent(c)
}

// ListMessages 获取会话消息历史
// @Summary 获取消息历史
// @Description 按 (created_at, sequence) 顺序分页返回会话消息
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(50)
// @Success 200 {object} response.Response
// @Router /api/v1/sessions/{id}/messages [get]
func (h *SessionHandler) ListMessages(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	messages, total, err := h.sessionService.ListMessages(c.Request.Context(), id, page, pageSize)
	if err != nil {
		response.InternalError(c, "获取消息历史失败")
		return
	}

	response.Success(c, gin.H{
		"messages":  messages,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListVersions 获取会话的渲染版本
// @Summary 获取版本列表
// @Description 返回会话全部已交付的渲染版本
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 200 {object} response.Response
// @Router /api/v1/sessions/{id}/versions [get]
func (h *SessionHandler) ListVersions(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	versions, err := h.sessionService.ListVersions(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, "获取版本列表失败")
		return
	}
	response.Success(c, gin.H{"versions": versions})
}

// ListToolCalls 获取会话的工具调用记录
// @Summary 获取工具调用记录
// @Description 返回会话全部工具调用的审计记录
// @Tags 会话
// @Security Bearer
// @Produce json
// @Param id path int true "会话ID"
// @Success 200 {object} response.Response
// @Router /api/v1/sessions/{id}/toolcalls [get]
func (h *SessionHandler) ListToolCalls(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	toolCalls, err := h.sessionService.ListToolCalls(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, "获取工具调用记录失败")
		return
	}
	response.Success(c, gin.H{"tool_calls": toolCalls})
}
